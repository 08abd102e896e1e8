package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus delivers messages to Redis Streams, one stream per destination.
// The stream entry carries the message envelope fields plus the properties
// map as a JSON blob, so consumers can filter without parsing the body.
type RedisBus struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisBus creates a Redis Streams bus sink.
func NewRedisBus(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	return &RedisBus{
		client: client,
		logger: logger,
	}
}

// Ping tests the Redis connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Send appends the message to the destination stream.
func (b *RedisBus) Send(ctx context.Context, destination string, msg *Message) error {
	props, err := json.Marshal(msg.Properties)
	if err != nil {
		return fmt.Errorf("marshaling message properties: %w", err)
	}

	values := map[string]interface{}{
		"id":             msg.ID,
		"correlation_id": msg.CorrelationID,
		"content_type":   msg.ContentType,
		"subject":        msg.Subject,
		"body":           msg.Body,
		"properties":     props,
	}

	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: destination,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd to stream %s: %w", destination, err)
	}

	b.logger.Debugw("Sent message to bus",
		"stream", destination,
		"message_id", msg.ID,
		"subject", msg.Subject)
	return nil
}

// busyReplyPrefixes are Redis reply markers for transient server conditions.
var busyReplyPrefixes = []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "READONLY"}

// ClassifyBusError treats transport congestion and connectivity failures as
// retryable. Anything else (bad command, wrong type, full stream policy) is
// a permanent error and surfaces immediately.
func ClassifyBusError(err error) ErrorClass {
	if IsTransient(err) {
		return ClassRetryable
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ClassRetryable
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassRetryable
	}

	msg := strings.ToUpper(err.Error())
	for _, prefix := range busyReplyPrefixes {
		if strings.Contains(msg, prefix) {
			return ClassRetryable
		}
	}
	return ClassFatal
}
