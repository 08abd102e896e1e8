package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/core"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/messaging"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/metrics"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
)

// chExecutor is the slice of the ClickHouse driver the event store needs.
type chExecutor interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// EventStore ingests security events into per-tenant ClickHouse databases.
// It implements messaging.StoreSink. Schema provisioning is idempotent: all
// creates use IF NOT EXISTS, so a concurrent first-writer racing this
// process results in a no-op, not a failure. The provisioned set is a
// per-process optimization only; losing it just costs one redundant
// idempotent round trip.
type EventStore struct {
	conn   chExecutor
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	provisioned map[string]bool
}

// NewEventStore creates an event store over an open ClickHouse connection.
func NewEventStore(ch *ClickHouse, logger *zap.SugaredLogger) *EventStore {
	return &EventStore{
		conn:        ch.Conn,
		logger:      logger,
		provisioned: make(map[string]bool),
	}
}

// EnsureSchema creates the database and event table for the pair if they do
// not exist yet. Safe to call concurrently and from multiple processes.
func (s *EventStore) EnsureSchema(ctx context.Context, database, table string) error {
	key := database + "." + table

	s.mu.RLock()
	done := s.provisioned[key]
	s.mu.RUnlock()
	if done {
		return nil
	}

	if err := validateIdentifier("database", database); err != nil {
		return err
	}
	if err := validateIdentifier("table", table); err != nil {
		return err
	}

	createDB := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database)
	if err := s.conn.Exec(ctx, createDB); err != nil {
		return fmt.Errorf("failed to create database %s: %w", database, err)
	}

	// One typed column per mapped JSON field plus the whole document raw,
	// ordered for time-range queries per tenant.
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS `+"`%s`.`%s`"+` (
			EventId       String,
			EventType     String,
			DetectedAt    DateTime64(3),
			OwnerId       String,
			Severity      String,
			ResourceId    String,
			CorrelationId String,
			RawEventData  String
		) ENGINE = MergeTree()
		ORDER BY (DetectedAt, EventId)`, database, table)
	if err := s.conn.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table %s.%s: %w", database, table, err)
	}

	metrics.SchemaProvisions.Inc()
	s.logger.Infow("Provisioned event schema",
		"database", database,
		"table", table)

	s.mu.Lock()
	s.provisioned[key] = true
	s.mu.Unlock()
	return nil
}

// Ingest writes one event JSON document into the table, mapping the
// camelCase body fields onto the typed columns and keeping the whole
// document in RawEventData.
func (s *EventStore) Ingest(ctx context.Context, database, table string, body []byte) error {
	if err := validateIdentifier("database", database); err != nil {
		return err
	}
	if err := validateIdentifier("table", table); err != nil {
		return err
	}

	var ev core.SecurityEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("failed to decode event body: %w", err)
	}

	insert := fmt.Sprintf(
		"INSERT INTO `%s`.`%s` (EventId, EventType, DetectedAt, OwnerId, Severity, ResourceId, CorrelationId, RawEventData) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		database, table)

	if err := s.conn.Exec(ctx, insert,
		ev.EventID,
		ev.EventType,
		ev.DetectedAt,
		ev.OwnerID,
		ev.Severity.String(),
		ev.ResourceID,
		ev.CorrelationID,
		string(body),
	); err != nil {
		return fmt.Errorf("failed to ingest event %s into %s.%s: %w", ev.EventID, database, table, err)
	}

	return nil
}

// Retryable ClickHouse server error codes: timeouts, concurrency pressure
// and merge backlog all clear on their own.
var retryableServerCodes = map[int32]bool{
	159: true, // TIMEOUT_EXCEEDED
	202: true, // TOO_MANY_SIMULTANEOUS_QUERIES
	241: true, // MEMORY_LIMIT_EXCEEDED
	252: true, // TOO_MANY_PARTS
}

// ClassifyStoreError treats server pressure and connectivity failures as
// retryable; schema errors, bad identifiers and everything else surface
// immediately.
func ClassifyStoreError(err error) messaging.ErrorClass {
	if messaging.IsTransient(err) {
		return messaging.ClassRetryable
	}

	var ex *clickhouse.Exception
	if errors.As(err, &ex) {
		if retryableServerCodes[ex.Code] {
			return messaging.ClassRetryable
		}
		return messaging.ClassFatal
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return messaging.ClassRetryable
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return messaging.ClassRetryable
	}
	return messaging.ClassFatal
}
