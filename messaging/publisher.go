package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/core"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/metrics"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Options configures the publisher.
type Options struct {
	// Stream is the default bus destination
	Stream string
	// DatabaseNameTemplate formats the per-tenant store database name; its
	// single %s verb receives the lower-cased owner id, or "unknown"
	DatabaseNameTemplate string
	// DefaultTableName is the store table used when no override is given
	DefaultTableName string
	// MaxAttempts bounds each sink operation, including the first attempt
	MaxAttempts int
}

func (o *Options) withDefaults() {
	if o.Stream == "" {
		o.Stream = "security-events"
	}
	if o.DatabaseNameTemplate == "" {
		o.DatabaseNameTemplate = "trickle_%s"
	}
	if o.DefaultTableName == "" {
		o.DefaultTableName = "SecurityEvents"
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
}

// Publisher validates a security event and delivers it, in order, to the
// message bus and then (for retention-eligible types) to the analytical
// store. The bus write strictly precedes the store write; if the store fails
// after the bus succeeded, the call still fails and the caller may retry
// safely, because both sinks key on the event id and redelivery is
// idempotent from the consumer's perspective.
type Publisher struct {
	bus           BusSink
	busClassify   Classifier
	store         StoreSink
	storeClassify Classifier
	opts          Options
	logger        *zap.SugaredLogger
	sleep         sleepFunc
}

// NewPublisher creates a publisher over the given sinks. Each sink brings
// its own retry classifier.
func NewPublisher(bus BusSink, busClassify Classifier, store StoreSink, storeClassify Classifier, opts Options, logger *zap.SugaredLogger) *Publisher {
	opts.withDefaults()
	return &Publisher{
		bus:           bus,
		busClassify:   busClassify,
		store:         store,
		storeClassify: storeClassify,
		opts:          opts,
		logger:        logger,
		sleep:         sleepContext,
	}
}

// Publish delivers event to the bus and, when its type is
// retention-eligible, to the analytical store. customProperties are merged
// into the bus message after the standard properties; a key collision is a
// caller error and fails before any I/O. destination overrides the
// configured stream when non-empty.
//
// The returned PublishResult is populated in every case, including
// failures, so callers can see which stage failed and how many attempts
// each sink received.
func (p *Publisher) Publish(ctx context.Context, event *core.SecurityEvent, customProperties map[string]string, destination string) (*core.PublishResult, error) {
	start := time.Now()
	defer func() {
		metrics.PublishDuration.Observe(time.Since(start).Seconds())
	}()

	res := &core.PublishResult{
		Bus:   core.PublishOutcome{Sink: core.SinkBus},
		Store: core.PublishOutcome{Sink: core.SinkStore},
	}

	if event == nil {
		metrics.PublishFailures.WithLabelValues("validation").Inc()
		return res, &core.ValidationError{Fields: []string{"event is required"}}
	}
	if ok, errs := event.Validate(); !ok {
		metrics.PublishFailures.WithLabelValues("validation").Inc()
		return res, &core.ValidationError{Fields: errs}
	}

	msg, err := p.buildMessage(ctx, event, customProperties)
	if err != nil {
		metrics.PublishFailures.WithLabelValues("validation").Inc()
		return res, err
	}

	dest := destination
	if dest == "" {
		dest = p.opts.Stream
	}

	res.Bus.Attempted = true
	attempts, err := withRetry(ctx, core.SinkBus, p.opts.MaxAttempts, p.busClassify, p.sleep, p.logger, func(ctx context.Context) error {
		return p.bus.Send(ctx, dest, msg)
	})
	res.Bus.Attempts = attempts
	if err != nil {
		res.Bus.LastError = err
		if ctx.Err() != nil {
			metrics.PublishFailures.WithLabelValues("cancelled").Inc()
			return res, err
		}
		metrics.PublishFailures.WithLabelValues("bus").Inc()
		p.logger.Errorw("Failed to publish event to bus",
			"event_type", event.EventType,
			"event_id", event.EventID,
			"attempts", attempts,
			"error", err)
		return res, &core.SinkError{
			Sink:      core.SinkBus,
			Transient: p.busClassify(err) == ClassRetryable,
			Attempts:  attempts,
			Err:       err,
		}
	}
	res.Bus.Succeeded = true

	if !event.RetentionEligible() {
		metrics.EventsPublished.WithLabelValues(event.EventType).Inc()
		p.logger.Infow("Published event",
			"event_type", event.EventType,
			"event_id", event.EventID,
			"owner_id", event.OwnerID,
			"stored", false)
		return res, nil
	}

	res.Store, err = p.storeEvent(ctx, event, "", "")
	if err != nil {
		if ctx.Err() != nil {
			metrics.PublishFailures.WithLabelValues("cancelled").Inc()
			return res, err
		}
		metrics.PublishFailures.WithLabelValues("store").Inc()
		p.logger.Errorw("Failed to store event",
			"event_type", event.EventType,
			"event_id", event.EventID,
			"attempts", res.Store.Attempts,
			"error", err)
		return res, err
	}

	metrics.EventsPublished.WithLabelValues(event.EventType).Inc()
	p.logger.Infow("Published event",
		"event_type", event.EventType,
		"event_id", event.EventID,
		"owner_id", event.OwnerID,
		"stored", true)
	return res, nil
}

// StoreOnly writes event to the analytical store without touching the bus
// and without the retention-eligibility check. Intended for backfill and
// administrative storage.
func (p *Publisher) StoreOnly(ctx context.Context, event *core.SecurityEvent, databaseOverride, tableOverride string) (core.PublishOutcome, error) {
	if event == nil {
		return core.PublishOutcome{Sink: core.SinkStore}, &core.ValidationError{Fields: []string{"event is required"}}
	}
	return p.storeEvent(ctx, event, databaseOverride, tableOverride)
}

// storeEvent provisions the target schema and ingests the event, both under
// a single retry scope.
func (p *Publisher) storeEvent(ctx context.Context, event *core.SecurityEvent, databaseOverride, tableOverride string) (core.PublishOutcome, error) {
	out := core.PublishOutcome{Sink: core.SinkStore, Attempted: true}

	body, err := event.ToJSON()
	if err != nil {
		out.LastError = err
		return out, fmt.Errorf("serializing event %s: %w", event.EventID, err)
	}

	database := databaseOverride
	if database == "" {
		owner := strings.ToLower(event.OwnerID)
		if owner == "" {
			owner = "unknown"
		}
		database = fmt.Sprintf(p.opts.DatabaseNameTemplate, owner)
	}
	table := tableOverride
	if table == "" {
		table = p.opts.DefaultTableName
	}

	attempts, err := withRetry(ctx, core.SinkStore, p.opts.MaxAttempts, p.storeClassify, p.sleep, p.logger, func(ctx context.Context) error {
		if err := p.store.EnsureSchema(ctx, database, table); err != nil {
			return err
		}
		return p.store.Ingest(ctx, database, table, body)
	})
	out.Attempts = attempts
	if err != nil {
		out.LastError = err
		if ctx.Err() != nil {
			return out, err
		}
		return out, &core.SinkError{
			Sink:      core.SinkStore,
			Transient: p.storeClassify(err) == ClassRetryable,
			Attempts:  attempts,
			Err:       err,
		}
	}
	out.Succeeded = true

	p.logger.Debugw("Stored event",
		"event_type", event.EventType,
		"event_id", event.EventID,
		"database", database,
		"table", table)
	return out, nil
}

// buildMessage assembles the bus message: canonical JSON body, the event id
// as delivery idempotency key, standard properties, trace identifiers when
// a span is active, then caller-supplied custom properties.
func (p *Publisher) buildMessage(ctx context.Context, event *core.SecurityEvent, customProperties map[string]string) (*Message, error) {
	body, err := event.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("serializing event %s: %w", event.EventID, err)
	}

	owner := event.OwnerID
	if owner == "" {
		owner = "unknown"
	}

	props := map[string]string{
		PropEventType:  event.EventType,
		PropOwnerID:    owner,
		PropSeverity:   event.Severity.String(),
		PropResourceID: event.ResourceID,
		PropDetectedAt: event.DetectedAt.UTC().Format(time.RFC3339Nano),
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		props[PropTraceID] = sc.TraceID().String()
		props[PropSpanID] = sc.SpanID().String()
	}

	for k, v := range customProperties {
		if _, exists := props[k]; exists {
			return nil, &core.ValidationError{
				Fields: []string{fmt.Sprintf("custom property %q conflicts with a standard message property", k)},
			}
		}
		props[k] = v
	}

	return &Message{
		ID:            event.EventID,
		CorrelationID: event.EffectiveCorrelationID(),
		ContentType:   "application/json",
		Subject:       event.EventType,
		Body:          body,
		Properties:    props,
	}, nil
}
