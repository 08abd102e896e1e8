package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/config"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/core"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/messaging"
	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/storage"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// maxBackfillFileSize protects against memory exhaustion on import.
const maxBackfillFileSize = 50 * 1024 * 1024 // 50MB

func newStoreCmd() *cobra.Command {
	var (
		databaseOverride string
		tableOverride    string
	)

	cmd := &cobra.Command{
		Use:   "store <events.json> [more.json ...]",
		Short: "Backfill events into the analytical store without bus delivery",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStore(args, databaseOverride, tableOverride)
		},
	}

	cmd.Flags().StringVar(&databaseOverride, "database", "", "store database override (default: derived from each event's owner)")
	cmd.Flags().StringVar(&tableOverride, "table", "", "store table override")
	return cmd
}

func runStore(files []string, databaseOverride, tableOverride string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := initLogger(cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ch, err := storage.NewClickHouse(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() { _ = ch.Close() }()

	store := storage.NewEventStore(ch, logger)
	publisher := messaging.NewPublisher(
		nil, nil, // backfill never touches the bus
		store, storage.ClassifyStoreError,
		messaging.Options{
			DatabaseNameTemplate: cfg.Messaging.DatabaseNameTemplate,
			DefaultTableName:     cfg.Messaging.DefaultTableName,
			MaxAttempts:          cfg.Messaging.MaxAttempts,
		},
		logger,
	)

	ctx := context.Background()
	total, failed := 0, 0

	for _, file := range files {
		events, err := readEventsFile(file)
		if err != nil {
			errorColor.Printf("✗ %s: %v\n", file, err)
			failed++
			continue
		}

		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = fmt.Sprintf(" Storing %d events from %s", len(events), file)
		s.Start()

		fileFailed := 0
		for _, ev := range events {
			if _, err := publisher.StoreOnly(ctx, ev, databaseOverride, tableOverride); err != nil {
				logger.Errorw("Failed to store event",
					"file", file,
					"event_id", ev.EventID,
					"error", err)
				fileFailed++
			}
		}
		s.Stop()

		total += len(events) - fileFailed
		failed += fileFailed
		if fileFailed > 0 {
			errorColor.Printf("✗ %s: %d of %d events failed\n", file, fileFailed, len(events))
		} else {
			successColor.Printf("✓ %s: stored %d events\n", file, len(events))
		}
	}

	infoColor.Printf("Done: %d stored, %d failed\n", total, failed)
	if failed > 0 {
		return fmt.Errorf("%d events failed to store", failed)
	}
	return nil
}

// readEventsFile reads a JSON file holding either a single event object or
// an array of events.
func readEventsFile(path string) ([]*core.SecurityEvent, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxBackfillFileSize {
		return nil, fmt.Errorf("file too large (%d bytes, max %d)", info.Size(), maxBackfillFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []*core.SecurityEvent
	if err := json.Unmarshal(data, &events); err == nil {
		return events, nil
	}

	var single core.SecurityEvent
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("not a security event or event array: %w", err)
	}
	return []*core.SecurityEvent{&single}, nil
}
