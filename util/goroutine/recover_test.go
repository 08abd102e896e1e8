package goroutine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_LogsPanicWithStack(t *testing.T) {
	obs, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(obs).Sugar()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer Recover("worker", logger)
		panic("boom")
	}()
	<-done

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Goroutine panic recovered", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "worker", fields["goroutine"])
	assert.Equal(t, "boom", fields["panic"])
	assert.Contains(t, fields["stack"], "goroutine")
}

func TestRecover_NoPanicLogsNothing(t *testing.T) {
	obs, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(obs).Sugar()

	func() {
		defer Recover("quiet", logger)
	}()

	assert.Zero(t, logs.Len())
}

func TestRecover_NilLoggerDoesNotCrash(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer Recover("bare", nil)
		panic("boom")
	}()
	<-done
}
