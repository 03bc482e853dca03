// Package eventlog provides the append-only workflow event log, its storage
// backends, an in-process event bus and replay.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrConcurrency      = errors.New("concurrent append: expected sequence mismatch")
	ErrEmptyAppend      = errors.New("append requires at least one event")
	ErrClosed           = errors.New("event store closed")
)

// Store is the append-only, per-workflow ordered event log.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append atomically adds events after expectedSeq. When the stored last
	// sequence differs from expectedSeq nothing is written and the error
	// wraps ErrConcurrency. The returned events carry their assigned
	// sequences, ids and schema versions.
	Append(ctx context.Context, workflowID string, expectedSeq int64, events ...*types.Event) ([]*types.Event, error)

	// Read returns events with Sequence >= fromSequence in sequence order.
	// An unknown workflow yields an empty slice.
	Read(ctx context.Context, workflowID string, fromSequence int64) ([]*types.Event, error)

	// LastSequence returns the highest committed sequence, 0 when empty.
	LastSequence(ctx context.Context, workflowID string) (int64, error)

	// Workflows lists ids of workflows with at least one event.
	Workflows(ctx context.Context) ([]string, error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// Config holds configuration shared by Store implementations.
type Config struct {
	// Clock stamps event timestamps; defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns sensible defaults for Store configuration.
func DefaultConfig() *Config {
	return &Config{Clock: time.Now}
}

func (c *Config) now() time.Time {
	if c == nil || c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock().UTC()
}

// conflict builds the error returned on an expected sequence mismatch.
func conflict(workflowID string, expected, actual int64) error {
	return types.NewConcurrencyError(
		fmt.Sprintf("workflow %s: expected sequence %d, found %d", workflowID, expected, actual),
		ErrConcurrency,
	)
}

// prepare validates and stamps events before they are written. Inputs are
// cloned so callers cannot mutate committed records.
func prepare(workflowID string, lastSeq int64, now time.Time, events []*types.Event) ([]*types.Event, error) {
	if len(events) == 0 {
		return nil, ErrEmptyAppend
	}
	out := make([]*types.Event, len(events))
	for i, in := range events {
		if in == nil {
			return nil, fmt.Errorf("append %s: event %d is nil", workflowID, i)
		}
		if in.WorkflowID != "" && in.WorkflowID != workflowID {
			return nil, fmt.Errorf("append %s: event belongs to workflow %s", workflowID, in.WorkflowID)
		}
		evt := in.Clone()
		evt.WorkflowID = workflowID
		evt.Sequence = lastSeq + int64(i) + 1
		if evt.ID == "" {
			evt.ID = uuid.New().String()
		}
		if evt.SchemaVersion == 0 {
			evt.SchemaVersion = types.CurrentSchemaVersion
		}
		if evt.Timestamp.IsZero() {
			evt.Timestamp = now
		}
		out[i] = evt
	}
	return out, nil
}

func cloneAll(events []*types.Event) []*types.Event {
	out := make([]*types.Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}
