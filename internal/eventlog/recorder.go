package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/flexinfer/mentatlab/services/taskflow/internal/metrics"
	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// Recorder decorates a Store with Prometheus metrics.
type Recorder struct {
	Store
	backend string
}

// NewRecorder wraps store; backend labels the metrics.
func NewRecorder(store Store, backend string) *Recorder {
	return &Recorder{Store: store, backend: backend}
}

func (r *Recorder) observe(op string, start time.Time, err error) {
	result := "success"
	switch {
	case errors.Is(err, ErrConcurrency):
		result = "conflict"
	case err != nil:
		result = "error"
	}
	metrics.EventStoreOperations.WithLabelValues(r.backend, op, result).Inc()
	metrics.EventStoreLatency.WithLabelValues(r.backend, op).Observe(time.Since(start).Seconds())
}

func (r *Recorder) Append(ctx context.Context, workflowID string, expectedSeq int64, events ...*types.Event) ([]*types.Event, error) {
	start := time.Now()
	out, err := r.Store.Append(ctx, workflowID, expectedSeq, events...)
	r.observe("append", start, err)
	if err == nil {
		for _, evt := range out {
			metrics.EventsTotal.WithLabelValues(string(evt.Type)).Inc()
		}
	}
	return out, err
}

func (r *Recorder) Read(ctx context.Context, workflowID string, fromSequence int64) ([]*types.Event, error) {
	start := time.Now()
	out, err := r.Store.Read(ctx, workflowID, fromSequence)
	r.observe("read", start, err)
	return out, err
}

var _ Store = (*Recorder)(nil)
