package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// ErrUnsupportedSchema is returned for events written by a newer build.
var ErrUnsupportedSchema = errors.New("unsupported event schema version")

// Upcast converts an event of any known schema version to the current one.
// The input is never modified.
func Upcast(evt *types.Event) (*types.Event, error) {
	switch {
	case evt.SchemaVersion == types.CurrentSchemaVersion:
		return evt, nil
	case evt.SchemaVersion == 0:
		return upcastV0(evt)
	default:
		return nil, fmt.Errorf("%w: event %d of workflow %s has version %d, this build reads up to %d",
			ErrUnsupportedSchema, evt.Sequence, evt.WorkflowID, evt.SchemaVersion, types.CurrentSchemaVersion)
	}
}

// v0 events carried the attempt number only inside the payload.
func upcastV0(evt *types.Event) (*types.Event, error) {
	out := evt.Clone()
	out.SchemaVersion = 1
	if out.Attempt != 0 || len(out.Payload) == 0 {
		return out, nil
	}
	switch out.Type {
	case types.EventTypeTaskAssigned, types.EventTypeTaskCompleted, types.EventTypeTaskFailed:
		var probe struct {
			Attempt int `json:"attempt"`
		}
		if err := json.Unmarshal(out.Payload, &probe); err != nil {
			return nil, fmt.Errorf("upcast v0 %s (seq %d): %w", out.Type, out.Sequence, err)
		}
		out.Attempt = probe.Attempt
	}
	return out, nil
}
