// Package archive copies the event logs of finished workflows to long-term
// storage.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/taskflow/pkg/types"
)

// ErrNotArchived is returned when no archive exists for a workflow.
var ErrNotArchived = errors.New("workflow not archived")

// Ref describes a stored archive.
type Ref struct {
	WorkflowID string    `json:"workflow_id"`
	URI        string    `json:"uri"`
	Events     int       `json:"events"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	CreatedAt  time.Time `json:"created_at"`
}

// Archiver stores and loads complete workflow logs.
type Archiver interface {
	// Archive writes the full log of a terminal workflow.
	Archive(ctx context.Context, workflowID string, events []*types.Event) (*Ref, error)

	// Load reads an archived log back in sequence order.
	Load(ctx context.Context, workflowID string) ([]*types.Event, error)

	// List returns archived workflow ids in sorted order.
	List(ctx context.Context) ([]string, error)
}

// Key returns the object key for a workflow log under prefix.
func Key(prefix, workflowID string) string {
	if prefix == "" {
		return workflowID + ".ndjson"
	}
	return prefix + "/" + workflowID + ".ndjson"
}

// Encode renders events as NDJSON, one event per line.
func Encode(events []*types.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, evt := range events {
		if err := enc.Encode(evt); err != nil {
			return nil, fmt.Errorf("encode event %d: %w", evt.Sequence, err)
		}
	}
	return buf.Bytes(), nil
}

// Decode parses an NDJSON log.
func Decode(r io.Reader) ([]*types.Event, error) {
	var events []*types.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt types.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("decode line %d: %w", len(events)+1, err)
		}
		events = append(events, &evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return events, nil
}

func checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// MemoryArchiver keeps archives in memory.
type MemoryArchiver struct {
	mu   sync.RWMutex
	logs map[string][]byte
}

// NewMemoryArchiver creates an empty in-memory archiver.
func NewMemoryArchiver() *MemoryArchiver {
	return &MemoryArchiver{logs: make(map[string][]byte)}
}

func (m *MemoryArchiver) Archive(ctx context.Context, workflowID string, events []*types.Event) (*Ref, error) {
	data, err := Encode(events)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.logs[workflowID] = data
	m.mu.Unlock()

	return &Ref{
		WorkflowID: workflowID,
		URI:        "memory://" + Key("", workflowID),
		Events:     len(events),
		Size:       int64(len(data)),
		Checksum:   checksum(data),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (m *MemoryArchiver) Load(ctx context.Context, workflowID string) ([]*types.Event, error) {
	m.mu.RLock()
	data, ok := m.logs[workflowID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotArchived, workflowID)
	}
	return Decode(bytes.NewReader(data))
}

func (m *MemoryArchiver) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.logs))
	for id := range m.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var _ Archiver = (*MemoryArchiver)(nil)
