// Package eventlog adapts the external event broker: an append-only,
// task-id-keyed, ordered log of execution events.
package eventlog

import (
	"context"
	"errors"
	"sync"

	"github.com/flexinfer/flowtest/pkg/types"
)

var (
	// ErrClosed is returned by a log after Close.
	ErrClosed = errors.New("event log closed")
	// ErrEncode is returned by Append when the event payload cannot be
	// encoded. It is a caller fault, never a broker outage.
	ErrEncode = errors.New("encode event data")
)

// Log is the broker contract. Implementations must be safe for concurrent
// use. Readers must tolerate redelivery; see Dedup.
type Log interface {
	// Append adds an event to the task's log and returns it with its
	// sequence number assigned. Entries are never mutated or removed.
	Append(ctx context.Context, taskID string, in types.EventInput) (*types.Event, error)

	// Read returns the events with Seq > fromOffset in order. An unknown
	// task yields an empty slice.
	Read(ctx context.Context, taskID string, fromOffset int64) ([]*types.Event, error)

	// Subscribe streams events with Seq > fromOffset, first the backlog and
	// then live entries. The channel is closed after a terminal event or when
	// ctx is done.
	Subscribe(ctx context.Context, taskID string, fromOffset int64) (<-chan *types.Event, error)

	// Info returns diagnostics about the adapter.
	Info(ctx context.Context) (map[string]any, error)

	Close() error
}

// Config holds configuration for Log implementations.
type Config struct {
	// Maximum number of events kept per task
	EventMaxLen int64

	// TTLSeconds expires a task's log after its last append (0 = no expiry)
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTLSeconds:  7 * 24 * 60 * 60,
	}
}

// Dedup drops redelivered events. Each transition carries a key unique
// within its task, so a key seen before is a replay.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
	last int64
}

// NewDedup creates an empty deduplicator.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]struct{})}
}

// Accept reports whether e is new. It records e when it is.
func (d *Dedup) Accept(e *types.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := e.Key
	if key == "" {
		key = e.ID
	}
	if _, dup := d.seen[key]; dup {
		return false
	}
	d.seen[key] = struct{}{}
	if e.Seq > d.last {
		d.last = e.Seq
	}
	return true
}

// Offset returns the highest sequence accepted so far, suitable as the
// fromOffset of the next Read.
func (d *Dedup) Offset() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}
