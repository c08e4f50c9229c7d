package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/flowtest/pkg/types"
)

// memoryTask holds the log of one task.
type memoryTask struct {
	events  []*types.Event
	nextSeq int64
	// changed is closed and replaced on every append
	changed chan struct{}
	// waiters counts subscribers holding the entry open
	waiters int
}

// MemoryLog is an in-memory Log. Suitable for development and testing;
// data is lost on restart.
type MemoryLog struct {
	mu     sync.RWMutex
	tasks  map[string]*memoryTask
	config *Config
	closed bool
	done   chan struct{}
}

// NewMemoryLog creates a new in-memory log.
func NewMemoryLog(cfg *Config) *MemoryLog {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryLog{
		tasks:  make(map[string]*memoryTask),
		config: cfg,
		done:   make(chan struct{}),
	}
}

func (l *MemoryLog) Append(ctx context.Context, taskID string, in types.EventInput) (*types.Event, error) {
	data, err := json.Marshal(in.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	t, ok := l.tasks[taskID]
	if !ok {
		t = &memoryTask{nextSeq: 1, changed: make(chan struct{})}
		l.tasks[taskID] = t
	}

	key := in.Key
	if key == "" {
		key = types.EventKey(taskID, "", in.NodeID, in.Type)
	}
	event := &types.Event{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Seq:       t.nextSeq,
		Key:       key,
		Type:      in.Type,
		NodeID:    in.NodeID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	t.nextSeq++

	if l.config.EventMaxLen > 0 && int64(len(t.events)) >= l.config.EventMaxLen {
		t.events = t.events[1:]
	}
	t.events = append(t.events, event)

	close(t.changed)
	t.changed = make(chan struct{})
	return event, nil
}

func (l *MemoryLog) Read(ctx context.Context, taskID string, fromOffset int64) ([]*types.Event, error) {
	events, _, err := l.readWithSignal(taskID, fromOffset)
	return events, err
}

// readWithSignal returns the events after fromOffset together with the
// channel that is closed on the next append. The channel is nil for a task
// nobody appended to or subscribed to.
func (l *MemoryLog) readWithSignal(taskID string, fromOffset int64) ([]*types.Event, <-chan struct{}, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, nil, ErrClosed
	}
	result := make([]*types.Event, 0)
	t, ok := l.tasks[taskID]
	if !ok {
		return result, nil, nil
	}

	for _, e := range t.events {
		if e.Seq > fromOffset {
			result = append(result, e)
		}
	}
	return result, t.changed, nil
}

// attach registers a subscriber so it can wait for the task's first event.
func (l *MemoryLog) attach(taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	t, ok := l.tasks[taskID]
	if !ok {
		t = &memoryTask{nextSeq: 1, changed: make(chan struct{})}
		l.tasks[taskID] = t
	}
	t.waiters++
	return nil
}

// detach drops a subscriber and forgets the task if it never saw an append.
func (l *MemoryLog) detach(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tasks[taskID]
	if !ok {
		return
	}
	t.waiters--
	if t.waiters == 0 && t.nextSeq == 1 {
		delete(l.tasks, taskID)
	}
}

func (l *MemoryLog) Subscribe(ctx context.Context, taskID string, fromOffset int64) (<-chan *types.Event, error) {
	if err := l.attach(taskID); err != nil {
		return nil, err
	}

	ch := make(chan *types.Event, 100)
	go func() {
		defer close(ch)
		defer l.detach(taskID)
		offset := fromOffset
		for {
			events, changed, err := l.readWithSignal(taskID, offset)
			if err != nil {
				return
			}
			for _, e := range events {
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
				offset = e.Seq
				if e.Type.IsTerminal() {
					return
				}
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			case <-l.done:
				return
			}
		}
	}()
	return ch, nil
}

func (l *MemoryLog) Info(ctx context.Context) (map[string]any, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return map[string]any{
		"adapter":    "memory",
		"task_count": len(l.tasks),
		"max_events": l.config.EventMaxLen,
	}, nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

var _ Log = (*MemoryLog)(nil)
