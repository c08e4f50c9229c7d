package eventlog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/flowtest/pkg/types"
)

// Runs only against a live server: FLOWTEST_REDIS_URL=redis://localhost:6379/15
func TestRedisLog(t *testing.T) {
	url := os.Getenv("FLOWTEST_REDIS_URL")
	if url == "" {
		t.Skip("FLOWTEST_REDIS_URL not set")
	}

	cfg := DefaultRedisConfig()
	cfg.URL = url
	cfg.Prefix = "flowtest-test"
	cfg.TTL = time.Minute
	log, err := NewRedisLog(cfg, nil)
	if err != nil {
		t.Fatalf("NewRedisLog failed: %v", err)
	}
	defer log.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	taskID := uuid.NewString()

	for _, typ := range []types.EventType{types.EventTypeRunStarted, types.EventTypeNodeStarted, types.EventTypeRunCompleted} {
		if _, err := log.Append(ctx, taskID, types.EventInput{Type: typ, NodeID: "n"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	events, err := log.Read(ctx, taskID, 1)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 2 || events[1].Type != types.EventTypeRunCompleted {
		t.Errorf("unexpected events %+v", events)
	}

	ch, err := log.Subscribe(ctx, taskID, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	n := 0
	for range ch {
		n++
	}
	if n != 3 {
		t.Errorf("expected 3 streamed events, got %d", n)
	}
}
