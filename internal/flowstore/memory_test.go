package flowstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/flowtest/internal/criteria"
	"github.com/flexinfer/flowtest/pkg/types"
)

func testGraph(ids ...string) types.GraphPayload {
	var g types.GraphPayload
	for _, id := range ids {
		g.Nodes = append(g.Nodes, types.NodePayload{
			ID:   id,
			Type: "text_input",
			Data: types.NodeData{Values: map[string]any{"text": "hi"}},
		})
	}
	return g
}

// storeContract runs the behaviour every Store implementation shares.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	prefix := uuid.NewString()[:8] + "-"

	t.Run("creates flow", func(t *testing.T) {
		flow, err := store.CreateFlow(ctx, &CreateFlowRequest{Name: "Generated", Graph: testGraph("a")})
		if err != nil {
			t.Fatalf("CreateFlow failed: %v", err)
		}
		if flow.ID == "" {
			t.Error("expected ID to be generated")
		}
		if flow.Version != 1 || flow.CreatedAt.IsZero() {
			t.Errorf("unexpected flow metadata %+v", flow)
		}
	})

	t.Run("rejects duplicate id", func(t *testing.T) {
		req := &CreateFlowRequest{ID: prefix + "dup", Name: "Dup", Graph: testGraph("a")}
		if _, err := store.CreateFlow(ctx, req); err != nil {
			t.Fatalf("first create failed: %v", err)
		}
		if _, err := store.CreateFlow(ctx, req); !errors.Is(err, ErrFlowExists) {
			t.Errorf("expected ErrFlowExists, got %v", err)
		}
	})

	t.Run("get update delete", func(t *testing.T) {
		id := prefix + "crud"
		if _, err := store.CreateFlow(ctx, &CreateFlowRequest{ID: id, Name: "Crud", Graph: testGraph("a")}); err != nil {
			t.Fatalf("CreateFlow failed: %v", err)
		}

		name := "Renamed"
		graph := testGraph("a", "b")
		flow, err := store.UpdateFlow(ctx, id, &UpdateFlowRequest{Name: &name, Graph: &graph})
		if err != nil {
			t.Fatalf("UpdateFlow failed: %v", err)
		}
		if flow.Name != name || flow.Version != 2 || len(flow.Graph.Nodes) != 2 {
			t.Errorf("update not applied: %+v", flow)
		}

		got, err := store.GetFlow(ctx, id)
		if err != nil {
			t.Fatalf("GetFlow failed: %v", err)
		}
		if got.Graph.Nodes[0].Data.Values["text"] != "hi" {
			t.Errorf("graph literal lost: %+v", got.Graph.Nodes[0])
		}

		if err := store.DeleteFlow(ctx, id); err != nil {
			t.Fatalf("DeleteFlow failed: %v", err)
		}
		if _, err := store.GetFlow(ctx, id); !errors.Is(err, ErrFlowNotFound) {
			t.Errorf("expected ErrFlowNotFound after delete, got %v", err)
		}
		if err := store.DeleteFlow(ctx, id); !errors.Is(err, ErrFlowNotFound) {
			t.Errorf("expected ErrFlowNotFound on second delete, got %v", err)
		}
		if _, err := store.UpdateFlow(ctx, id, &UpdateFlowRequest{}); !errors.Is(err, ErrFlowNotFound) {
			t.Errorf("expected ErrFlowNotFound on update, got %v", err)
		}
	})

	t.Run("cases", func(t *testing.T) {
		flowID := prefix + "cased"
		if _, err := store.CreateFlow(ctx, &CreateFlowRequest{ID: flowID, Name: "Cased", Graph: testGraph("a")}); err != nil {
			t.Fatalf("CreateFlow failed: %v", err)
		}

		rs := &criteria.RuleSet{
			Rules:  []criteria.Rule{{ID: "r1", Type: criteria.RuleString, Config: map[string]any{"operation": "contains", "value": "ok"}}},
			Logics: "r1",
		}
		tc, err := store.PutCase(ctx, &TestCase{FlowID: flowID, Input: "hello", Criteria: rs})
		if err != nil {
			t.Fatalf("PutCase failed: %v", err)
		}
		if tc.ID == "" {
			t.Fatal("expected case ID to be generated")
		}

		got, err := store.GetCase(ctx, tc.ID)
		if err != nil {
			t.Fatalf("GetCase failed: %v", err)
		}
		if got.Input != "hello" || got.Criteria == nil || got.Criteria.Rules[0].Config["value"] != "ok" {
			t.Errorf("case round trip lost data: %+v", got)
		}

		if _, err := store.PutCase(ctx, &TestCase{FlowID: prefix + "missing"}); !errors.Is(err, ErrFlowNotFound) {
			t.Errorf("expected ErrFlowNotFound for orphan case, got %v", err)
		}
		if _, err := store.GetCase(ctx, prefix+"missing"); !errors.Is(err, ErrCaseNotFound) {
			t.Errorf("expected ErrCaseNotFound, got %v", err)
		}
	})

	t.Run("tasks", func(t *testing.T) {
		id := prefix + "task"
		if err := store.PutTask(ctx, &Task{ID: id, CaseID: "c", Status: types.TaskStatusRunning}); err != nil {
			t.Fatalf("PutTask failed: %v", err)
		}
		if err := store.PutTask(ctx, &Task{ID: id, CaseID: "c", Status: types.TaskStatusPassed, Output: "ok"}); err != nil {
			t.Fatalf("PutTask failed: %v", err)
		}
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask failed: %v", err)
		}
		if task.Status != types.TaskStatusPassed || task.Output != "ok" || task.UpdatedAt.IsZero() {
			t.Errorf("unexpected task %+v", task)
		}
		if _, err := store.GetTask(ctx, prefix+"none"); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("expected ErrTaskNotFound, got %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	storeContract(t, store)
}

// Runs only against a live server: FLOWTEST_REDIS_URL=redis://localhost:6379/15
func TestRedisStore(t *testing.T) {
	url := os.Getenv("FLOWTEST_REDIS_URL")
	if url == "" {
		t.Skip("FLOWTEST_REDIS_URL not set")
	}
	store, err := NewRedisStore(RedisConfig{URL: url, Prefix: "flowtest-test", TaskTTL: time.Minute})
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()
	storeContract(t, store)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	flow, _ := store.CreateFlow(ctx, &CreateFlowRequest{ID: "f", Name: "F", Graph: testGraph("a")})
	flow.Graph.Nodes[0].Data.Values["text"] = "mutated"

	got, _ := store.GetFlow(ctx, "f")
	if got.Graph.Nodes[0].Data.Values["text"] != "hi" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestMemoryStore_ListFlows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"flow3", "flow1", "flow2"} {
		store.CreateFlow(ctx, &CreateFlowRequest{ID: id, Name: id, Graph: testGraph("a")})
	}

	tests := []struct {
		name string
		opts *ListOptions
		want []string
	}{
		{"all sorted", nil, []string{"flow1", "flow2", "flow3"}},
		{"limit", &ListOptions{Limit: 2}, []string{"flow1", "flow2"}},
		{"offset", &ListOptions{Offset: 1}, []string{"flow2", "flow3"}},
		{"offset past end", &ListOptions{Offset: 5}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := store.ListFlows(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListFlows failed: %v", err)
			}
			got := make([]string, 0, len(list))
			for _, f := range list {
				got = append(got, f.ID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestCreateFlowRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateFlowRequest
		wantErr bool
	}{
		{"valid request", CreateFlowRequest{Name: "Test Flow", Graph: testGraph("a")}, false},
		{"missing Name", CreateFlowRequest{Graph: testGraph("a")}, true},
		{"empty Graph", CreateFlowRequest{Name: "Test Flow"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("expected memory store by default, got %T", s)
	}
	if _, err := New(Config{Type: "etcd"}); err == nil {
		t.Error("expected error for unknown type")
	}
}
