package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAICompatible_Complete(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m1","choices":[{"message":{"role":"assistant","content":"hi there",
			"tool_calls":[{"id":"c1","type":"function","function":{"name":"search","arguments":"{\"q\":\"go\"}"}}]}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatible(OpenAIConfig{BaseURL: srv.URL, APIKey: "secret", Model: "m1"}, nil)
	temp := 0.2
	resp, err := p.Complete(context.Background(), Request{
		System:      "be brief",
		Temperature: &temp,
		Messages:    []Message{{Role: "user", Content: "hello"}},
		Tools:       []ToolSpec{{Name: "search", Description: "web search"}},
		JSON:        true,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Text != "hi there" || resp.Model != "m1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["q"] != "go" {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("expected system message first, got %+v", got.Messages)
	}
	if got.ResponseFormat["type"] != "json_object" {
		t.Errorf("expected json response format, got %v", got.ResponseFormat)
	}
	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "search" {
		t.Errorf("unexpected tools %+v", got.Tools)
	}
}

func TestOpenAICompatible_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			p := NewOpenAICompatible(OpenAIConfig{Name: "vendor", BaseURL: srv.URL}, nil)
			_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})

			var ext *ExternalCallError
			if !errors.As(err, &ext) {
				t.Fatalf("expected ExternalCallError, got %v", err)
			}
			if ext.Provider != "vendor" {
				t.Errorf("expected provider vendor, got %q", ext.Provider)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("expected retryable=%v", tt.retryable)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(NewEcho("first")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(NewEcho("second")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := reg.Register(NewEcho("first")); !errors.Is(err, ErrProviderExists) {
		t.Errorf("expected ErrProviderExists, got %v", err)
	}

	p, err := reg.Get("")
	if err != nil || p.Name() != "first" {
		t.Errorf("expected default provider first, got %v %v", p, err)
	}
	if _, err := reg.Get("missing"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestStatic_Echo(t *testing.T) {
	p := &Static{ProviderName: "echo", Prefix: "> "}
	resp, err := p.Complete(context.Background(), Request{Messages: []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "ignored"},
		{Role: "user", Content: " second "},
	}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Text != "> second" {
		t.Errorf("expected echo of last user message, got %q", resp.Text)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Complete(ctx, Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
