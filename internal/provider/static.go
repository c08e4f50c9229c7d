package provider

import (
	"context"
	"strings"
)

// Static is a deterministic in-process provider. Without Fn it echoes the
// last user message, prefixed by Prefix.
type Static struct {
	ProviderName string
	Prefix       string
	Fn           func(ctx context.Context, req Request) (Response, error)
}

// NewEcho returns a static provider that echoes the last user message.
func NewEcho(name string) *Static {
	return &Static{ProviderName: name}
}

func (s *Static) Name() string { return s.ProviderName }

func (s *Static) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if s.Fn != nil {
		return s.Fn(ctx, req)
	}
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	return Response{Text: s.Prefix + strings.TrimSpace(last), Model: req.Model}, nil
}
