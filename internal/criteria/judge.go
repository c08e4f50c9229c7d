package criteria

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flexinfer/flowtest/internal/provider"
)

const defaultJudgeSystem = "You are a strict evaluator of AI output. " +
	"Decide whether the output satisfies the instruction. " +
	`Respond with a JSON object: {"passed": true|false, "reason": "<one sentence>"}.`

// errNoVerdict marks a judge reply that holds no recognisable verdict.
var errNoVerdict = errors.New("judge reply has no verdict")

func (e *Evaluator) compileJudge(raw map[string]any) (checkFunc, time.Duration, error) {
	var cfg JudgeConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, 0, fmt.Errorf("invalid llm_judge config: %w", err)
	}
	if strings.TrimSpace(cfg.Instruction) == "" {
		return nil, 0, fmt.Errorf("llm_judge instruction is required")
	}
	if e.providers == nil {
		return nil, 0, fmt.Errorf("no model providers configured")
	}
	p, err := e.providers.Get(cfg.Provider)
	if err != nil {
		return nil, 0, err
	}

	timeout := e.judgeTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid llm_judge timeout: %w", err)
		}
		timeout = d
	}

	system := cfg.SystemPrompt
	if system == "" {
		system = defaultJudgeSystem
	}

	return func(ctx context.Context, output string) (bool, string, error) {
		req := provider.Request{
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			System:      system,
			JSON:        true,
			Messages: []provider.Message{{
				Role:    "user",
				Content: fmt.Sprintf("Instruction:\n%s\n\nOutput to evaluate:\n%s", cfg.Instruction, output),
			}},
		}
		resp, err := p.Complete(ctx, req)
		if err != nil {
			return false, "", err
		}
		return parseVerdict(resp.Text)
	}, timeout, nil
}

// callIsolated runs check in its own goroutine so that a provider that
// ignores its context cannot hold up the evaluation past timeout or
// cancellation.
func callIsolated(ctx context.Context, timeout time.Duration, check checkFunc, output string) (bool, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type verdict struct {
		passed bool
		reason string
		err    error
	}
	done := make(chan verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- verdict{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		passed, reason, err := check(ctx, output)
		done <- verdict{passed, reason, err}
	}()

	select {
	case v := <-done:
		return v.passed, v.reason, v.err
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

// parseVerdict reads a judge reply. JSON replies may carry either a boolean
// "passed" or a "verdict" string. Plain text mentioning FAIL fails, text
// mentioning only PASS passes, and anything else is an error.
func parseVerdict(text string) (bool, string, error) {
	body := strings.TrimSpace(text)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)

	var reply struct {
		Passed  *bool  `json:"passed"`
		Verdict string `json:"verdict"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(body), &reply); err == nil {
		switch {
		case reply.Passed != nil:
			return *reply.Passed, reply.Reason, nil
		case strings.EqualFold(reply.Verdict, "pass"), strings.EqualFold(reply.Verdict, "passed"):
			return true, reply.Reason, nil
		case strings.EqualFold(reply.Verdict, "fail"), strings.EqualFold(reply.Verdict, "failed"):
			return false, reply.Reason, nil
		}
		return false, "", errNoVerdict
	}

	upper := strings.ToUpper(body)
	hasFail := strings.Contains(upper, "FAIL")
	hasPass := strings.Contains(upper, "PASS")
	switch {
	case hasFail:
		return false, body, nil
	case hasPass:
		return true, "", nil
	}
	return false, "", errNoVerdict
}
