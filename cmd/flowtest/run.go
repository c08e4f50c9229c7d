package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flexinfer/flowtest/internal/criteria"
	"github.com/flexinfer/flowtest/internal/engine"
	"github.com/flexinfer/flowtest/internal/eventlog"
	"github.com/flexinfer/flowtest/internal/flowstore"
	"github.com/flexinfer/flowtest/internal/runner"
	"github.com/flexinfer/flowtest/pkg/types"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <graph.json>",
		Short: "Run a graph once in-process and score its output",
		Args:  cobra.ExactArgs(1),
		RunE:  runOnce,
	}
	cmd.Flags().String("input", "", "Input text for the flow")
	cmd.Flags().String("rules", "", "Rule set (YAML) to score the output with")
	cmd.Flags().Bool("events", false, "Print every event as a JSON line before the result")
	return cmd
}

func runOnce(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	var graph types.GraphPayload
	if err := json.Unmarshal(data, &graph); err != nil {
		return fmt.Errorf("decode graph: %w", err)
	}

	var rs *criteria.RuleSet
	if path, _ := cmd.Flags().GetString("rules"); path != "" {
		raw, err := readInput(cmd, path)
		if err != nil {
			return err
		}
		if rs, err = criteria.ParseRuleSet(raw); err != nil {
			return err
		}
	}
	input, _ := cmd.Flags().GetString("input")

	store := flowstore.NewMemoryStore()
	defer store.Close()
	flow, err := store.CreateFlow(ctx, &flowstore.CreateFlowRequest{Name: args[0], Graph: graph})
	if err != nil {
		return err
	}
	tc, err := store.PutCase(ctx, &flowstore.TestCase{FlowID: flow.ID, Input: input, Criteria: rs})
	if err != nil {
		return err
	}

	log := eventlog.NewMemoryLog(nil)
	defer log.Close()
	eng := engine.New(a.nodes, log, &engine.Config{
		MaxParallelism: a.cfg.MaxParallelism,
		NodeTimeout:    a.cfg.NodeTimeout,
	}, engine.WithLogger(a.logger))

	out := runner.New(store, a.compiler, eng, a.evaluator, a.logger).
		Run(ctx, runner.Request{CaseID: tc.ID, Attempt: 1})

	if printEvents, _ := cmd.Flags().GetBool("events"); printEvents {
		events, err := log.Read(ctx, out.TaskID, 0)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
	}

	task, err := store.GetTask(ctx, out.TaskID)
	if err != nil {
		return err
	}
	if err := writeJSON(cmd, task); err != nil {
		return err
	}
	if out.Status != types.TaskStatusPassed {
		return fmt.Errorf("task %s", out.Status)
	}
	return nil
}
