package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flexinfer/flowtest/internal/criteria"
)

var errCriteriaFailed = errors.New("criteria not met")

func newCriteriaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "criteria <rules.yaml>",
		Short: "Score an output against a rule set",
		Long: `Evaluates the rule set against the text given by --output, or the
contents of --output-file ("-" reads stdin). Exits non-zero when the
criteria are not met.`,
		Args: cobra.ExactArgs(1),
		RunE: runCriteria,
	}
	cmd.Flags().String("output", "", "Output text to score")
	cmd.Flags().String("output-file", "", "File holding the output to score")
	return cmd
}

func runCriteria(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	rs, err := criteria.ParseRuleSet(data)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if path, _ := cmd.Flags().GetString("output-file"); path != "" {
		raw, err := readInput(cmd, path)
		if err != nil {
			return err
		}
		output = string(raw)
	}

	res := a.evaluator.Evaluate(cmd.Context(), rs, output)
	if err := writeJSON(cmd, res); err != nil {
		return err
	}
	if !res.Passed {
		return fmt.Errorf("%w: %s", errCriteriaFailed, res.StopReason)
	}
	return nil
}
