package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flexinfer/flowtest/internal/compiler"
)

func newCompileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compile <graph.json|->",
		Short: "Validate a graph and print its execution plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}

			plan, err := a.compiler.CompileJSON(data)
			var defects compiler.DefectList
			if errors.As(err, &defects) {
				for _, d := range defects {
					fmt.Fprintln(cmd.OutOrStdout(), d.String())
				}
				return fmt.Errorf("graph has %d defect(s)", len(defects))
			}
			if err != nil {
				return err
			}

			return writeJSON(cmd, map[string]any{
				"order":  plan.Order,
				"stages": plan.Stages,
				"sinks":  plan.Sinks,
				"edges":  plan.Edges(),
			})
		},
	}
}

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Print the node catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			data, _, err := a.nodes.Catalog()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		},
	}
}
