package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sandboxws/isotope/pipeline/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan>",
		Short: "Check a plan and build its graph without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(viper.GetString(logLevelFlag), viper.GetString(logFormatFlag), cmd.ErrOrStderr())
			plan, err := engine.LoadPlan(args[0])
			if err != nil {
				return err
			}
			g, err := engine.Build(plan, pipelineRegistry(memory.DefaultAllocator, logger).Create)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s is valid: %d processors, %d edges\n",
				plan.Name, g.Len(), len(plan.Edges))
			return nil
		},
	}
}
