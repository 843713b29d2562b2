package main

import (
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-risk/internal/models"
)

func newSimulateCmd(global *globalOptions) *cobra.Command {
	var (
		req        models.SimulationRequest
		objectives []string
		variations []string
		at         string
		strategy   string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a what-if scenario without touching live state",
		Example: `  riskctl simulate --fail L3 --replan
  riskctl simulate --vary N2.cpu=1.3 --vary L4=1.2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if req.Variations, err = parseAssignments(variations); err != nil {
				return err
			}
			if len(objectives) > 0 {
				if req.Objectives, err = models.ParseObjectives(objectives); err != nil {
					return err
				}
			}
			if strategy != "" {
				if req.Strategy, err = models.ParseStrategy(strategy); err != nil {
					return err
				}
			}
			rt, err := global.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			if req.At, err = resolveAt(at, rt.Fixture); err != nil {
				return err
			}
			req.CriticalFlows = rt.CriticalFlows()
			out, err := rt.Engine.Simulate(cmdContext(cmd), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.Scenario, "name", "what-if", "scenario label")
	flags.StringSliceVar(&req.Failures, "fail", nil, "entities to remove")
	flags.StringArrayVar(&variations, "vary", nil, "load multiplier as entity.metric=factor or entity=factor")
	flags.BoolVar(&req.Replan, "replan", false, "plan against the simulated state")
	flags.StringSliceVar(&objectives, "objectives", nil, "replan objectives")
	flags.StringVar(&at, "at", "", "reference time (defaults to the latest sample)")
	flags.DurationVar(&req.Horizon, "horizon", 0, "prediction horizon")
	flags.StringVar(&strategy, "strategy", "", "risk strategy")
	return cmd
}
