package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-risk/internal/engine"
	"github.com/miradorstack/mirador-risk/internal/models"
)

func newPlanCmd(global *globalOptions) *cobra.Command {
	var (
		impacted    []string
		unavailable []string
		objectives  []string
		constraints []string
		at          string
		horizon     time.Duration
		strategy    string
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build a mitigation plan for high-risk entities",
		Long: `Build a mitigation plan. Without --impacted every entity scoring at or
above planner.impactThreshold is addressed. The fixture's critical flows are
always protected.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			objs, err := models.ParseObjectives(objectives)
			if err != nil {
				return err
			}
			cons, err := parseAssignments(constraints)
			if err != nil {
				return err
			}
			var strat models.Strategy
			if strategy != "" {
				if strat, err = models.ParseStrategy(strategy); err != nil {
					return err
				}
			}
			rt, err := global.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			ref, err := resolveAt(at, rt.Fixture)
			if err != nil {
				return err
			}
			plan, err := rt.Engine.Plan(cmdContext(cmd), engine.PlanRequest{
				Objectives:  objs,
				Constraints: models.Constraints(cons),
				Context: models.PlanContext{
					Impacted:      impacted,
					Unavailable:   unavailable,
					CriticalFlows: rt.CriticalFlows(),
				},
				At:       ref,
				Horizon:  horizon,
				Strategy: strat,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), plan)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&impacted, "impacted", nil, "entities to address (defaults to every high-risk entity)")
	flags.StringSliceVar(&unavailable, "unavailable", nil, "entities that can no longer carry traffic")
	flags.StringSliceVar(&objectives, "objectives", nil, "ordered objectives: minimize_risk, preserve_critical_flows, balance_load, minimize_latency")
	flags.StringSliceVar(&constraints, "constraint", nil, "constraint as key=value, e.g. max_latency_ms=40")
	flags.StringVar(&at, "at", "", "reference time (defaults to the latest sample)")
	flags.DurationVar(&horizon, "horizon", 0, "prediction horizon")
	flags.StringVar(&strategy, "strategy", "", "risk strategy")
	return cmd
}
