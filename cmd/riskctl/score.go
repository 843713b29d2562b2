package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-risk/internal/bootstrap"
	"github.com/miradorstack/mirador-risk/internal/models"
)

type scoreOptions struct {
	entity   string
	at       string
	horizon  time.Duration
	strategy string
}

func (o *scoreOptions) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.entity, "entity", "", "node or link id")
	flags.StringVar(&o.at, "at", "", "reference time, RFC3339 or unix seconds (defaults to the latest sample)")
	flags.DurationVar(&o.horizon, "horizon", 0, "prediction horizon (defaults to features.horizon)")
	flags.StringVar(&o.strategy, "strategy", "", "rule, learned or hybrid (defaults to model.defaultStrategy)")
	_ = cmd.MarkFlagRequired("entity")
}

func (o *scoreOptions) score(cmd *cobra.Command, rt *bootstrap.Runtime) (models.RiskScore, error) {
	var strategy models.Strategy
	if o.strategy != "" {
		s, err := models.ParseStrategy(o.strategy)
		if err != nil {
			return models.RiskScore{}, err
		}
		strategy = s
	}
	at, err := resolveAt(o.at, rt.Fixture)
	if err != nil {
		return models.RiskScore{}, err
	}
	rs, _, err := rt.Engine.Score(cmdContext(cmd), o.entity, at, o.horizon, strategy)
	return rs, err
}

func newPredictCmd(global *globalOptions) *cobra.Command {
	opts := &scoreOptions{}
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Score the failure risk of an entity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := global.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			rs, err := opts.score(cmd, rt)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rs)
		},
	}
	opts.bind(cmd)
	return cmd
}

func newExplainCmd(global *globalOptions) *cobra.Command {
	opts := &scoreOptions{}
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Score an entity and explain the drivers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := global.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			rs, err := opts.score(cmd, rt)
			if err != nil {
				return err
			}
			ex := rt.Engine.Explain(rs)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), ex)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ex.Summary)
			for _, line := range ex.Factors {
				fmt.Fprintf(out, "  %d. %s\n", line.Rank, line.Text)
			}
			return nil
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the explanation as JSON")
	return cmd
}
