package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-risk/internal/bootstrap"
	"github.com/miradorstack/mirador-risk/internal/features"
	"github.com/miradorstack/mirador-risk/internal/ingest"
	"github.com/miradorstack/mirador-risk/internal/model"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/topology"
	"github.com/miradorstack/mirador-risk/internal/training"
)

func newTrainCmd(global *globalOptions) *cobra.Command {
	var (
		dsOpts   training.DatasetOptions
		trainCfg training.Config
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the learned strategy from the fixture's incident history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			logger := global.logger(cmd)
			fx, store, err := ingest.LoadStore(cfg.Data.FixtureDir)
			if err != nil {
				return err
			}
			g, err := topology.New(fx.Topology)
			if err != nil {
				return err
			}
			from, to, ok := store.Span()
			if !ok {
				return fmt.Errorf("fixture %s has no metrics", cfg.Data.FixtureDir)
			}
			if dsOpts.From.IsZero() {
				dsOpts.From = from
			}
			if dsOpts.To.IsZero() {
				dsOpts.To = to
			}
			if dsOpts.Horizon == 0 {
				dsOpts.Horizon = cfg.Features.Horizon
			}
			dsOpts.Entities = g.EntityIDs()
			dsOpts.Windows = bootstrap.WindowConfig(cfg.Features)

			fs := features.NewStore(store,
				features.WithIncidents(store),
				features.WithLogger(logger),
				features.WithParallelism(cfg.Features.Parallelism))
			ds, err := training.BuildDataset(cmdContext(cmd), fs, store, dsOpts, logger)
			if err != nil {
				return err
			}
			params, report, err := training.Train(ds, trainCfg)
			if err != nil {
				return err
			}
			blob, err := model.EncodeLearnedParams(params)
			if err != nil {
				return err
			}
			loader := model.NewFileParamsLoader(cfg.Data.ModelDir)
			if err := loader.SaveParams(models.StrategyLearned, blob); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"version": params.Version,
				"path":    loader.Path(models.StrategyLearned),
				"report":  report,
			})
		},
	}
	flags := cmd.Flags()
	flags.DurationVar(&dsOpts.Step, "step", 5*time.Minute, "spacing of training examples")
	flags.DurationVar(&dsOpts.Horizon, "horizon", 0, "label horizon (defaults to features.horizon)")
	flags.StringVar(&dsOpts.PseudoLabelFeature, "pseudo-feature", training.DefaultPseudoLabelFeature, "feature used for pseudo-labels when history has one class")
	flags.Float64Var(&dsOpts.PseudoLabelThreshold, "pseudo-threshold", training.DefaultPseudoLabelThreshold, "pseudo-label threshold")
	flags.IntVar(&trainCfg.Iterations, "iterations", 500, "gradient descent iterations")
	flags.Float64Var(&trainCfg.LearningRate, "learning-rate", 0.1, "gradient descent step size")
	flags.Float64Var(&trainCfg.L2, "l2", 0, "L2 penalty")
	flags.StringVar(&trainCfg.Version, "version", "", "parameter version label")
	return cmd
}
