package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-risk/internal/ingest"
	"github.com/miradorstack/mirador-risk/internal/synth"
)

func newGenerateCmd(global *globalOptions) *cobra.Command {
	opts := synth.DefaultOptions()
	var out string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a deterministic synthetic fixture",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				cfg, err := global.load()
				if err != nil {
					return err
				}
				out = cfg.Data.FixtureDir
			}
			gen, err := synth.New(opts)
			if err != nil {
				return err
			}
			fx, err := gen.Generate()
			if err != nil {
				return err
			}
			if err := ingest.WriteDir(out, fx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d nodes, %d links, %d flows, %d samples, %d incidents to %s\n",
				len(fx.Topology.Nodes), len(fx.Topology.Links), len(fx.CriticalFlows), len(fx.Metrics), len(fx.Incidents), out)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&out, "out", "", "output directory (defaults to the fixture directory)")
	flags.Uint64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	flags.IntVar(&opts.Sites, "sites", opts.Sites, "number of sites")
	flags.IntVar(&opts.NodesPerSite, "nodes-per-site", opts.NodesPerSite, "nodes per site")
	flags.DurationVar(&opts.Duration, "duration", opts.Duration, "history length")
	flags.DurationVar(&opts.Step, "step", opts.Step, "sampling interval")
	flags.Float64Var(&opts.IncidentRate, "incident-rate", opts.IncidentRate, "incident probability per entity and step")
	flags.DurationVar(&opts.Precursor, "precursor", opts.Precursor, "load ramp before each incident")
	startFlag := flags.String("start", opts.Start.Format(time.RFC3339), "first sample timestamp")
	cmd.PreRunE = func(*cobra.Command, []string) error {
		start, err := time.Parse(time.RFC3339, *startFlag)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		opts.Start = start
		return nil
	}
	return cmd
}
