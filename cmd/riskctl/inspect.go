package main

import (
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-risk/internal/api"
)

func newTopologyCmd(global *globalOptions) *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the topology snapshot loaded from the fixture",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := global.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			snap, err := rt.Engine.Topology()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(),
				api.NewTopologyResponse(snap.Generation, snap.LoadedAt, snap.Graph.Topology(), !summary))
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "omit nodes and links")
	return cmd
}

func newImportanceCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "importance",
		Short: "Rank the learned model's features by coefficient magnitude",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := global.runtime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			version, ranked, err := rt.Engine.FeatureImportance()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), api.FeatureImportanceResponse{ModelVersion: version, Features: ranked})
		},
	}
}
