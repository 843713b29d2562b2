package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-risk/internal/bootstrap"
	"github.com/miradorstack/mirador-risk/internal/config"
	"github.com/miradorstack/mirador-risk/internal/ingest"
	"github.com/miradorstack/mirador-risk/internal/utils"
)

type globalOptions struct {
	configPath string
	dataDir    string
	modelDir   string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "riskctl",
		Short: "Offline risk prediction and mitigation planning",
		Long: `riskctl runs the risk engine against a local fixture directory.

It generates synthetic fixtures, trains the learned strategy from incident
history, scores and explains entities, builds mitigation plans and runs
what-if simulations.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&opts.dataDir, "data", "", "fixture directory (overrides data.fixtureDir)")
	root.PersistentFlags().StringVar(&opts.modelDir, "models", "", "model directory (overrides data.modelDir)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level written to stderr")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newGenerateCmd(opts),
		newTrainCmd(opts),
		newPredictCmd(opts),
		newExplainCmd(opts),
		newPlanCmd(opts),
		newSimulateCmd(opts),
		newTopologyCmd(opts),
		newImportanceCmd(opts),
	)
	return root
}

func (o *globalOptions) logger(cmd *cobra.Command) *slog.Logger {
	return utils.NewLoggerTo(cmd.ErrOrStderr(), o.logLevel, false)
}

func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	// The CLI always works from local fixtures.
	cfg.Clients.Core.BaseURL = ""
	if o.dataDir != "" {
		cfg.Data.FixtureDir = o.dataDir
	}
	if o.modelDir != "" {
		cfg.Data.ModelDir = o.modelDir
	}
	return cfg, nil
}

func (o *globalOptions) runtime(cmd *cobra.Command) (*bootstrap.Runtime, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return bootstrap.New(cmdContext(cmd), cfg, o.logger(cmd))
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resolveAt parses --at, defaulting to the latest sample of the fixture.
func resolveAt(value string, fx *ingest.Fixture) (time.Time, error) {
	if value != "" {
		return utils.ParseTimestamp(value)
	}
	var latest time.Time
	if fx != nil {
		for _, s := range fx.Metrics {
			if s.Timestamp.After(latest) {
				latest = s.Timestamp
			}
		}
	}
	if latest.IsZero() {
		return time.Time{}, fmt.Errorf("--at is required when the fixture has no metrics")
	}
	return latest, nil
}

// parseAssignments reads key=value pairs with numeric values.
func parseAssignments(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("value of %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}
