package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// Options configure the registry.
type Options struct {
	RulePack        RulePack
	DefaultStrategy models.Strategy
	Blend           float64
	TopN            int
	HybridMode      string
	HybridWeight    float64
}

// Registry builds every strategy once and dispatches by name.
type Registry struct {
	strategies map[models.Strategy]Strategy
	rule       *RuleStrategy
	learned    *LearnedStrategy
	loader     ParamsLoader
	def        models.Strategy
	logger     *slog.Logger
}

// NewRegistry constructs the strategies. The learned and hybrid strategies start
// unloaded; call Reload to fetch parameters.
func NewRegistry(opts Options, loader ParamsLoader, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.RulePack.Thresholds) == 0 {
		opts.RulePack = DefaultRulePack()
	}
	rule, err := NewRuleStrategy(opts.RulePack)
	if err != nil {
		return nil, fmt.Errorf("rule strategy: %w", err)
	}
	learned, err := NewLearnedStrategy(opts.Blend, opts.TopN)
	if err != nil {
		return nil, fmt.Errorf("learned strategy: %w", err)
	}
	hybrid, err := NewHybridStrategy(rule, learned, opts.HybridMode, opts.HybridWeight)
	if err != nil {
		return nil, fmt.Errorf("hybrid strategy: %w", err)
	}
	def := opts.DefaultStrategy
	if def == "" {
		def = models.StrategyRule
	}
	if _, err := models.ParseStrategy(string(def)); err != nil {
		return nil, err
	}
	return &Registry{
		strategies: map[models.Strategy]Strategy{
			models.StrategyRule:    rule,
			models.StrategyLearned: learned,
			models.StrategyHybrid:  hybrid,
		},
		rule:    rule,
		learned: learned,
		loader:  loader,
		def:     def,
		logger:  logger,
	}, nil
}

// Get returns the strategy by name; "" selects the default.
func (r *Registry) Get(kind models.Strategy) (Strategy, error) {
	if kind == "" {
		kind = r.def
	}
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", models.ErrInvalidRequest, kind)
	}
	return s, nil
}

// Default names the strategy used when a request does not choose one.
func (r *Registry) Default() models.Strategy { return r.def }

// Learned exposes the learned strategy for training workflows.
func (r *Registry) Learned() *LearnedStrategy { return r.learned }

// Rule exposes the rule strategy.
func (r *Registry) Rule() *RuleStrategy { return r.rule }

// Version identifies the active learned parameters, or "untrained".
func (r *Registry) Version() string {
	if p, ok := r.learned.Params(); ok {
		if p.Version != "" {
			return p.Version
		}
		return p.TrainedAt.UTC().Format("20060102T150405Z")
	}
	return "untrained"
}

// Reload fetches learned parameters through the loader. A missing blob leaves the
// strategy unloaded and is reported as ModelNotReadyError.
func (r *Registry) Reload(ctx context.Context) error {
	if r.loader == nil {
		return &models.ModelNotReadyError{Strategy: models.StrategyLearned, Reason: "no parameter loader configured"}
	}
	blob, err := r.loader.LoadParams(ctx, models.StrategyLearned)
	if err != nil {
		return err
	}
	params, err := DecodeLearnedParams(blob)
	if err != nil {
		return err
	}
	if err := r.learned.Load(params); err != nil {
		return err
	}
	r.logger.Info("learned parameters loaded",
		slog.String("version", r.Version()),
		slog.Int("features", len(params.Features)),
		slog.Int("samples", params.Samples))
	return nil
}

// IsNotReady reports whether err is a ModelNotReadyError.
func IsNotReady(err error) bool {
	var nr *models.ModelNotReadyError
	return errors.As(err, &nr)
}
