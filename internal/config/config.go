package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the risk engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Clients  ClientsConfig  `yaml:"clients"`
	Data     DataConfig     `yaml:"data"`
	Logging  LoggingConfig  `yaml:"logging"`
	Model    ModelConfig    `yaml:"model"`
	Features FeaturesConfig `yaml:"features"`
	Planner  PlannerConfig  `yaml:"planner"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	Reflection      bool          `yaml:"reflection"`
}

// ClientsConfig groups remote collaborators.
type ClientsConfig struct {
	Core CoreClientConfig `yaml:"core"`
}

// CoreClientConfig configures the telemetry and topology HTTP API. An empty BaseURL
// serves telemetry from the local fixture directory instead.
type CoreClientConfig struct {
	BaseURL         string        `yaml:"baseURL"`
	SamplesPath     string        `yaml:"samplesPath"`
	LastPath        string        `yaml:"lastPath"`
	IncidentsPath   string        `yaml:"incidentsPath"`
	TopologyPath    string        `yaml:"topologyPath"`
	Timeout         time.Duration `yaml:"timeout"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

// DataConfig points at fixture and model artefact directories.
type DataConfig struct {
	FixtureDir string `yaml:"fixtureDir"`
	ModelDir   string `yaml:"modelDir"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ModelConfig selects and tunes the risk strategies.
type ModelConfig struct {
	DefaultStrategy string  `yaml:"defaultStrategy"`
	RulesPath       string  `yaml:"rulesPath"`
	Blend           float64 `yaml:"blend"`
	TopFactors      int     `yaml:"topFactors"`
	HybridMode      string  `yaml:"hybridMode"`
	HybridWeight    float64 `yaml:"hybridWeight"`
}

// FeaturesConfig controls windowed aggregation.
type FeaturesConfig struct {
	Windows     []time.Duration `yaml:"windows"`
	Metrics     []string        `yaml:"metrics"`
	Horizon     time.Duration   `yaml:"horizon"`
	Parallelism int             `yaml:"parallelism"`
}

// PlannerConfig bounds the candidate search.
type PlannerConfig struct {
	MaxCandidates   int     `yaml:"maxCandidates"`
	MaxPathHops     int     `yaml:"maxPathHops"`
	MaxExpansions   int     `yaml:"maxExpansions"`
	Parallelism     int     `yaml:"parallelism"`
	ImpactThreshold float64 `yaml:"impactThreshold"`
	MaxExplain      int     `yaml:"maxExplainFactors"`
}

// CacheConfig controls Valkey-backed caching of scores and topology fetches.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	ScoreTTL     time.Duration `yaml:"scoreTTL"`
	TopologyTTL  time.Duration `yaml:"topologyTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_RISK_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Model.DefaultStrategy {
	case "rule", "learned", "hybrid":
	default:
		return fmt.Errorf("model.defaultStrategy %q must be rule, learned or hybrid", c.Model.DefaultStrategy)
	}
	if c.Model.Blend < 0 || c.Model.Blend > 1 {
		return fmt.Errorf("model.blend %v must be within [0,1]", c.Model.Blend)
	}
	for _, w := range c.Features.Windows {
		if w <= 0 {
			return fmt.Errorf("features.windows: %s must be positive", w)
		}
	}
	if !(c.Planner.ImpactThreshold > 0 && c.Planner.ImpactThreshold <= 1) {
		return fmt.Errorf("planner.impactThreshold %v must be within (0,1]", c.Planner.ImpactThreshold)
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50052",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
			Reflection:      true,
		},
		Clients: ClientsConfig{
			Core: CoreClientConfig{
				SamplesPath:     "/api/v1/telemetry/samples",
				LastPath:        "/api/v1/telemetry/last",
				IncidentsPath:   "/api/v1/telemetry/incidents",
				TopologyPath:    "/api/v1/telemetry/topology",
				Timeout:         5 * time.Second,
				RefreshInterval: 5 * time.Minute,
			},
		},
		Data:    DataConfig{FixtureDir: "data/fixtures", ModelDir: "data/models"},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Model: ModelConfig{
			DefaultStrategy: "rule",
			RulesPath:       "configs/rules/thresholds.yaml",
			Blend:           0.6,
			TopFactors:      5,
			HybridMode:      "max",
			HybridWeight:    0.5,
		},
		Features: FeaturesConfig{
			Windows:     []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute},
			Horizon:     time.Hour,
			Parallelism: 8,
		},
		Planner: PlannerConfig{
			MaxCandidates:   16,
			MaxPathHops:     8,
			MaxExpansions:   4096,
			Parallelism:     4,
			ImpactThreshold: 0.6,
			MaxExplain:      10,
		},
		Cache: CacheConfig{
			Enabled:      false,
			KeyPrefix:    "mirador-risk",
			ScoreTTL:     time.Minute,
			TopologyTTL:  5 * time.Minute,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

func envBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_RISK_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_RISK_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_RISK_REFLECTION"); v != "" {
		cfg.Server.Reflection = envBool(v)
	}
	if v := os.Getenv("MIRADOR_CORE_BASE_URL"); v != "" {
		cfg.Clients.Core.BaseURL = v
	}
	envDuration("MIRADOR_CORE_TIMEOUT", &cfg.Clients.Core.Timeout)
	envDuration("MIRADOR_CORE_REFRESH_INTERVAL", &cfg.Clients.Core.RefreshInterval)
	if v := os.Getenv("MIRADOR_RISK_FIXTURE_DIR"); v != "" {
		cfg.Data.FixtureDir = v
	}
	if v := os.Getenv("MIRADOR_RISK_MODEL_DIR"); v != "" {
		cfg.Data.ModelDir = v
	}
	if v := os.Getenv("MIRADOR_RISK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_RISK_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_RISK_STRATEGY"); v != "" {
		cfg.Model.DefaultStrategy = strings.ToLower(v)
	}
	if v := os.Getenv("MIRADOR_RISK_RULES_PATH"); v != "" {
		cfg.Model.RulesPath = v
	}
	envFloat("MIRADOR_RISK_BLEND", &cfg.Model.Blend)
	if v := os.Getenv("MIRADOR_RISK_HYBRID_MODE"); v != "" {
		cfg.Model.HybridMode = v
	}
	envDuration("MIRADOR_RISK_HORIZON", &cfg.Features.Horizon)
	envInt("MIRADOR_RISK_FEATURE_PARALLELISM", &cfg.Features.Parallelism)
	envInt("MIRADOR_RISK_PLANNER_PARALLELISM", &cfg.Planner.Parallelism)
	envInt("MIRADOR_RISK_MAX_CANDIDATES", &cfg.Planner.MaxCandidates)
	envFloat("MIRADOR_RISK_IMPACT_THRESHOLD", &cfg.Planner.ImpactThreshold)
	if v := os.Getenv("MIRADOR_RISK_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_RISK_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = envBool(v)
	}
	if v := os.Getenv("MIRADOR_RISK_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_RISK_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	envInt("MIRADOR_RISK_CACHE_DB", &cfg.Cache.DB)
	if envBool(os.Getenv("MIRADOR_RISK_CACHE_TLS")) {
		cfg.Cache.TLS = true
	}
	envDuration("MIRADOR_RISK_CACHE_DIAL_TIMEOUT", &cfg.Cache.DialTimeout)
	envDuration("MIRADOR_RISK_CACHE_READ_TIMEOUT", &cfg.Cache.ReadTimeout)
	envDuration("MIRADOR_RISK_CACHE_WRITE_TIMEOUT", &cfg.Cache.WriteTimeout)
	envInt("MIRADOR_RISK_CACHE_MAX_RETRIES", &cfg.Cache.MaxRetries)
	envDuration("MIRADOR_RISK_CACHE_SCORE_TTL", &cfg.Cache.ScoreTTL)
	envDuration("MIRADOR_RISK_CACHE_TOPOLOGY_TTL", &cfg.Cache.TopologyTTL)
}
