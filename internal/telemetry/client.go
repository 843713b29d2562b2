package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/miradorstack/mirador-risk/internal/cache"
	"github.com/miradorstack/mirador-risk/internal/models"
)

// Client reads telemetry, incidents and topology from a mirador-core compatible collector.
type Client struct {
	baseURL       string
	samplesPath   string
	lastPath      string
	incidentsPath string
	topologyPath  string
	httpClient    *http.Client
	cache         cache.Provider
	topologyTTL   time.Duration
	logger        *slog.Logger
}

// NewClient constructs a client targeting the configured collector. Topology
// responses are cached through cacheProvider for topologyTTL.
func NewClient(baseURL, samplesPath, lastPath, incidentsPath, topologyPath string, timeout time.Duration, cacheProvider cache.Provider, topologyTTL time.Duration) *Client {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		samplesPath:   samplesPath,
		lastPath:      lastPath,
		incidentsPath: incidentsPath,
		topologyPath:  topologyPath,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cache:       cacheProvider,
		topologyTTL: topologyTTL,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger used for cache diagnostics.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

type wireSample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Samples fetches samples with from <= timestamp <= to, ordered by time.
func (c *Client) Samples(ctx context.Context, entityID, metric string, from, to time.Time) ([]models.MetricSample, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"entity_id": entityID,
		"metric":    metric,
		"start":     from.UTC().Format(time.RFC3339Nano),
		"end":       to.UTC().Format(time.RFC3339Nano),
	}
	var response struct {
		Samples []wireSample `json:"samples"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.samplesPath), payload, &response); err != nil {
		return nil, fmt.Errorf("telemetry samples request failed: %w", err)
	}

	out := make([]models.MetricSample, 0, len(response.Samples))
	for i, s := range response.Samples {
		if i > 0 && !s.Timestamp.After(response.Samples[i-1].Timestamp) {
			return nil, fmt.Errorf("telemetry samples for %s/%s are not strictly increasing", entityID, metric)
		}
		out = append(out, models.MetricSample{EntityID: entityID, Metric: metric, Timestamp: s.Timestamp, Value: s.Value})
	}
	return out, nil
}

// Last fetches the latest sample at or before at.
func (c *Client) Last(ctx context.Context, entityID, metric string, at time.Time) (models.MetricSample, bool, error) {
	if err := c.ready(); err != nil {
		return models.MetricSample{}, false, err
	}
	payload := map[string]any{
		"entity_id": entityID,
		"metric":    metric,
		"at":        at.UTC().Format(time.RFC3339Nano),
	}
	var response struct {
		Found  bool       `json:"found"`
		Sample wireSample `json:"sample"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.lastPath), payload, &response); err != nil {
		return models.MetricSample{}, false, fmt.Errorf("telemetry last request failed: %w", err)
	}
	if !response.Found {
		return models.MetricSample{}, false, nil
	}
	return models.MetricSample{EntityID: entityID, Metric: metric, Timestamp: response.Sample.Timestamp, Value: response.Sample.Value}, true, nil
}

// Incidents fetches incidents of an entity overlapping [from, to].
func (c *Client) Incidents(ctx context.Context, entityID string, from, to time.Time) ([]models.Incident, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"entity_id": entityID,
		"start":     from.UTC().Format(time.RFC3339Nano),
		"end":       to.UTC().Format(time.RFC3339Nano),
	}
	var response struct {
		Incidents []models.Incident `json:"incidents"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.incidentsPath), payload, &response); err != nil {
		return nil, fmt.Errorf("telemetry incidents request failed: %w", err)
	}
	return response.Incidents, nil
}

// FetchTopology retrieves the network graph, serving repeated calls from cache.
func (c *Client) FetchTopology(ctx context.Context) (models.Topology, error) {
	if err := c.ready(); err != nil {
		return models.Topology{}, err
	}
	key := c.topologyCacheKey()
	if cached, err := c.cache.Get(ctx, key); err == nil {
		var topo models.Topology
		if err := json.Unmarshal(cached, &topo); err == nil {
			return topo, nil
		}
		c.logger.Warn("discarding undecodable cached topology", slog.String("key", key))
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn("topology cache read failed", slog.Any("error", err))
	}

	var topo models.Topology
	if err := c.postJSON(ctx, c.resolvePath(c.topologyPath), map[string]any{}, &topo); err != nil {
		return models.Topology{}, fmt.Errorf("telemetry topology request failed: %w", err)
	}
	if len(topo.Nodes) == 0 {
		return models.Topology{}, fmt.Errorf("telemetry topology returned no nodes")
	}

	if c.topologyTTL > 0 {
		if data, err := json.Marshal(topo); err == nil {
			if err := c.cache.Set(ctx, key, data, c.topologyTTL); err != nil {
				c.logger.Warn("topology cache write failed", slog.Any("error", err))
			}
		}
	}
	return topo, nil
}

func (c *Client) topologyCacheKey() string {
	return "mirador-risk:topology:" + c.baseURL
}

func (c *Client) ready() error {
	if c == nil {
		return fmt.Errorf("telemetry client not initialised")
	}
	if c.baseURL == "" {
		return fmt.Errorf("telemetry base URL not configured")
	}
	return nil
}

func (c *Client) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("collector returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
