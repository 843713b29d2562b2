package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/miradorstack/mirador-risk/internal/models"
)

// ScoreCache memoizes risk scores by entity, timestamp, horizon, strategy and feature content.
type ScoreCache struct {
	provider Provider
	ttl      time.Duration
}

// NewScoreCache wraps provider; a nil provider disables memoization.
func NewScoreCache(provider Provider, ttl time.Duration) *ScoreCache {
	if provider == nil {
		provider = NoopProvider{}
	}
	return &ScoreCache{provider: provider, ttl: ttl}
}

// ScoreKey derives the memo key. version distinguishes reloads of learned parameters.
func ScoreKey(fv models.FeatureVector, horizon time.Duration, strategy models.Strategy, version string) string {
	h := sha256.New()
	var buf [8]byte
	for _, name := range fv.Names() {
		h.Write([]byte(name))
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(fv.Values[name]))
		h.Write(buf[:])
		if fv.IsStale(name) {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	digest := hex.EncodeToString(h.Sum(nil))[:16]
	return fmt.Sprintf("mirador-risk:score:%s:%d:%d:%s:%s:%s",
		fv.EntityID, fv.Timestamp.UnixNano(), int64(horizon), strategy, version, digest)
}

// Get returns a memoized score; ok is false on a miss or an unreadable entry.
func (c *ScoreCache) Get(ctx context.Context, key string) (models.RiskScore, bool, error) {
	var rs models.RiskScore
	ok, err := GetJSON(ctx, c.provider, key, &rs)
	if err != nil || !ok {
		return models.RiskScore{}, false, err
	}
	return rs, true, nil
}

// Put stores a score under key.
func (c *ScoreCache) Put(ctx context.Context, key string, rs models.RiskScore) error {
	return SetJSON(ctx, c.provider, key, rs, c.ttl)
}
