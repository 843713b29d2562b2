package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-risk/internal/cache"
	"github.com/miradorstack/mirador-risk/internal/config"
	"github.com/miradorstack/mirador-risk/internal/ingest"
	"github.com/miradorstack/mirador-risk/internal/models"
	"github.com/miradorstack/mirador-risk/internal/synth"
)

func fixtureConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("MIRADOR_RISK_CONFIG", "")
	cfg, err := config.Load("")
	require.NoError(t, err)

	dir := t.TempDir()
	gen, err := synth.New(synth.Options{Seed: 1, Sites: 2, NodesPerSite: 3, Duration: time.Hour})
	require.NoError(t, err)
	fx, err := gen.Generate()
	require.NoError(t, err)
	require.NoError(t, ingest.WriteDir(dir, fx))

	cfg.Data.FixtureDir = dir
	cfg.Data.ModelDir = filepath.Join(dir, "models")
	cfg.Model.RulesPath = ""
	return cfg
}

func TestNewFromFixtures(t *testing.T) {
	cfg := fixtureConfig(t)
	rt, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer rt.Close()

	status := rt.Engine.Status()
	assert.Equal(t, uint64(1), status.TopologyGeneration)
	assert.Equal(t, models.StrategyRule, status.DefaultStrategy)
	assert.False(t, status.LearnedReady)
	assert.NotEmpty(t, rt.CriticalFlows())
	assert.IsType(t, cache.NoopProvider{}, rt.Cache)

	require.NoError(t, rt.Refresh(context.Background()))
	assert.Equal(t, uint64(2), rt.Engine.Status().TopologyGeneration)
}

func TestNewMissingFixtures(t *testing.T) {
	cfg := fixtureConfig(t)
	cfg.Data.FixtureDir = filepath.Join(t.TempDir(), "absent")
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestRefreshLoopStopsWithContext(t *testing.T) {
	rt, err := New(context.Background(), fixtureConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.RefreshLoop(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return rt.Engine.Status().TopologyGeneration > 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh loop did not stop")
	}
}
