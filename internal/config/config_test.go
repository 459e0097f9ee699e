package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "loom", cfg.Name)
	assert.Equal(t, 12, cfg.Scheduler.FanOutEvery)
	assert.Equal(t, 3, cfg.Scheduler.MediumEvery)
	assert.Equal(t, "perplexity", cfg.Reasoning.Research.Provider)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
scheduler:
  fan_out_every: 6
  medium_every: 2
reasoning:
  default:
    provider: openai
    model: gpt-4o-mini
collector:
  url: https://collector.example/batch
`)
	require.NoError(t, os.WriteFile(path, body, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Scheduler.FanOutEvery)
	assert.Equal(t, 2, cfg.Scheduler.MediumEvery)
	assert.Equal(t, "openai", cfg.Reasoning.Default.Provider)
	assert.Equal(t, "https://collector.example/batch", cfg.Collector.URL)
	// Untouched sections keep their defaults.
	assert.Equal(t, ":8787", cfg.Server.Addr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PERPLEXITY_API_KEY", "pplx-test")
	t.Setenv("LOOM_COUNTER_URL", "https://counter.example")
	t.Setenv("LOOM_DB", "/tmp/other.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "pplx-test", cfg.Reasoning.Research.APIKey)
	assert.Equal(t, "rest", cfg.Counter.Backend)
	assert.Equal(t, "https://counter.example", cfg.Counter.URL)
	assert.Equal(t, "/tmp/other.db", cfg.Store.Path)
}

func TestValidateRequiresSecrets(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")

	cfg.Reasoning.Default.APIKey = "k"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collector.url")

	cfg.Collector.URL = "https://collector.example"
	cfg.Embedding.APIKey = "k"
	assert.NoError(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Scheduler.FanOutEvery = 7
	cfg.applyEnvOverrides()
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("config round-trip mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration("5s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("garbage", time.Minute))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: loom\n"), 0644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	body := []byte(`
name: loom
reasoning:
  default:
    api_key: k
collector:
  url: https://collector.example
embedding:
  provider: hash
scheduler:
  fan_out_every: 4
  medium_every: 2
`)
	require.NoError(t, os.WriteFile(path, body, 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 4, cfg.Scheduler.FanOutEvery)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
}

func TestWatcherStopAfterFailedStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "config.yaml")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.Error(t, w.Start(), "watching a nonexistent directory should fail")

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked after a failed Start")
	}
}
