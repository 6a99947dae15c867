package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.01, cfg.Train.LearningRate)
	assert.Equal(t, 0.8, cfg.Train.Momentum)
	assert.Equal(t, 2, cfg.Train.Epochs)
	assert.Equal(t, 16, cfg.Train.BatchSize)
	assert.Equal(t, 32, cfg.Train.TestBatchSize)
	assert.Equal(t, 200, cfg.Train.LogEvery)
	assert.Equal(t, "LeNet5", cfg.Tracker.Project)
	assert.Equal(t, "004", cfg.Tracker.RunName)
	assert.Equal(t, "lenet5-mnist", cfg.Tracker.Artifact)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
device: cpu
train:
  epochs: 3
  learning_rate: 0.05
tracker:
  mode: disabled
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cpu", cfg.Device)
	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.Equal(t, 0.05, cfg.Train.LearningRate)
	assert.Equal(t, 16, cfg.Train.BatchSize)
	assert.Equal(t, "disabled", cfg.Tracker.Mode)
	assert.Equal(t, "LeNet5", cfg.Tracker.Project)
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "lenet5.yaml"))
	require.NoError(t, err)
	want := Default()
	want.Report.Dir = "reports"
	assert.Equal(t, want, cfg)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "train:\n  epoch: 3\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"epochs":       func(c *Config) { c.Train.Epochs = 0 },
		"batch":        func(c *Config) { c.Train.BatchSize = -1 },
		"test batch":   func(c *Config) { c.Train.TestBatchSize = 0 },
		"lr":           func(c *Config) { c.Train.LearningRate = 0 },
		"momentum":     func(c *Config) { c.Train.Momentum = 1 },
		"log every":    func(c *Config) { c.Train.LogEvery = 0 },
		"device":       func(c *Config) { c.Device = "tpu" },
		"tracker mode": func(c *Config) { c.Tracker.Mode = "cloud" },
		"online url":   func(c *Config) { c.Tracker.Mode = "online" },
		"watch log":    func(c *Config) { c.Tracker.WatchLog = "weights" },
		"dtype":        func(c *Config) { c.Checkpoint.DType = "bfloat16" },
		"base url":     func(c *Config) { c.Data.BaseURL = "" },
		"shard names":  func(c *Config) { c.Data.ShardRoots = []string{"/x/a/mnist", "/x/b/mnist/"} },
		"shard root":   func(c *Config) { c.Data.ShardRoots = []string{"/"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestShardRootsNeedDistinctBaseNames(t *testing.T) {
	cfg := Default()
	cfg.Data.ShardRoots = []string{"/x/a/east", "/x/a/west"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "east", ShardPrefix("/x/a/east/"))

	cfg.Data.ShardRoots = append(cfg.Data.ShardRoots, "/y/east")
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `share the base name "east"`)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	on := true
	cfg.ApplyOverrides(Overrides{
		Epochs:   4,
		LR:       0.1,
		DataDir:  "/tmp/mnist",
		Device:   "cpu-parallel",
		Tracker:  "disabled",
		Seed:     42,
		LogEvery: 10,
		Evaluate: &on,
	})
	assert.Equal(t, 4, cfg.Train.Epochs)
	assert.Equal(t, 0.1, cfg.Train.LearningRate)
	assert.Equal(t, "/tmp/mnist", cfg.Data.Dir)
	assert.Equal(t, "cpu-parallel", cfg.Device)
	assert.Equal(t, "disabled", cfg.Tracker.Mode)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 10, cfg.Train.LogEvery)
	assert.True(t, cfg.Train.Evaluate)

	before := *cfg
	cfg.ApplyOverrides(Overrides{})
	assert.Equal(t, before, *cfg)
}

func TestRunRecordReportsActualEpochs(t *testing.T) {
	cfg := Default()
	rec := cfg.RunRecord()
	assert.Equal(t, 2, rec["epochs"])
	assert.Equal(t, 0.01, rec["learning_rate"])
	assert.Equal(t, "LeNet5", rec["net"])
	assert.Equal(t, "MNIST", rec["dataset"])
}

func TestAPIKeyFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv(cfg.Tracker.APIKeyEnv, "secret")
	assert.Equal(t, "secret", cfg.APIKey())
}
