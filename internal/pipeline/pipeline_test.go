package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lenet-forge/internal/checkpoint"
	"lenet-forge/internal/config"
	"lenet-forge/internal/dataset"
	"lenet-forge/internal/dataset/datasettest"
	"lenet-forge/internal/device"
	"lenet-forge/internal/tracker"
)

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Device = "cpu"
	cfg.Data.Dir = filepath.Join(root, "data")
	cfg.Data.Download = false
	cfg.Train.Progress = false
	cfg.Tracker.Dir = filepath.Join(root, "runs")
	cfg.Checkpoint.Path = filepath.Join(root, "out", "model.ckpt")
	cfg.Report.Dir = filepath.Join(root, "reports")
	return cfg, root
}

func summaryOf(t *testing.T, dir string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestRunEndToEnd(t *testing.T) {
	cfg, root := testConfig(t)
	pixels, labels := datasettest.Synthetic(32, 1)
	datasettest.WriteMNIST(t, cfg.Data.Dir, "train", pixels, labels)
	pixels, labels = datasettest.Synthetic(8, 2)
	datasettest.WriteMNIST(t, cfg.Data.Dir, "test", pixels, labels)
	source := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(source, []byte("package main\n"), 0o644))

	sum, err := Run(context.Background(), cfg, Deps{SourcePath: source, Probe: device.Probe{LogicalCores: 1}})
	require.NoError(t, err)

	assert.Equal(t, device.CPU, sum.Device.Kind)
	assert.Equal(t, 4, sum.Result.Steps)
	require.Len(t, sum.Result.Emitted, 2)
	assert.InDelta(t, 0.001, sum.Result.FinalLR, 1e-15)

	state, err := checkpoint.Load(sum.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, 61706, state.NumValues())
	assert.Equal(t, sum.RunID, state.Metadata["run_id"])

	assert.Equal(t, "lenet5-mnist:v0", sum.Artifact.QualifiedName())
	b := tracker.NewLocalBackend(cfg.Tracker.Dir)
	m, err := b.ReadManifest("LeNet5", "lenet5-mnist", "v0")
	require.NoError(t, err)
	var paths []string
	for _, e := range m.Entries {
		paths = append(paths, e.Path)
	}
	want := []string{"main.go", "model.ckpt"}
	for _, split := range dataset.Splits() {
		names := datasettest.FileNames(split)
		want = append(want, names[0], names[1])
	}
	sort.Strings(want)
	assert.Equal(t, want, paths)

	rows, err := b.ReadHistory("LeNet5", sum.RunID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Contains(t, rows[0].Values, "loss")
	assert.Contains(t, rows[0].Values, "acc_rate")

	assert.Equal(t, 0.0, summaryOf(t, b.RunDir("LeNet5", sum.RunID))["exit_code"])
	require.Len(t, sum.Reports, 2)
	for _, p := range sum.Reports {
		assert.FileExists(t, p)
	}
}

func TestRunFinishesWithFailureCode(t *testing.T) {
	cfg, _ := testConfig(t)
	_, err := Run(context.Background(), cfg, Deps{Probe: device.Probe{LogicalCores: 1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dataset.ErrDataUnavailable))

	runs, err := os.ReadDir(filepath.Join(cfg.Tracker.Dir, "LeNet5", "runs"))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	doc := summaryOf(t, filepath.Join(cfg.Tracker.Dir, "LeNet5", "runs", runs[0].Name()))
	assert.Equal(t, 1.0, doc["exit_code"])
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Train.Epochs = 0
	_, err := Run(context.Background(), cfg, Deps{})
	assert.Error(t, err)
	_, statErr := os.Stat(cfg.Tracker.Dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunRequiresTestSplit(t *testing.T) {
	cfg, _ := testConfig(t)
	pixels, labels := datasettest.Synthetic(32, 1)
	datasettest.WriteMNIST(t, cfg.Data.Dir, "train", pixels, labels)

	_, err := Run(context.Background(), cfg, Deps{Probe: device.Probe{LogicalCores: 1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dataset.ErrDataUnavailable))
	_, statErr := os.Stat(cfg.Checkpoint.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunRejectsCollidingShardRoots(t *testing.T) {
	cfg, root := testConfig(t)
	cfg.Data.ShardRoots = []string{filepath.Join(root, "a", "mnist"), filepath.Join(root, "b", "mnist")}
	_, err := Run(context.Background(), cfg, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mnist")
	_, statErr := os.Stat(cfg.Tracker.Dir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunFromShardRoots(t *testing.T) {
	cfg, root := testConfig(t)
	cfg.Device = "auto"
	cfg.Report.Dir = ""
	pixels, labels := datasettest.Synthetic(20, 4)
	for i, name := range []string{"east", "west"} {
		var recs []dataset.ShardRecord
		for j := i * 10; j < (i+1)*10; j++ {
			recs = append(recs, dataset.ShardRecord{
				Key:   name + strconv.Itoa(j),
				Image: datasettest.PNG(t, pixels[j], datasettest.Side, datasettest.Side),
				Label: labels[j],
			})
		}
		dir := filepath.Join(root, name)
		datasettest.WriteShard(t, filepath.Join(dir, "shard-000000.tar"), recs)
		cfg.Data.ShardRoots = append(cfg.Data.ShardRoots, dir)
	}

	sum, err := Run(context.Background(), cfg, Deps{Probe: device.Probe{LogicalCores: 2, SIMD: []string{"asimd"}}})
	require.NoError(t, err)
	assert.Equal(t, device.Parallel, sum.Device.Kind)
	assert.Equal(t, 4, sum.Result.Steps)

	m, err := tracker.NewLocalBackend(cfg.Tracker.Dir).ReadManifest("LeNet5", "lenet5-mnist", "v0")
	require.NoError(t, err)
	var paths []string
	for _, e := range m.Entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"east/shard-000000.tar", "model.ckpt", "west/shard-000000.tar"}, paths)
}
