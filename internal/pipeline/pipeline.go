// Package pipeline runs the complete LeNet5 workflow: tracker session,
// datasets, model, training, checkpoint and artifact upload.
package pipeline

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"lenet-forge/internal/checkpoint"
	"lenet-forge/internal/config"
	"lenet-forge/internal/dataset"
	"lenet-forge/internal/device"
	"lenet-forge/internal/model"
	"lenet-forge/internal/report"
	"lenet-forge/internal/tracker"
	"lenet-forge/internal/trainer"
)

// Deps carries what Run needs from its environment.
type Deps struct {
	// SourcePath is the program source bundled with the artifact; skipped when empty.
	SourcePath string
	// Probe replaces the host probe when LogicalCores is non-zero.
	Probe device.Probe
	// Backend replaces the tracker backend selected by the config.
	Backend    tracker.Backend
	HTTPClient *http.Client
}

// Summary describes a completed run.
type Summary struct {
	RunID      string
	Device     device.Device
	Result     *trainer.Result
	Checkpoint string
	Artifact   tracker.ArtifactVersion
	Reports    []string
}

// Run performs the workflow. The tracker run is finished on every path, with
// exit code 1 when an error is returned.
func Run(ctx context.Context, cfg *config.Config, deps Deps) (sum *Summary, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	run, err := openRun(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	defer func() {
		code := 0
		if err != nil {
			code = 1
		}
		if ferr := run.Finish(context.WithoutCancel(ctx), code); ferr != nil {
			if err == nil {
				err = ferr
			} else {
				klog.Warningf("finish tracker run=%s: %v", run.ID(), ferr)
			}
		}
	}()
	return execute(ctx, cfg, deps, run)
}

func openRun(ctx context.Context, cfg *config.Config, deps Deps) (*tracker.Run, error) {
	opts := tracker.Options{
		Project:    cfg.Tracker.Project,
		Name:       cfg.Tracker.RunName,
		Config:     cfg.RunRecord(),
		Mode:       tracker.Mode(cfg.Tracker.Mode),
		Dir:        cfg.Tracker.Dir,
		BaseURL:    cfg.Tracker.BaseURL,
		APIKey:     cfg.APIKey(),
		HTTPClient: deps.HTTPClient,
		Program:    deps.SourcePath,
	}
	if deps.Backend != nil {
		return tracker.Start(ctx, deps.Backend, opts)
	}
	return tracker.Init(ctx, opts)
}

func execute(ctx context.Context, cfg *config.Config, deps Deps, run *tracker.Run) (*Summary, error) {
	probe := deps.Probe
	if probe.LogicalCores == 0 {
		probe = device.HostProbe()
	}
	dev, err := device.Select(cfg.Device, probe)
	if err != nil {
		return nil, err
	}
	klog.Infof("device=%s", dev)

	rng := rand.New(rand.NewSource(cfg.Seed))
	trainDS, err := openTrain(ctx, cfg, deps, dev, rng)
	if err != nil {
		return nil, err
	}
	testDS, err := openTest(cfg)
	if err != nil {
		return nil, err
	}

	trainLoader, err := dataset.NewLoader(trainDS, cfg.Train.BatchSize, true, rng)
	if err != nil {
		return nil, err
	}
	var testLoader *dataset.Loader
	if testDS != nil {
		if testLoader, err = dataset.NewLoader(testDS, cfg.Train.TestBatchSize, false, nil); err != nil {
			return nil, err
		}
		klog.Infof("dataset=%s samples=%s batches=%d", testDS.Name(), humanize.Comma(int64(testDS.Len())), testLoader.NumBatches())
	}
	klog.Infof("dataset=%s samples=%s batches=%d", trainDS.Name(), humanize.Comma(int64(trainDS.Len())), trainLoader.NumBatches())

	net, err := model.NewLeNet5(rng)
	if err != nil {
		return nil, err
	}
	klog.Infof("model=LeNet5 params=%s stages=%d", humanize.Comma(int64(net.NumParams())), len(net.Graph()))
	err = run.Watch(ctx, net, tracker.WatchOptions{Log: cfg.Tracker.WatchLog, LogFreq: cfg.Tracker.WatchFreq, LogGraph: true})
	if err != nil {
		return nil, err
	}

	sum := &Summary{RunID: run.ID(), Device: dev}
	if cfg.Report.Dir != "" {
		path, err := writeSampleGrid(cfg, trainDS)
		if err != nil {
			return nil, err
		}
		sum.Reports = append(sum.Reports, path)
	}

	var policy trainer.Policy = trainer.Constant{}
	if cfg.Train.DecayEvery > 0 {
		policy = trainer.StepDecay{Every: cfg.Train.DecayEvery, Factor: cfg.Train.DecayFactor}
	}
	tr, err := trainer.New(net, model.NewSGD(cfg.Train.LearningRate, cfg.Train.Momentum), trainLoader, testLoader, run, trainer.Config{
		Epochs:   cfg.Train.Epochs,
		LogEvery: cfg.Train.LogEvery,
		Workers:  dev.Workers,
		Policy:   policy,
		Evaluate: cfg.Train.Evaluate,
		Progress: cfg.Train.Progress,
	})
	if err != nil {
		return nil, err
	}
	if sum.Result, err = tr.Run(ctx); err != nil {
		return nil, err
	}

	err = checkpoint.Save(cfg.Checkpoint.Path, net.StateDict(), checkpoint.Options{
		DType: checkpoint.DType(cfg.Checkpoint.DType),
		Metadata: map[string]string{
			"model":    "LeNet5",
			"run_id":   run.ID(),
			"epochs":   strconv.Itoa(cfg.Train.Epochs),
			"final_lr": strconv.FormatFloat(sum.Result.FinalLR, 'g', -1, 64),
			"steps":    strconv.Itoa(sum.Result.Steps),
		},
	})
	if err != nil {
		return nil, err
	}
	sum.Checkpoint = cfg.Checkpoint.Path
	if info, err := os.Stat(cfg.Checkpoint.Path); err == nil {
		klog.Infof("checkpoint=%s size=%s", cfg.Checkpoint.Path, humanize.Bytes(uint64(info.Size())))
	}

	if cfg.Report.Dir != "" && len(sum.Result.Emitted) > 0 {
		path := filepath.Join(cfg.Report.Dir, "loss.png")
		if err := report.LossCurve(path, points(sum.Result.Emitted)); err != nil {
			return nil, err
		}
		sum.Reports = append(sum.Reports, path)
	}

	art, err := buildArtifact(cfg, deps)
	if err != nil {
		return nil, err
	}
	if sum.Artifact, err = run.LogArtifact(ctx, art); err != nil {
		return nil, err
	}
	return sum, nil
}

func openTrain(ctx context.Context, cfg *config.Config, deps Deps, dev device.Device, rng *rand.Rand) (*dataset.InMemory, error) {
	if len(cfg.Data.ShardRoots) > 0 {
		roots := map[string][]string{}
		for _, root := range cfg.Data.ShardRoots {
			shards, err := dataset.DiscoverShards(root)
			if err != nil {
				return nil, err
			}
			if len(shards) == 0 {
				return nil, errors.Wrapf(dataset.ErrDataUnavailable, "no shards under %s", root)
			}
			roots[root] = shards
			klog.Infof("root=%s shards=%d", root, len(shards))
		}
		return dataset.LoadShards(ctx, "shards train", dataset.InterleaveRoots(roots, rng), dataset.ShardOptions{
			Transform: dataset.DefaultTransform,
			Workers:   dev.Workers,
		})
	}
	return dataset.Open(cfg.Data.Dir, "train", dataset.OpenOptions{
		Download:  cfg.Data.Download,
		BaseURL:   cfg.Data.BaseURL,
		Checksums: cfg.Data.Checksums,
		Progress:  cfg.Train.Progress,
		Client:    deps.HTTPClient,
	})
}

// openTest loads the MNIST test split without downloading; the train split
// fetched it. Shard training tolerates its absence unless evaluation is on.
func openTest(cfg *config.Config) (*dataset.InMemory, error) {
	ds, err := dataset.Open(cfg.Data.Dir, "test", dataset.OpenOptions{Download: false})
	if err == nil {
		return ds, nil
	}
	if len(cfg.Data.ShardRoots) == 0 || cfg.Train.Evaluate || !errors.Is(err, dataset.ErrDataUnavailable) {
		return nil, err
	}
	klog.Warningf("test split unavailable, training from shards without it: %v", err)
	return nil, nil
}

func writeSampleGrid(cfg *config.Config, ds dataset.Dataset) (string, error) {
	l, err := dataset.NewLoader(ds, cfg.Train.BatchSize, false, nil)
	if err != nil {
		return "", err
	}
	b, ok, err := l.Epoch().Next()
	if err != nil {
		return "", errors.Wrap(err, "pipeline: sample batch")
	}
	if !ok {
		return "", errors.New("pipeline: empty training set")
	}
	if err := os.MkdirAll(cfg.Report.Dir, 0o755); err != nil {
		return "", errors.Wrap(err, "pipeline: report dir")
	}
	path := filepath.Join(cfg.Report.Dir, "samples.png")
	return path, report.SampleGrid(path, b, 8)
}

// buildArtifact bundles the MNIST directory at the artifact root (or each
// shard root under its base name), the program source and the checkpoint.
func buildArtifact(cfg *config.Config, deps Deps) (*tracker.Artifact, error) {
	art, err := tracker.NewArtifact(cfg.Tracker.Artifact, "model")
	if err != nil {
		return nil, err
	}
	art.Description = "LeNet5 trained on MNIST"
	art.Metadata = map[string]any{"epochs": cfg.Train.Epochs, "dtype": cfg.Checkpoint.DType}

	if len(cfg.Data.ShardRoots) == 0 {
		if err := art.AddDir(dataset.Dir(cfg.Data.Dir), ""); err != nil {
			return nil, err
		}
	}
	for _, root := range cfg.Data.ShardRoots {
		if err := art.AddDir(root, config.ShardPrefix(root)); err != nil {
			return nil, err
		}
	}
	if deps.SourcePath != "" {
		if err := art.AddFile(deps.SourcePath, ""); err != nil {
			return nil, err
		}
	}
	if err := art.AddFile(cfg.Checkpoint.Path, ""); err != nil {
		return nil, err
	}
	return art, nil
}

func points(emitted []trainer.Emission) []report.Point {
	out := make([]report.Point, len(emitted))
	for i, e := range emitted {
		out[i] = report.Point{Step: e.Step, Loss: e.Loss, Accuracy: e.Accuracy}
	}
	return out
}
