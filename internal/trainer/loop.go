// Package trainer drives epochs of forward/backward passes, optimizer steps
// and metric emission.
package trainer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"lenet-forge/internal/dataset"
	"lenet-forge/internal/metrics"
	"lenet-forge/internal/model"
)

// Sink receives emitted metrics; *tracker.Run implements it.
type Sink interface {
	Log(ctx context.Context, values map[string]float64) error
	ObserveStep()
}

// Config captures the knobs of the training loop.
type Config struct {
	Epochs int
	// LogEvery emits metrics on batch indices divisible by it.
	LogEvery int
	// Workers is passed through to ForwardBackward.
	Workers int
	Policy  Policy
	// Evaluate consumes the test loader at every epoch end.
	Evaluate bool
	Progress bool
}

// Emission is one metric record pushed to the sink.
type Emission struct {
	Epoch    int     `json:"epoch"`
	Batch    int     `json:"batch"`
	Step     int     `json:"step"`
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"acc_rate"`
}

// EpochSummary aggregates one epoch.
type EpochSummary struct {
	Epoch        int
	LR           float64
	Batches      int
	Samples      int
	AvgLoss      float64
	Accuracy     float64
	TestLoss     float64
	TestAccuracy float64
	Duration     time.Duration
}

// Result is what a finished Run reports.
type Result struct {
	FinalLR float64
	Epochs  []EpochSummary
	Steps   int
	Emitted []Emission
}

type state int

const (
	stateEpochStart state = iota
	stateBatchStep
	stateEpochEnd
	stateDone
)

func (s state) String() string {
	switch s {
	case stateEpochStart:
		return "epoch-start"
	case stateBatchStep:
		return "batch-step"
	case stateEpochEnd:
		return "epoch-end"
	default:
		return "done"
	}
}

// Trainer owns one training run. It is not safe for concurrent use.
type Trainer struct {
	model model.Model
	opt   *model.SGD
	train *dataset.Loader
	test  *dataset.Loader
	sink  Sink
	cfg   Config

	state   state
	epoch   int
	batch   int
	pass    *dataset.Epoch
	started time.Time
	correct int
	samples int
	lossSum float64
	window  metrics.Window
	bar     *progressbar.ProgressBar
	result  Result
}

// New validates the configuration. test may be nil unless Evaluate is set.
func New(m model.Model, opt *model.SGD, train, test *dataset.Loader, sink Sink, cfg Config) (*Trainer, error) {
	if m == nil || opt == nil || train == nil || sink == nil {
		return nil, errors.New("trainer: model, optimizer, train loader and sink are required")
	}
	if cfg.Epochs <= 0 {
		return nil, errors.Errorf("trainer: epochs must be > 0 (got %d)", cfg.Epochs)
	}
	if cfg.LogEvery <= 0 {
		return nil, errors.Errorf("trainer: log every must be > 0 (got %d)", cfg.LogEvery)
	}
	if cfg.Evaluate && test == nil {
		return nil, errors.New("trainer: evaluate needs a test loader")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Policy == nil {
		cfg.Policy = Constant{}
	}
	return &Trainer{model: m, opt: opt, train: train, test: test, sink: sink, cfg: cfg}, nil
}

// Run advances the state machine until done. Cancellation is checked between
// batches; any error aborts the run.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	for t.state != stateDone {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "trainer: epoch %d batch %d", t.epoch, t.batch)
		}
		if err := t.advance(ctx); err != nil {
			return nil, err
		}
	}
	t.result.FinalLR = t.opt.LR()
	res := t.result
	return &res, nil
}

func (t *Trainer) advance(ctx context.Context) error {
	klog.V(3).Infof("trainer state=%s epoch=%d batch=%d", t.state, t.epoch, t.batch)
	switch t.state {
	case stateEpochStart:
		t.startEpoch()
		t.state = stateBatchStep
	case stateBatchStep:
		more, err := t.step(ctx)
		if err != nil {
			return err
		}
		if !more {
			t.state = stateEpochEnd
		}
	case stateEpochEnd:
		if err := t.endEpoch(ctx); err != nil {
			return err
		}
		t.epoch++
		if t.epoch >= t.cfg.Epochs {
			t.state = stateDone
		} else {
			t.state = stateEpochStart
		}
	}
	return nil
}

func (t *Trainer) startEpoch() {
	t.opt.SetLR(t.opt.LR() * t.cfg.Policy.Multiplier(t.epoch))
	t.pass = t.train.Epoch()
	t.batch = 0
	t.correct, t.samples, t.lossSum = 0, 0, 0
	t.started = time.Now()
	if t.cfg.Progress {
		t.bar = progressbar.NewOptions(t.train.NumBatches(),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d", t.epoch)),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	klog.Infof("epoch=%d lr=%g batches=%d", t.epoch, t.opt.LR(), t.train.NumBatches())
}

// step trains on one batch and reports whether the epoch has more.
func (t *Trainer) step(ctx context.Context) (bool, error) {
	dataStart := time.Now()
	b, ok, err := t.pass.Next()
	if err != nil {
		return false, errors.Wrapf(err, "trainer: epoch %d batch %d", t.epoch, t.batch)
	}
	if !ok {
		return false, nil
	}
	dataTime := time.Since(dataStart)

	computeStart := time.Now()
	out, err := t.model.ForwardBackward(b.Images, b.Labels, t.cfg.Workers)
	if err != nil {
		return false, errors.Wrapf(err, "trainer: epoch %d batch %d", t.epoch, t.batch)
	}
	t.opt.Step(t.model.Params())
	computeTime := time.Since(computeStart)
	t.sink.ObserveStep()

	hits := metrics.Correct(out.Scores, b.Labels)
	acc := metrics.Accuracy(out.Scores, b.Labels)
	t.correct += hits
	t.samples += b.Len()
	t.lossSum += out.Loss * float64(b.Len())
	t.window.Record(b.Len(), dataTime, computeTime, out.Loss, acc)

	if t.batch%t.cfg.LogEvery == 0 {
		if err := t.sink.Log(ctx, map[string]float64{"loss": out.Loss, "acc_rate": acc}); err != nil {
			return false, errors.Wrapf(err, "trainer: emit epoch %d batch %d", t.epoch, t.batch)
		}
		t.result.Emitted = append(t.result.Emitted, Emission{
			Epoch: t.epoch, Batch: t.batch, Step: t.result.Steps, Loss: out.Loss, Accuracy: acc,
		})
		snap := t.window.Snapshot()
		klog.Infof("epoch=%d batch=%d loss=%.4f acc=%.3f images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f",
			t.epoch, t.batch, out.Loss, acc, snap.ImagesPerSec, snap.AvgDataMS, snap.AvgComputeMS)
	}
	if t.bar != nil {
		_ = t.bar.Add(1)
	}
	t.batch++
	t.result.Steps++
	return true, nil
}

func (t *Trainer) endEpoch(ctx context.Context) error {
	if t.bar != nil {
		_ = t.bar.Finish()
		t.bar = nil
	}
	sum := EpochSummary{
		Epoch:    t.epoch,
		LR:       t.opt.LR(),
		Batches:  t.batch,
		Samples:  t.samples,
		Duration: time.Since(t.started),
	}
	if t.samples > 0 {
		sum.AvgLoss = t.lossSum / float64(t.samples)
		sum.Accuracy = float64(t.correct) / float64(t.samples)
	}
	if t.cfg.Evaluate {
		loss, acc, err := Evaluate(t.model, t.test)
		if err != nil {
			return errors.Wrapf(err, "trainer: evaluate epoch %d", t.epoch)
		}
		sum.TestLoss, sum.TestAccuracy = loss, acc
		if err := t.sink.Log(ctx, map[string]float64{"test_loss": loss, "test_acc_rate": acc}); err != nil {
			return errors.Wrapf(err, "trainer: emit test metrics epoch %d", t.epoch)
		}
	}
	t.result.Epochs = append(t.result.Epochs, sum)
	klog.Infof("epoch=%d done batches=%d avg_loss=%.4f acc=%.3f test_loss=%.4f test_acc=%.3f elapsed=%s",
		sum.Epoch, sum.Batches, sum.AvgLoss, sum.Accuracy, sum.TestLoss, sum.TestAccuracy, sum.Duration.Round(time.Millisecond))
	return nil
}

// Evaluate scores every batch of l and returns the sample-weighted mean loss
// and the accuracy.
func Evaluate(m model.Model, l *dataset.Loader) (loss, accuracy float64, err error) {
	pass := l.Epoch()
	var lossSum float64
	var hits, n int
	for {
		b, ok, err := pass.Next()
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			break
		}
		scores, err := m.Forward(b.Images)
		if err != nil {
			return 0, 0, err
		}
		lossSum += model.CrossEntropy(scores, b.Labels) * float64(b.Len())
		hits += metrics.Correct(scores, b.Labels)
		n += b.Len()
	}
	if n == 0 {
		return 0, 0, errors.New("trainer: empty evaluation set")
	}
	return lossSum / float64(n), float64(hits) / float64(n), nil
}
