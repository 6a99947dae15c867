package tracker

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"lenet-forge/internal/model"
)

// Watchable is a model whose parameters and graph can be observed.
type Watchable interface {
	Params() []*model.Param
	Graph() []model.StageInfo
}

// WatchOptions selects what Watch records.
type WatchOptions struct {
	// Log is "gradients", "parameters" or "all".
	Log string
	// LogFreq is the number of observed steps between captures.
	LogFreq int
	// LogGraph records the stage graph once.
	LogGraph bool
	// Bins is the histogram resolution.
	Bins int
}

const (
	defaultLogFreq = 1000
	defaultBins    = 64
)

func (o *WatchOptions) normalize() error {
	switch o.Log {
	case "":
		o.Log = "gradients"
	case "gradients", "parameters", "all":
	default:
		return errors.Errorf("tracker: watch log must be gradients, parameters or all (got %q)", o.Log)
	}
	if o.LogFreq <= 0 {
		o.LogFreq = defaultLogFreq
	}
	if o.Bins <= 0 {
		o.Bins = defaultBins
	}
	return nil
}

// Histogram summarizes a tensor's values.
type Histogram struct {
	Type   string    `json:"_type"`
	Bins   []float64 `json:"bins"`
	Values []float64 `json:"values"`
	Mean   float64   `json:"mean"`
	Std    float64   `json:"std"`
}

// NewHistogram bins data into n equal-width buckets spanning its range.
func NewHistogram(data []float64, n int) Histogram {
	h := Histogram{Type: "histogram"}
	x := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			x = append(x, v)
		}
	}
	if len(x) == 0 {
		return h
	}
	sort.Float64s(x)
	lo, hi := x[0], x[len(x)-1]
	upper := hi + math.Max(math.Abs(hi)*1e-9, 1e-12)
	dividers := make([]float64, n+1)
	floats.Span(dividers, lo, upper)
	dividers[0], dividers[n] = lo, upper
	h.Bins = dividers
	h.Values = stat.Histogram(nil, dividers, x, nil)
	if len(x) > 1 {
		h.Mean, h.Std = stat.MeanStdDev(x, nil)
	} else {
		h.Mean = x[0]
	}
	return h
}

// watcher captures parameter and gradient histograms every LogFreq steps.
type watcher struct {
	m       Watchable
	opts    WatchOptions
	steps   int
	pending map[string]any
}

func (w *watcher) observe() {
	w.steps++
	if w.steps%w.opts.LogFreq != 0 {
		return
	}
	if w.pending == nil {
		w.pending = map[string]any{}
	}
	for _, p := range w.m.Params() {
		if w.opts.Log == "parameters" || w.opts.Log == "all" {
			w.pending["parameters/"+p.Name] = NewHistogram(p.Value.Data, w.opts.Bins)
		}
		if w.opts.Log == "gradients" || w.opts.Log == "all" {
			w.pending["gradients/"+p.Name] = NewHistogram(p.Grad.Data, w.opts.Bins)
		}
	}
}

// drain hands over pending captures.
func (w *watcher) drain() map[string]any {
	p := w.pending
	w.pending = nil
	return p
}
