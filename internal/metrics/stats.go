package metrics

import "time"

// Window aggregates per-batch measurements between two snapshots: samples
// seen, time split into data loading and compute, loss and accuracy.
type Window struct {
	n       int
	samples int
	load    time.Duration
	work    time.Duration
	loss    sum
	acc     sum
}

// sum keeps a running total and the latest value.
type sum struct {
	total, last float64
}

func (s *sum) add(v float64) {
	s.total += v
	s.last = v
}

// Record adds one batch.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss, acc float64) {
	w.n++
	w.samples += batchSize
	w.load += dataTime
	w.work += computeTime
	w.loss.add(loss)
	w.acc.add(acc)
}

// Snapshot aggregates the window and starts a new one.
func (w *Window) Snapshot() Snapshot {
	s := Snapshot{
		Steps:        w.n,
		Samples:      w.samples,
		LastLoss:     w.loss.last,
		LastAccuracy: w.acc.last,
	}
	if elapsed := (w.load + w.work).Seconds(); elapsed > 0 {
		s.ImagesPerSec = float64(w.samples) / elapsed
	}
	if w.n > 0 {
		steps := float64(w.n)
		s.AvgComputeMS = float64(w.work.Microseconds()) / 1000 / steps
		s.AvgDataMS = float64(w.load.Microseconds()) / 1000 / steps
		s.AvgLoss = w.loss.total / steps
		s.AvgAccuracy = w.acc.total / steps
	}
	*w = Window{}
	return s
}

// Snapshot is one aggregated window.
type Snapshot struct {
	Steps        int
	Samples      int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	AvgLoss      float64
	AvgAccuracy  float64
	LastLoss     float64
	LastAccuracy float64
}
