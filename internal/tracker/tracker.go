// Package tracker records training runs: configuration, model graph,
// parameter statistics, metric history and versioned artifacts.
//
// A Run is opened with Init and must be closed with Finish on every exit
// path. Backends are a local directory (offline), an HTTP service (online)
// or nothing (disabled).
package tracker

import (
	"context"
	"maps"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrFinished is returned by calls on a run that was already finished.
var ErrFinished = errors.New("tracker: run already finished")

// Mode selects the backend.
type Mode string

const (
	Offline  Mode = "offline"
	Online   Mode = "online"
	Disabled Mode = "disabled"
)

// Options configures Init.
type Options struct {
	Project string
	Name    string
	// Config is copied at start and never changes afterwards.
	Config map[string]any
	Mode   Mode

	// Dir is the offline storage root.
	Dir string

	// BaseURL and APIKey address the online service.
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	// Program is recorded with the run, usually the source file being bundled.
	Program string
}

// Run is an open tracking session. Its methods are safe for concurrent use.
type Run struct {
	mu       sync.Mutex
	backend  Backend
	info     RunInfo
	start    time.Time
	now      func() time.Time
	step     int
	summary  map[string]any
	watch    *watcher
	finished bool
}

// Init selects a backend from opts.Mode and opens a run.
func Init(ctx context.Context, opts Options) (*Run, error) {
	var b Backend
	switch opts.Mode {
	case Offline, "":
		if opts.Dir == "" {
			return nil, errors.New("tracker: offline mode needs a directory")
		}
		b = NewLocalBackend(opts.Dir)
	case Online:
		if opts.BaseURL == "" {
			return nil, errors.New("tracker: online mode needs a base URL")
		}
		b = NewHTTPBackend(opts.BaseURL, opts.APIKey, opts.HTTPClient)
	case Disabled:
		b = newNoopBackend()
	default:
		return nil, errors.Errorf("tracker: unknown mode %q", opts.Mode)
	}
	return Start(ctx, b, opts)
}

// Start opens a run on an explicit backend.
func Start(ctx context.Context, b Backend, opts Options) (*Run, error) {
	if strings.TrimSpace(opts.Project) == "" {
		return nil, errors.New("tracker: project must be set")
	}
	now := time.Now
	r := &Run{
		backend: b,
		start:   now(),
		now:     now,
		summary: map[string]any{},
	}
	host, _ := os.Hostname()
	r.info = RunInfo{
		ID:        newRunID(),
		Project:   opts.Project,
		Name:      opts.Name,
		Config:    maps.Clone(opts.Config),
		StartedAt: r.start.UTC(),
		Host:      host,
		Program:   opts.Program,
	}
	if r.info.Config == nil {
		r.info.Config = map[string]any{}
	}
	if r.info.Name == "" {
		r.info.Name = r.info.ID
	}
	if err := b.CreateRun(ctx, r.info); err != nil {
		return nil, errors.Wrapf(err, "tracker: create run %s", r.info.ID)
	}
	klog.Infof("tracker run=%s project=%s name=%s", r.info.ID, r.info.Project, r.info.Name)
	return r, nil
}

func newRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ID is the backend identifier of the run.
func (r *Run) ID() string { return r.info.ID }

// Name is the display name of the run.
func (r *Run) Name() string { return r.info.Name }

// Project is the project the run belongs to.
func (r *Run) Project() string { return r.info.Project }

// Config returns a copy of the run configuration.
func (r *Run) Config() map[string]any { return maps.Clone(r.info.Config) }

// Step is the number of history records written.
func (r *Run) Step() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

// Summary returns the last logged value of every scalar key.
func (r *Run) Summary() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.summary)
}

// Watch starts observing m. The graph is written immediately when requested;
// histograms are captured by ObserveStep and written with the next Log.
func (r *Run) Watch(ctx context.Context, m Watchable, opts WatchOptions) error {
	if err := opts.normalize(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}
	if opts.LogGraph {
		if err := r.backend.WriteGraph(ctx, r.info.ID, m.Graph()); err != nil {
			return errors.Wrap(err, "tracker: write graph")
		}
	}
	r.watch = &watcher{m: m, opts: opts}
	return nil
}

// ObserveStep tells the watcher one optimizer step completed.
func (r *Run) ObserveStep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watch != nil && !r.finished {
		r.watch.observe()
	}
}

// Log appends one timestamped record holding values and any pending watcher
// captures.
func (r *Run) Log(ctx context.Context, values map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}
	now := r.now()
	rec := Record{
		Step:      r.step,
		Timestamp: float64(now.UnixNano()) / 1e9,
		Runtime:   now.Sub(r.start).Seconds(),
		Values:    make(map[string]any, len(values)),
	}
	if r.watch != nil {
		for k, v := range r.watch.drain() {
			rec.Values[k] = v
		}
	}
	for k, v := range values {
		rec.Values[k] = v
	}
	if err := r.backend.AppendHistory(ctx, r.info.ID, rec); err != nil {
		return errors.Wrapf(err, "tracker: log step %d", rec.Step)
	}
	for k, v := range values {
		r.summary[k] = v
	}
	r.step++
	return nil
}

// LogArtifact uploads a, versioned against earlier uploads of the same name.
func (r *Run) LogArtifact(ctx context.Context, a *Artifact) (ArtifactVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ArtifactVersion{}, ErrFinished
	}
	if len(a.entries) == 0 {
		return ArtifactVersion{}, errors.Errorf("tracker: artifact %s is empty", a.Name)
	}
	v, err := r.backend.UploadArtifact(ctx, r.info.ID, a)
	if err != nil {
		return ArtifactVersion{}, errors.Wrapf(err, "tracker: upload artifact %s", a.Name)
	}
	klog.Infof("artifact=%s files=%d size=%s reused=%t", v.QualifiedName(), len(a.entries),
		humanize.Bytes(uint64(a.Size())), v.Reused)
	return v, nil
}

// Finish flushes the summary and closes the run. Only the first call has an
// effect.
func (r *Run) Finish(ctx context.Context, exitCode int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}
	r.finished = true
	summary := maps.Clone(r.summary)
	summary["_step"] = r.step
	summary["_runtime"] = r.now().Sub(r.start).Seconds()
	if err := r.backend.FinishRun(ctx, r.info.ID, summary, exitCode); err != nil {
		return errors.Wrapf(err, "tracker: finish run %s", r.info.ID)
	}
	klog.Infof("tracker run=%s finished exit_code=%d steps=%d", r.info.ID, exitCode, r.step)
	return nil
}
