package tracker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"lenet-forge/internal/model"
)

// RunInfo is what a backend records when a run opens.
type RunInfo struct {
	ID        string         `json:"id" yaml:"id"`
	Project   string         `json:"project" yaml:"project"`
	Name      string         `json:"name" yaml:"name"`
	Config    map[string]any `json:"config" yaml:"-"`
	StartedAt time.Time      `json:"started_at" yaml:"started_at"`
	Host      string         `json:"host,omitempty" yaml:"host,omitempty"`
	Program   string         `json:"program,omitempty" yaml:"program,omitempty"`
}

// Record is one history row. Values are scalars or Histograms.
type Record struct {
	Step      int
	Timestamp float64
	Runtime   float64
	Values    map[string]any
}

// MarshalJSON flattens the record the way history rows are stored.
func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Values)+3)
	for k, v := range r.Values {
		flat[k] = v
	}
	flat["_step"] = r.Step
	flat["_timestamp"] = r.Timestamp
	flat["_runtime"] = r.Runtime
	return json.Marshal(flat)
}

// UnmarshalJSON is the inverse of MarshalJSON. Histograms come back as maps.
func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	step, ok := flat["_step"].(float64)
	if !ok {
		return errors.New("tracker: history row without _step")
	}
	r.Step = int(step)
	r.Timestamp, _ = flat["_timestamp"].(float64)
	r.Runtime, _ = flat["_runtime"].(float64)
	delete(flat, "_step")
	delete(flat, "_timestamp")
	delete(flat, "_runtime")
	r.Values = flat
	return nil
}

// ArtifactVersion identifies a stored artifact version.
type ArtifactVersion struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Index   int      `json:"index"`
	Digest  string   `json:"digest"`
	Aliases []string `json:"aliases,omitempty"`
	// Reused is set when the content matched an existing version and nothing was uploaded.
	Reused bool `json:"reused"`
}

// QualifiedName is "name:version".
func (v ArtifactVersion) QualifiedName() string { return v.Name + ":" + v.Version }

// Backend persists runs. Implementations surface every failure to the caller
// and do not retry.
type Backend interface {
	CreateRun(ctx context.Context, info RunInfo) error
	AppendHistory(ctx context.Context, runID string, rec Record) error
	WriteGraph(ctx context.Context, runID string, graph []model.StageInfo) error
	UploadArtifact(ctx context.Context, runID string, a *Artifact) (ArtifactVersion, error)
	FinishRun(ctx context.Context, runID string, summary map[string]any, exitCode int) error
}

// noopBackend backs disabled runs. It only keeps artifact versions in memory.
type noopBackend struct {
	versions map[string]versionIndex
}

func newNoopBackend() noopBackend { return noopBackend{versions: map[string]versionIndex{}} }

func (noopBackend) CreateRun(context.Context, RunInfo) error                     { return nil }
func (noopBackend) AppendHistory(context.Context, string, Record) error          { return nil }
func (noopBackend) WriteGraph(context.Context, string, []model.StageInfo) error  { return nil }
func (noopBackend) FinishRun(context.Context, string, map[string]any, int) error { return nil }

func (b noopBackend) UploadArtifact(_ context.Context, runID string, a *Artifact) (ArtifactVersion, error) {
	idx := b.versions[a.Name]
	v := idx.add(a, runID, time.Now())
	b.versions[a.Name] = idx
	return v, nil
}
