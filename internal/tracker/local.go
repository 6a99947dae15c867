package tracker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"lenet-forge/internal/model"
)

// LocalBackend stores runs and artifacts under a directory tree:
//
//	<root>/<project>/runs/<id>/{run.yaml,config.yaml,history.jsonl,graph.json,summary.json}
//	<root>/<project>/artifacts/<name>/{index.json,v<N>/manifest.json,v<N>/files/...}
type LocalBackend struct {
	root string

	mu   sync.Mutex
	runs map[string]RunInfo
}

// NewLocalBackend stores everything below root.
func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{root: root, runs: map[string]RunInfo{}}
}

// RunDir is where a run's files live.
func (b *LocalBackend) RunDir(project, runID string) string {
	return filepath.Join(b.root, project, "runs", runID)
}

// ArtifactDir is where the versions of an artifact live.
func (b *LocalBackend) ArtifactDir(project, name string) string {
	return filepath.Join(b.root, project, "artifacts", name)
}

func (b *LocalBackend) run(runID string) (RunInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.runs[runID]
	if !ok {
		return RunInfo{}, errors.Errorf("tracker: unknown run %s", runID)
	}
	return info, nil
}

func (b *LocalBackend) CreateRun(_ context.Context, info RunInfo) error {
	dir := b.RunDir(info.Project, info.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create run dir")
	}
	if err := writeYAML(filepath.Join(dir, "run.yaml"), info); err != nil {
		return err
	}
	if err := writeYAML(filepath.Join(dir, "config.yaml"), info.Config); err != nil {
		return err
	}
	b.mu.Lock()
	b.runs[info.ID] = info
	b.mu.Unlock()
	return nil
}

func (b *LocalBackend) AppendHistory(_ context.Context, runID string, rec Record) error {
	info, err := b.run(runID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode history row")
	}
	path := filepath.Join(b.RunDir(info.Project, runID), "history.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open history")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return errors.Wrap(err, "append history")
	}
	return errors.Wrap(f.Close(), "close history")
}

func (b *LocalBackend) WriteGraph(_ context.Context, runID string, graph []model.StageInfo) error {
	info, err := b.run(runID)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(b.RunDir(info.Project, runID), "graph.json"), graph)
}

func (b *LocalBackend) FinishRun(_ context.Context, runID string, summary map[string]any, exitCode int) error {
	info, err := b.run(runID)
	if err != nil {
		return err
	}
	doc := map[string]any{
		"summary":     summary,
		"exit_code":   exitCode,
		"finished_at": time.Now().UTC(),
	}
	return writeJSON(filepath.Join(b.RunDir(info.Project, runID), "summary.json"), doc)
}

func (b *LocalBackend) UploadArtifact(_ context.Context, runID string, a *Artifact) (ArtifactVersion, error) {
	info, err := b.run(runID)
	if err != nil {
		return ArtifactVersion{}, err
	}
	// Serializes index updates between runs sharing this backend.
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := b.ArtifactDir(info.Project, a.Name)
	indexPath := filepath.Join(dir, "index.json")
	var idx versionIndex
	if err := readJSON(indexPath, &idx); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ArtifactVersion{}, err
	}
	v := idx.add(a, runID, time.Now())
	if !v.Reused {
		vdir := filepath.Join(dir, v.Version)
		for _, e := range a.Entries() {
			dst := filepath.Join(vdir, "files", filepath.FromSlash(e.Path))
			if err := copyFile(e.LocalPath, dst); err != nil {
				return ArtifactVersion{}, errors.Wrapf(err, "store %s", e.Path)
			}
			klog.V(1).Infof("artifact=%s file=%s size=%d", v.QualifiedName(), e.Path, e.Size)
		}
		if err := writeJSON(filepath.Join(vdir, "manifest.json"), a.Manifest()); err != nil {
			return ArtifactVersion{}, err
		}
	}
	if err := writeJSON(indexPath, idx); err != nil {
		return ArtifactVersion{}, err
	}
	return v, nil
}

// ReadHistory loads every history row of a run.
func (b *LocalBackend) ReadHistory(project, runID string) ([]Record, error) {
	f, err := os.Open(filepath.Join(b.RunDir(project, runID), "history.jsonl"))
	if err != nil {
		return nil, errors.Wrap(err, "open history")
	}
	defer f.Close()
	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, errors.Wrapf(err, "history row %d", len(out))
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(sc.Err(), "read history")
}

// ReadManifest loads the manifest of one stored artifact version.
func (b *LocalBackend) ReadManifest(project, name, version string) (Manifest, error) {
	var m Manifest
	err := readJSON(filepath.Join(b.ArtifactDir(project, name), version, "manifest.json"), &m)
	return m, err
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", filepath.Base(path))
	}
	return writeAtomic(path, data)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", filepath.Base(path))
	}
	return writeAtomic(path, append(data, '\n'))
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(data, v), "decode %s", path)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "write %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "close %s", path)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "rename into %s", path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
