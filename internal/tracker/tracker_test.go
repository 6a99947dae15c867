package tracker

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lenet-forge/internal/model"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func offlineRun(t *testing.T, root string) *Run {
	t.Helper()
	r, err := Init(context.Background(), Options{
		Project: "LeNet5",
		Name:    "004",
		Config:  map[string]any{"learning_rate": 0.01, "epochs": 2},
		Mode:    Offline,
		Dir:     root,
	})
	require.NoError(t, err)
	return r
}

func TestOfflineRunLayout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r := offlineRun(t, root)
	assert.Len(t, r.ID(), 8)
	assert.Equal(t, "004", r.Name())

	cfg := r.Config()
	cfg["learning_rate"] = 1.0
	assert.Equal(t, 0.01, r.Config()["learning_rate"])

	require.NoError(t, r.Log(ctx, map[string]float64{"loss": 2.3, "acc_rate": 0.1}))
	require.NoError(t, r.Log(ctx, map[string]float64{"loss": 1.5, "acc_rate": 0.4}))
	assert.Equal(t, 2, r.Step())
	assert.Equal(t, 1.5, r.Summary()["loss"])
	require.NoError(t, r.Finish(ctx, 0))

	b := NewLocalBackend(root)
	dir := b.RunDir("LeNet5", r.ID())
	for _, f := range []string{"run.yaml", "config.yaml", "history.jsonl", "summary.json"} {
		assert.FileExists(t, filepath.Join(dir, f))
	}
	rows, err := b.ReadHistory("LeNet5", r.ID())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 0, rows[0].Step)
	assert.Equal(t, 1, rows[1].Step)
	assert.Equal(t, 2.3, rows[0].Values["loss"])
	assert.GreaterOrEqual(t, rows[1].Runtime, rows[0].Runtime)
	assert.Positive(t, rows[0].Timestamp)

	var summary map[string]any
	data, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 0.0, summary["exit_code"])
}

func TestFinishIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := offlineRun(t, t.TempDir())
	require.NoError(t, r.Finish(ctx, 1))
	require.NoError(t, r.Finish(ctx, 0))

	err := r.Log(ctx, map[string]float64{"loss": 1})
	assert.True(t, errors.Is(err, ErrFinished))
	a, err := NewArtifact("x", "model")
	require.NoError(t, err)
	_, err = r.LogArtifact(ctx, a)
	assert.True(t, errors.Is(err, ErrFinished))
}

func TestInitValidation(t *testing.T) {
	ctx := context.Background()
	_, err := Init(ctx, Options{Project: "p", Mode: "cloud"})
	assert.Error(t, err)
	_, err = Init(ctx, Options{Project: "p", Mode: Offline})
	assert.Error(t, err)
	_, err = Init(ctx, Options{Project: "p", Mode: Online})
	assert.Error(t, err)
	_, err = Init(ctx, Options{Mode: Disabled})
	assert.Error(t, err)
}

func TestArtifactVersionsDedupe(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	src := t.TempDir()
	ckpt := writeFile(t, src, "model.ckpt", "weights-1")
	writeFile(t, src, "data/MNIST/raw/train-labels-idx1-ubyte", "labels")

	build := func() *Artifact {
		a, err := NewArtifact("lenet5-mnist", "model")
		require.NoError(t, err)
		require.NoError(t, a.AddFile(ckpt, ""))
		require.NoError(t, a.AddDir(filepath.Join(src, "data"), ""))
		return a
	}

	r := offlineRun(t, root)
	v0, err := r.LogArtifact(ctx, build())
	require.NoError(t, err)
	assert.Equal(t, "v0", v0.Version)
	assert.False(t, v0.Reused)
	assert.Equal(t, []string{"latest"}, v0.Aliases)

	again, err := r.LogArtifact(ctx, build())
	require.NoError(t, err)
	assert.Equal(t, "v0", again.Version)
	assert.True(t, again.Reused)

	require.NoError(t, os.WriteFile(ckpt, []byte("weights-2"), 0o644))
	v1, err := r.LogArtifact(ctx, build())
	require.NoError(t, err)
	assert.Equal(t, "lenet5-mnist:v1", v1.QualifiedName())
	require.NoError(t, r.Finish(ctx, 0))

	b := NewLocalBackend(root)
	m, err := b.ReadManifest("LeNet5", "lenet5-mnist", "v1")
	require.NoError(t, err)
	var paths []string
	for _, e := range m.Entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"MNIST/raw/train-labels-idx1-ubyte", "model.ckpt"}, paths)
	stored := filepath.Join(b.ArtifactDir("LeNet5", "lenet5-mnist"), "v1", "files", "model.ckpt")
	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	assert.Equal(t, "weights-2", string(data))
}

func TestArtifactRejectsBadEntries(t *testing.T) {
	_, err := NewArtifact("bad name", "model")
	assert.Error(t, err)
	_, err = NewArtifact("ok", "")
	assert.Error(t, err)

	a, err := NewArtifact("ok", "model")
	require.NoError(t, err)
	p := writeFile(t, t.TempDir(), "f.txt", "x")
	require.NoError(t, a.AddFile(p, "f.txt"))
	assert.Error(t, a.AddFile(p, "f.txt"))
	assert.Error(t, a.AddFile(p, "../escape"))
	assert.Error(t, a.AddFile(filepath.Dir(p), ""))
}

func TestDisabledRun(t *testing.T) {
	ctx := context.Background()
	r, err := Init(ctx, Options{Project: "LeNet5", Mode: Disabled})
	require.NoError(t, err)
	require.NoError(t, r.Log(ctx, map[string]float64{"loss": 1}))
	a, err := NewArtifact("a", "model")
	require.NoError(t, err)
	require.NoError(t, a.AddFile(writeFile(t, t.TempDir(), "f", "x"), ""))
	v, err := r.LogArtifact(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "v0", v.Version)
	require.NoError(t, r.Finish(ctx, 0))
}

func TestWatchMergesHistogramsIntoNextLog(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	m, err := model.NewLeNet5(rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	r := offlineRun(t, root)
	require.NoError(t, r.Watch(ctx, m, WatchOptions{Log: "all", LogFreq: 2, LogGraph: true}))
	assert.Error(t, r.Watch(ctx, m, WatchOptions{Log: "weights"}))

	r.ObserveStep()
	require.NoError(t, r.Log(ctx, map[string]float64{"loss": 2}))
	r.ObserveStep()
	require.NoError(t, r.Log(ctx, map[string]float64{"loss": 1}))
	require.NoError(t, r.Finish(ctx, 0))

	b := NewLocalBackend(root)
	rows, err := b.ReadHistory("LeNet5", r.ID())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.NotContains(t, rows[0].Values, "parameters/conv1.weight")
	hist, ok := rows[1].Values["parameters/conv1.weight"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "histogram", hist["_type"])
	assert.Len(t, hist["values"], defaultBins)
	assert.Contains(t, rows[1].Values, "gradients/fc2.bias")

	var graph []model.StageInfo
	data, err := os.ReadFile(filepath.Join(b.RunDir("LeNet5", r.ID()), "graph.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &graph))
	assert.Len(t, graph, len(m.Graph()))
}

func TestNewHistogram(t *testing.T) {
	h := NewHistogram([]float64{0, 1, 2, 3}, 4)
	require.Len(t, h.Bins, 5)
	assert.Equal(t, []float64{1, 1, 1, 1}, h.Values)
	assert.InDelta(t, 1.5, h.Mean, 1e-12)

	constant := NewHistogram([]float64{0.5, 0.5, 0.5}, 8)
	total := 0.0
	for _, v := range constant.Values {
		total += v
	}
	assert.Equal(t, 3.0, total)
	assert.Equal(t, 0.0, constant.Std)

	assert.Empty(t, NewHistogram(nil, 8).Values)
}

// trackerServer is a minimal in-memory implementation of the online protocol.
type trackerServer struct {
	mu       sync.Mutex
	requests []string
	files    map[string]string
	auth     []string
}

func (s *trackerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/versions"):
		var req createVersionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := createVersionResponse{Version: "v0", Aliases: []string{"latest"}}
		for _, e := range req.Manifest.Entries {
			resp.Upload = append(resp.Upload, e.Path)
		}
		_ = json.NewEncoder(w).Encode(resp)
	case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/files/"):
		data, _ := io.ReadAll(r.Body)
		s.files[r.URL.Path[strings.Index(r.URL.Path, "/files/")+len("/files/"):]] = string(data)
	case strings.HasSuffix(r.URL.Path, "/history") && strings.Contains(r.URL.Path, "/broken/"):
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}
}

func TestHTTPBackendProtocol(t *testing.T) {
	ctx := context.Background()
	srv := &trackerServer{files: map[string]string{}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	r, err := Init(ctx, Options{Project: "LeNet5", Name: "004", Mode: Online, BaseURL: ts.URL, APIKey: "k3y", HTTPClient: ts.Client()})
	require.NoError(t, err)
	m, err := model.NewLeNet5(rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.NoError(t, r.Watch(ctx, m, WatchOptions{LogGraph: true}))
	require.NoError(t, r.Log(ctx, map[string]float64{"loss": 2}))

	a, err := NewArtifact("lenet5-mnist", "model")
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, a.AddFile(writeFile(t, dir, "model.ckpt", "w"), ""))
	require.NoError(t, a.AddFile(writeFile(t, dir, "MNIST/raw/t10k", "d"), "MNIST/raw/t10k"))
	v, err := r.LogArtifact(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "lenet5-mnist:v0", v.QualifiedName())
	require.NoError(t, r.Finish(ctx, 0))

	id := r.ID()
	assert.Equal(t, []string{
		"POST /api/v1/projects/LeNet5/runs",
		"PUT /api/v1/projects/LeNet5/runs/" + id + "/graph",
		"POST /api/v1/projects/LeNet5/runs/" + id + "/history",
		"POST /api/v1/projects/LeNet5/artifacts/lenet5-mnist/versions",
		"PUT /api/v1/projects/LeNet5/artifacts/lenet5-mnist/versions/v0/files/MNIST/raw/t10k",
		"PUT /api/v1/projects/LeNet5/artifacts/lenet5-mnist/versions/v0/files/model.ckpt",
		"POST /api/v1/projects/LeNet5/artifacts/lenet5-mnist/versions/v0/commit",
		"POST /api/v1/projects/LeNet5/runs/" + id + "/finish",
	}, srv.requests)
	assert.Equal(t, map[string]string{"model.ckpt": "w", "MNIST/raw/t10k": "d"}, srv.files)
	for _, h := range srv.auth {
		assert.Equal(t, "Bearer k3y", h)
	}
}

func TestHTTPBackendStatusError(t *testing.T) {
	ctx := context.Background()
	srv := &trackerServer{files: map[string]string{}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	r, err := Init(ctx, Options{Project: "broken", Mode: Online, BaseURL: ts.URL, HTTPClient: ts.Client()})
	require.NoError(t, err)
	err = r.Log(ctx, map[string]float64{"loss": 2})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.Equal(t, "quota exceeded", se.Body)
	assert.Equal(t, 0, r.Step())
	require.NoError(t, r.Finish(ctx, 1))
}
