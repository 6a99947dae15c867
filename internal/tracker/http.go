package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"lenet-forge/internal/model"
)

// StatusError is a non-2xx response from the tracker service.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracker: %s %s: %d %s: %s", e.Method, e.URL, e.Code, http.StatusText(e.Code), e.Body)
}

// HTTPBackend talks to a tracker service over JSON. Requests are not retried.
type HTTPBackend struct {
	base   string
	apiKey string
	client *http.Client

	mu       sync.Mutex
	projects map[string]string
}

// NewHTTPBackend targets baseURL. A nil client uses a 60s timeout client.
func NewHTTPBackend(baseURL, apiKey string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPBackend{
		base:     strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   client,
		projects: map[string]string{},
	}
}

func (b *HTTPBackend) project(runID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.projects[runID]
	if !ok {
		return "", errors.Errorf("tracker: unknown run %s", runID)
	}
	return p, nil
}

func (b *HTTPBackend) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return b.base + "/api/v1/" + strings.Join(escaped, "/")
}

func (b *HTTPBackend) do(ctx context.Context, method, u string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrap(err, "tracker: build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "tracker: %s %s", method, u)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, URL: u, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "tracker: decode %s response", u)
}

func (b *HTTPBackend) doJSON(ctx context.Context, method, u string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "tracker: encode request")
	}
	return b.do(ctx, method, u, bytes.NewReader(data), "application/json", out)
}

func (b *HTTPBackend) CreateRun(ctx context.Context, info RunInfo) error {
	if err := b.doJSON(ctx, http.MethodPost, b.endpoint("projects", info.Project, "runs"), info, nil); err != nil {
		return err
	}
	b.mu.Lock()
	b.projects[info.ID] = info.Project
	b.mu.Unlock()
	return nil
}

func (b *HTTPBackend) AppendHistory(ctx context.Context, runID string, rec Record) error {
	p, err := b.project(runID)
	if err != nil {
		return err
	}
	return b.doJSON(ctx, http.MethodPost, b.endpoint("projects", p, "runs", runID, "history"), rec, nil)
}

func (b *HTTPBackend) WriteGraph(ctx context.Context, runID string, graph []model.StageInfo) error {
	p, err := b.project(runID)
	if err != nil {
		return err
	}
	return b.doJSON(ctx, http.MethodPut, b.endpoint("projects", p, "runs", runID, "graph"), graph, nil)
}

func (b *HTTPBackend) FinishRun(ctx context.Context, runID string, summary map[string]any, exitCode int) error {
	p, err := b.project(runID)
	if err != nil {
		return err
	}
	body := map[string]any{"summary": summary, "exit_code": exitCode}
	return b.doJSON(ctx, http.MethodPost, b.endpoint("projects", p, "runs", runID, "finish"), body, nil)
}

type createVersionRequest struct {
	RunID    string   `json:"run_id"`
	Manifest Manifest `json:"manifest"`
}

type createVersionResponse struct {
	Version string   `json:"version"`
	Index   int      `json:"index"`
	Aliases []string `json:"aliases"`
	Reused  bool     `json:"reused"`
	// Upload lists the entry paths the server does not hold yet.
	Upload []string `json:"upload"`
}

// UploadArtifact announces the manifest, uploads the files the server asks
// for and commits the version.
func (b *HTTPBackend) UploadArtifact(ctx context.Context, runID string, a *Artifact) (ArtifactVersion, error) {
	p, err := b.project(runID)
	if err != nil {
		return ArtifactVersion{}, err
	}
	manifest := a.Manifest()
	var created createVersionResponse
	err = b.doJSON(ctx, http.MethodPost, b.endpoint("projects", p, "artifacts", a.Name, "versions"),
		createVersionRequest{RunID: runID, Manifest: manifest}, &created)
	if err != nil {
		return ArtifactVersion{}, err
	}
	if created.Version == "" {
		return ArtifactVersion{}, errors.New("tracker: server returned no version")
	}
	v := ArtifactVersion{
		Name:    a.Name,
		Version: created.Version,
		Index:   created.Index,
		Digest:  manifest.Digest,
		Aliases: created.Aliases,
		Reused:  created.Reused,
	}
	if created.Reused {
		return v, nil
	}

	for _, name := range created.Upload {
		e, ok := a.entries[name]
		if !ok {
			return ArtifactVersion{}, errors.Errorf("tracker: server requested unknown entry %q", name)
		}
		if err := b.uploadFile(ctx, p, a.Name, created.Version, e); err != nil {
			return ArtifactVersion{}, err
		}
		klog.V(1).Infof("artifact=%s uploaded=%s size=%d", v.QualifiedName(), e.Path, e.Size)
	}
	u := b.endpoint("projects", p, "artifacts", a.Name, "versions", created.Version, "commit")
	if err := b.doJSON(ctx, http.MethodPost, u, map[string]string{"digest": manifest.Digest}, nil); err != nil {
		return ArtifactVersion{}, err
	}
	return v, nil
}

func (b *HTTPBackend) uploadFile(ctx context.Context, project, name, version string, e Entry) error {
	f, err := os.Open(e.LocalPath)
	if err != nil {
		return errors.Wrapf(err, "tracker: open %s", e.Path)
	}
	defer f.Close()
	u := b.endpoint("projects", project, "artifacts", name, "versions", version, "files") + "/" + escapeEntryPath(e.Path)
	return b.do(ctx, http.MethodPut, u, f, "application/octet-stream", nil)
}

// escapeEntryPath escapes each segment but keeps the separators.
func escapeEntryPath(p string) string {
	segs := strings.Split(path.Clean(p), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
