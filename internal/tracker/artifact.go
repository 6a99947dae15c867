package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var artifactNameRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Entry is one file of an artifact.
type Entry struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Digest    string `json:"digest"`
	LocalPath string `json:"-"`
}

// Artifact is a named, typed bundle of files built before upload.
type Artifact struct {
	Name        string
	Type        string
	Description string
	Metadata    map[string]any

	entries map[string]Entry
}

// NewArtifact starts an empty artifact. The type is a free-form tag.
func NewArtifact(name, typ string) (*Artifact, error) {
	if !artifactNameRegexp.MatchString(name) {
		return nil, errors.Errorf("tracker: invalid artifact name %q", name)
	}
	if strings.TrimSpace(typ) == "" {
		return nil, errors.New("tracker: artifact type must be set")
	}
	return &Artifact{Name: name, Type: typ, entries: map[string]Entry{}}, nil
}

// AddFile adds a local file under the logical name, or its base name when
// name is empty.
func (a *Artifact) AddFile(localPath, name string) error {
	if name == "" {
		name = filepath.Base(localPath)
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return errors.Wrapf(err, "artifact %s: add file", a.Name)
	}
	if info.IsDir() {
		return errors.Errorf("artifact %s: %s is a directory, use AddDir", a.Name, localPath)
	}
	return a.add(localPath, name)
}

// AddDir adds every regular file below localDir, keeping relative paths and
// placing them under prefix (the artifact root when empty).
func (a *Artifact) AddDir(localDir, prefix string) error {
	info, err := os.Stat(localDir)
	if err != nil {
		return errors.Wrapf(err, "artifact %s: add dir", a.Name)
	}
	if !info.IsDir() {
		return errors.Errorf("artifact %s: %s is not a directory", a.Name, localDir)
	}
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		return a.add(p, path.Join(prefix, filepath.ToSlash(rel)))
	})
}

func (a *Artifact) add(localPath, name string) error {
	name = path.Clean(filepath.ToSlash(name))
	if name == "." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
		return errors.Errorf("artifact %s: invalid entry path %q", a.Name, name)
	}
	if _, dup := a.entries[name]; dup {
		return errors.Errorf("artifact %s: duplicate entry %q", a.Name, name)
	}
	digest, size, err := fileDigest(localPath)
	if err != nil {
		return errors.Wrapf(err, "artifact %s", a.Name)
	}
	a.entries[name] = Entry{Path: name, Size: size, Digest: digest, LocalPath: localPath}
	return nil
}

func fileDigest(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, errors.Wrapf(err, "hash %s", p)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Entries lists the files sorted by logical path.
func (a *Artifact) Entries() []Entry {
	out := make([]Entry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Size is the total number of bytes.
func (a *Artifact) Size() int64 {
	var n int64
	for _, e := range a.entries {
		n += e.Size
	}
	return n
}

// Digest hashes the sorted "path:digest" lines; equal content gives equal digests.
func (a *Artifact) Digest() string {
	h := sha256.New()
	for _, e := range a.Entries() {
		_, _ = io.WriteString(h, e.Path+":"+e.Digest+"\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Manifest is the stored description of an artifact version.
type Manifest struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Digest      string         `json:"digest"`
	Size        int64          `json:"size"`
	Entries     []Entry        `json:"entries"`
}

// Manifest snapshots the artifact.
func (a *Artifact) Manifest() Manifest {
	return Manifest{
		Name:        a.Name,
		Type:        a.Type,
		Description: a.Description,
		Metadata:    a.Metadata,
		Digest:      a.Digest(),
		Size:        a.Size(),
		Entries:     a.Entries(),
	}
}

// versionRecord and versionIndex track the versions of one artifact name.
type versionRecord struct {
	Version   string    `json:"version"`
	Digest    string    `json:"digest"`
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

type versionIndex struct {
	Versions []versionRecord   `json:"versions"`
	Aliases  map[string]string `json:"aliases"`
}

// lookup returns the version holding digest, if any.
func (idx *versionIndex) lookup(digest string) (int, bool) {
	for i, v := range idx.Versions {
		if v.Digest == digest {
			return i, true
		}
	}
	return 0, false
}

// add assigns the next version to a, or returns the existing version with the
// same digest, and moves the latest alias to it.
func (idx *versionIndex) add(a *Artifact, runID string, now time.Time) ArtifactVersion {
	digest := a.Digest()
	i, reused := idx.lookup(digest)
	if !reused {
		i = len(idx.Versions)
		idx.Versions = append(idx.Versions, versionRecord{
			Version:   versionName(i),
			Digest:    digest,
			Type:      a.Type,
			RunID:     runID,
			CreatedAt: now.UTC(),
		})
	}
	if idx.Aliases == nil {
		idx.Aliases = map[string]string{}
	}
	idx.Aliases["latest"] = versionName(i)
	return ArtifactVersion{
		Name:    a.Name,
		Version: versionName(i),
		Index:   i,
		Digest:  digest,
		Aliases: idx.aliasesOf(versionName(i)),
		Reused:  reused,
	}
}

func (idx *versionIndex) aliasesOf(version string) []string {
	var out []string
	for alias, v := range idx.Aliases {
		if v == version {
			out = append(out, alias)
		}
	}
	sort.Strings(out)
	return out
}

func versionName(i int) string { return "v" + strconv.Itoa(i) }
