package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// DownloadOptions tunes Download.
type DownloadOptions struct {
	// Checksums optionally maps file names to sha256 hex digests.
	Checksums map[string]string
	Progress  bool
	Client    *http.Client
}

// Download fetches every MNIST split file missing from dir.
func Download(baseURL, dir string, opts DownloadOptions) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	for _, split := range Splits() {
		for _, name := range splitFiles[split] {
			file := name + ".gz"
			path := filepath.Join(dir, file)
			if _, err := os.Stat(path); err == nil {
				continue
			}
			fileURL, err := url.JoinPath(baseURL, file)
			if err != nil {
				return errors.Wrapf(err, "join %q and %q", baseURL, file)
			}
			if err := downloadFile(client, fileURL, path, opts.Progress); err != nil {
				return err
			}
			if want, ok := opts.Checksums[file]; ok {
				if err := validateChecksum(path, want); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// downloadFile writes url to path through a temporary file so that an
// interrupted transfer never leaves a partial file under the final name.
func downloadFile(client *http.Client, fileURL, path string, progress bool) error {
	resp, err := client.Get(fileURL)
	if err != nil {
		return errors.Wrapf(err, "download %s", fileURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download %s: status %s", fileURL, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".part-*")
	if err != nil {
		return errors.Wrapf(err, "create temporary file for %s", path)
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var dst io.Writer = tmp
	if progress {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(path))
		defer func() { _ = bar.Close() }()
		dst = io.MultiWriter(tmp, bar)
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return errors.Wrapf(err, "download %s to %s", fileURL, path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		tmp = nil
		return errors.Wrapf(err, "rename into %s", path)
	}
	tmp = nil
	klog.Infof("downloaded %s (%s)", path, humanize.Bytes(uint64(n)))
	return nil
}

func validateChecksum(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Wrapf(err, "hash %s", path)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != strings.ToLower(want) {
		if rmErr := os.Remove(path); rmErr != nil {
			klog.Warningf("failed to remove %s after checksum mismatch: %v", path, rmErr)
		}
		return errors.Wrapf(ErrBadFormat, "%s sha256 is %s, want %s", path, got, want)
	}
	return nil
}
