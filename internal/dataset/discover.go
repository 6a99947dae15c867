package dataset

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards returns paths to shard TAR files beneath root, sorted.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover shards")
	}
	sort.Strings(entries)
	return entries, nil
}

// findSplitFiles locates the images and labels files of a split in dir,
// preferring the raw file over its .gz form. found is false when either is
// missing, including when dir itself does not exist.
func findSplitFiles(dir string, names [2]string) (images, labels string, found bool, err error) {
	var paths [2]string
	for i, name := range names {
		for _, candidate := range []string{name, name + ".gz"} {
			path := filepath.Join(dir, candidate)
			info, statErr := os.Stat(path)
			if statErr == nil && !info.IsDir() {
				paths[i] = path
				break
			}
			if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
				return "", "", false, errors.Wrapf(statErr, "stat %s", path)
			}
		}
		if paths[i] == "" {
			return "", "", false, nil
		}
	}
	return paths[0], paths[1], true, nil
}
