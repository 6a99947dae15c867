package dataset

import (
	"context"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ShardOptions configures LoadShards.
type ShardOptions struct {
	Transform Normalize
	// Workers decode that many shards concurrently.
	Workers    int
	PendingCap int
}

// InterleaveRoots orders the shards of several roots round-robin, visiting
// roots in name order. Each root's shards are shuffled first when rng is set.
func InterleaveRoots(roots map[string][]string, rng *rand.Rand) []string {
	names := make([]string, 0, len(roots))
	queues := make(map[string][]string, len(roots))
	for root, shards := range roots {
		if len(shards) == 0 {
			continue
		}
		names = append(names, root)
		queues[root] = append([]string(nil), shards...)
	}
	sort.Strings(names)
	if rng != nil {
		for _, root := range names {
			q := queues[root]
			rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
		}
	}
	var order []string
	for {
		advanced := false
		for _, root := range names {
			q := queues[root]
			if len(q) == 0 {
				continue
			}
			order = append(order, q[0])
			queues[root] = q[1:]
			advanced = true
		}
		if !advanced {
			return order
		}
	}
}

// decodedShard is the gray pixels and labels of one shard.
type decodedShard struct {
	pixels [][]byte
	labels []int
}

// decodeShards decodes every shard on a bounded worker pool. Results are
// returned in path order whatever order the workers finish in.
func decodeShards(ctx context.Context, paths []string, side int, opts ShardOptions) ([]decodedShard, error) {
	workers := max(opts.Workers, 1)
	out := make([]decodedShard, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			var d decodedShard
			err := ReadShard(ctx, path, opts.PendingCap, func(rec ShardRecord) error {
				pix, err := decodeGray(rec.Image, side, side)
				if err != nil {
					return errors.Wrapf(err, "%s: decode %s", path, rec.Key)
				}
				d.pixels = append(d.pixels, pix)
				d.labels = append(d.labels, rec.Label)
				return nil
			})
			if err != nil {
				return err
			}
			klog.V(1).Infof("shard=%s samples=%d", path, len(d.labels))
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
