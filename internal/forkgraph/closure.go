// internal/forkgraph/closure.go
package forkgraph

import (
	"context"
	"fmt"
	"log/slog"

	"repo-crawler/internal/model"
	"repo-crawler/internal/store"
)

// maxPasses bounds the closure loop. A chain longer than this is a cycle or a bug.
const maxPasses = 10000

// Materialize extends the fork relation to its transitive closure. Each pass joins
// every edge (A forked from B, rank r) with the direct forks of A and stores the
// missing (C forked from B, rank r+1) edges, in its own transaction. It stops after
// the first pass that adds nothing and returns the total number of new edges.
func Materialize(ctx context.Context, s store.Store, logger *slog.Logger) (int64, error) {
	var total int64
	err := store.WithSession(ctx, s, func(sess store.Session) error {
		for pass := 1; pass <= maxPasses; pass++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			var added int64
			err := sess.InTx(ctx, func(q store.Querier) error {
				var err error
				added, err = q.ExtendForkRanks(ctx)
				return err
			})
			if err != nil {
				return fmt.Errorf("fork ranks pass %d: %w", pass, err)
			}

			logger.Info("Filled fork ranks", "pass", pass, "rank", pass+1, "new_edges", added)
			total += added
			if added == 0 {
				return nil
			}
		}
		return fmt.Errorf("fork ranks did not converge after %d passes", maxPasses)
	})
	return total, err
}

type pair struct {
	forking, forked int64
}

// NextLayer computes one closure pass over an in-memory edge set: the edges a pass
// would add, without the ones already present. The returned edges are not used as
// inputs of the same pass.
func NextLayer(edges []model.ForkEdge) []model.ForkEdge {
	existing := make(map[pair]bool, len(edges))
	direct := make(map[int64][]model.ForkEdge)
	for _, e := range edges {
		existing[pair{e.ForkingRepoID, e.ForkedRepoID}] = true
		if e.Rank == 1 {
			direct[e.ForkedRepoID] = append(direct[e.ForkedRepoID], e)
		}
	}

	var out []model.ForkEdge
	for _, e := range edges {
		for _, d := range direct[e.ForkingRepoID] {
			if d.ForkingRepoID == e.ForkedRepoID {
				continue
			}
			p := pair{d.ForkingRepoID, e.ForkedRepoID}
			if existing[p] {
				continue
			}
			existing[p] = true
			out = append(out, model.ForkEdge{
				ForkingRepoID:  d.ForkingRepoID,
				ForkedRepoID:   e.ForkedRepoID,
				ForkingRepoURL: d.ForkingRepoURL,
				ForkedAt:       d.ForkedAt,
				Rank:           e.Rank + 1,
			})
		}
	}
	return out
}
