// internal/forkgraph/closure_test.go
package forkgraph_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-crawler/internal/forkgraph"
	"repo-crawler/internal/model"
	"repo-crawler/internal/store/memory"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chain builds r1 <- r2 <- ... <- rk where r(i+1) is a direct fork of r(i).
func chain(t *testing.T, s *memory.Store, k int) []int64 {
	t.Helper()
	src, err := s.RegisterSource(context.Background(), "GitHub", "github.com")
	require.NoError(t, err)

	ids := make([]int64, k)
	for i := range ids {
		ids[i] = s.AddRepository(src, "owner", string(rune('a'+i)))
	}
	for i := 1; i < k; i++ {
		s.AddForkEdge(model.ForkEdge{ForkingRepoID: ids[i], ForkedRepoID: ids[i-1], Rank: 1})
	}
	return ids
}

func TestMaterialize_ChainGivesAllPairs(t *testing.T) {
	for _, k := range []int{1, 2, 3, 6} {
		s := memory.New()
		ids := chain(t, s, k)

		_, err := forkgraph.Materialize(context.Background(), s, discard())
		require.NoError(t, err)

		edges := s.ForkEdges()
		assert.Len(t, edges, k*(k-1)/2, "chain of %d", k)

		pos := make(map[int64]int, k)
		for i, id := range ids {
			pos[id] = i
		}
		for _, e := range edges {
			assert.Equal(t, pos[e.ForkingRepoID]-pos[e.ForkedRepoID], e.Rank, "rank is the hop distance")
		}
	}
}

func TestMaterialize_IsAFixpoint(t *testing.T) {
	s := memory.New()
	chain(t, s, 5)

	first, err := forkgraph.Materialize(context.Background(), s, discard())
	require.NoError(t, err)
	assert.Equal(t, int64(6), first)

	second, err := forkgraph.Materialize(context.Background(), s, discard())
	require.NoError(t, err)
	assert.Zero(t, second)
}

func TestMaterialize_Tree(t *testing.T) {
	// root <- a <- c, root <- b
	s := memory.New()
	src, _ := s.RegisterSource(context.Background(), "GitHub", "github.com")
	root := s.AddRepository(src, "o", "root")
	a := s.AddRepository(src, "o", "a")
	b := s.AddRepository(src, "o", "b")
	c := s.AddRepository(src, "o", "c")
	s.AddForkEdge(model.ForkEdge{ForkingRepoID: a, ForkedRepoID: root, Rank: 1})
	s.AddForkEdge(model.ForkEdge{ForkingRepoID: b, ForkedRepoID: root, Rank: 1})
	s.AddForkEdge(model.ForkEdge{ForkingRepoID: c, ForkedRepoID: a, Rank: 1})

	added, err := forkgraph.Materialize(context.Background(), s, discard())
	require.NoError(t, err)
	assert.Equal(t, int64(1), added)

	edges := s.ForkEdges()
	assert.Contains(t, edges, model.ForkEdge{ForkingRepoID: c, ForkedRepoID: root, Rank: 2})
}

func TestNextLayer_SkipsSelfLoops(t *testing.T) {
	edges := []model.ForkEdge{
		{ForkingRepoID: 1, ForkedRepoID: 2, Rank: 1},
		{ForkingRepoID: 2, ForkedRepoID: 1, Rank: 1},
	}

	assert.Empty(t, forkgraph.NextLayer(edges))
}

func TestNextLayer_OnlyExtendsWithDirectForks(t *testing.T) {
	edges := []model.ForkEdge{
		{ForkingRepoID: 2, ForkedRepoID: 1, Rank: 1},
		{ForkingRepoID: 3, ForkedRepoID: 2, Rank: 1},
		{ForkingRepoID: 4, ForkedRepoID: 3, Rank: 1},
	}

	layer := forkgraph.NextLayer(edges)

	assert.ElementsMatch(t, []model.ForkEdge{
		{ForkingRepoID: 3, ForkedRepoID: 1, Rank: 2},
		{ForkingRepoID: 4, ForkedRepoID: 2, Rank: 2},
	}, layer)
}
