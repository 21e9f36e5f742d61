// internal/store/memory/memory_test.go
package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-crawler/internal/model"
	"repo-crawler/internal/store"
)

func TestInsertStars_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	src, _ := s.RegisterSource(ctx, "GitHub", "github.com")
	repo := s.AddRepository(src, "octo", "hello")

	stars := []model.Star{{Login: "a"}, {Login: "b"}}
	n, err := s.InsertStars(ctx, repo, stars)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.InsertStars(ctx, repo, append(stars, model.Star{Login: "c"}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := s.Count(ctx, model.Entity{ID: repo}, model.Stars)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestInsertForks_RegistersForkingRepositories(t *testing.T) {
	ctx := context.Background()
	s := New()
	src, _ := s.RegisterSource(ctx, "GitHub", "github.com")
	parent := s.AddRepository(src, "octo", "hello")

	n, err := s.InsertForks(ctx, parent, []model.Fork{{Owner: "alice", Name: "hello"}, {Owner: "bob", Name: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	fork, ok := s.Repository(src, "alice", "hello")
	require.True(t, ok)
	assert.Equal(t, "https://github.com/alice/hello", fork.URL)

	edges := s.ForkEdges()
	require.Len(t, edges, 2)
	assert.Equal(t, parent, edges[0].ForkedRepoID)
	assert.Equal(t, 1, edges[0].Rank)

	count, err := s.Count(ctx, model.Entity{ID: parent}, model.Forks)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPendingRepositories_OrdersNeverSyncedFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	clock := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })
	src, _ := s.RegisterSource(ctx, "GitHub", "github.com")
	r1 := s.AddRepository(src, "a", "one")
	r2 := s.AddRepository(src, "b", "two")
	r3 := s.AddRepository(src, "c", "three")

	require.NoError(t, s.RecordAttempt(ctx, model.Entity{ID: r1}, model.Stars, false))
	clock = clock.Add(time.Hour)
	require.NoError(t, s.RecordAttempt(ctx, model.Entity{ID: r1}, model.Stars, true))
	require.NoError(t, s.RecordAttempt(ctx, model.Entity{ID: r2}, model.Forks, true))

	pending, err := s.PendingRepositories(ctx, "GitHub", model.Stars)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	assert.Equal(t, r2, pending[0].ID)
	assert.Nil(t, pending[0].Last, "a forks entry does not count for stars")
	assert.Equal(t, r3, pending[1].ID)
	assert.Equal(t, r1, pending[2].ID)
	require.NotNil(t, pending[2].Last)
	assert.True(t, pending[2].Last.Success, "latest entry wins")
}

func TestMergeIdentities(t *testing.T) {
	ctx := context.Background()
	s := New()
	email := s.AddIdentity("email", "dev@example.com")
	other := s.AddIdentity("email", "dev@users.noreply.github.com")
	login, err := s.EnsureLoginIdentity(ctx, "dev")
	require.NoError(t, err)

	require.NoError(t, s.MergeIdentities(ctx, email, other, "same person"))
	require.NoError(t, s.MergeIdentities(ctx, login, other, "login match"))

	e, _ := s.Identity(email)
	o, _ := s.Identity(other)
	l, _ := s.Identity(login)
	assert.Equal(t, e.UserID, o.UserID)
	assert.Equal(t, l.UserID, e.UserID, "the whole group moves")

	// already merged: no new audit row
	require.NoError(t, s.MergeIdentities(ctx, other, email, "again"))
	assert.Len(t, s.Merges(), 2)

	err = s.MergeIdentities(ctx, email, 999, "nope")
	assert.ErrorIs(t, err, store.ErrUnknownIdentity)
}

func TestEnsureLoginIdentity_ReturnsExisting(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, err := s.EnsureLoginIdentity(ctx, "octocat")
	require.NoError(t, err)
	second, err := s.EnsureLoginIdentity(ctx, "octocat")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPendingAttributions(t *testing.T) {
	ctx := context.Background()
	s := New()
	src, _ := s.RegisterSource(ctx, "GitHub", "github.com")
	other, _ := s.RegisterSource(ctx, "GitLab", "gitlab.com")
	repo := s.AddRepository(src, "octo", "hello")
	glRepo := s.AddRepository(other, "octo", "hello")

	alice := s.AddIdentity("email", "alice@example.com")
	bob := s.AddIdentity("email", "bob@example.com")
	carol := s.AddIdentity("email", "carol@example.com")

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.AddCommit("a1", repo, alice, t0)
	s.AddCommit("a2", repo, alice, t0.Add(time.Hour))
	s.AddCommit("b1", repo, bob, t0)
	s.AddCommit("c1", glRepo, carol, t0)

	login, _ := s.EnsureLoginIdentity(ctx, "bob")
	require.NoError(t, s.MergeIdentities(ctx, login, bob, "known"))

	got, err := s.PendingAttributions(ctx, "GitHub")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, alice, got[0].IdentityID)
	assert.Equal(t, "a2", got[0].SHA, "latest commit is used")
	assert.Nil(t, got[0].Last)
}

func TestCloneTargets(t *testing.T) {
	ctx := context.Background()
	s := New()
	src, _ := s.RegisterSource(ctx, "GitHub", "github.com")
	noRoot, _ := s.RegisterSource(ctx, "PyPI", "")
	r1 := s.AddRepository(src, "a", "one")
	r2 := s.AddRepository(src, "b", "two")
	s.AddRepository(noRoot, "c", "three")

	require.NoError(t, s.RecordDownload(ctx, r1, false, time.Now()))

	never, err := s.CloneTargets(ctx, "", model.CloneNeverAttempted)
	require.NoError(t, err)
	require.Len(t, never, 1)
	assert.Equal(t, r2, never[0].RepoID)

	notCloned, err := s.CloneTargets(ctx, "GitHub", model.CloneNotCloned)
	require.NoError(t, err)
	assert.Len(t, notCloned, 2)

	require.NoError(t, s.RecordDownload(ctx, r1, true, time.Now()))
	notCloned, err = s.CloneTargets(ctx, "GitHub", model.CloneNotCloned)
	require.NoError(t, err)
	assert.Len(t, notCloned, 1)
}

func TestURLs(t *testing.T) {
	ctx := context.Background()
	s := New()

	n, err := s.AddURLs(ctx, []string{"github.com/a/b", "github.com/a/b", "gitlab.com/c/d"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.SetCleanedURLs(ctx, []model.URL{{Raw: "github.com/a/b", Cleaned: "https://github.com/a/b", SourceRootID: 1}}))

	pending, err := s.URLs(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"gitlab.com/c/d"}, pending)

	all, err := s.URLs(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
