// internal/store/sqlite/sqlite_test.go
package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-crawler/internal/model"
	"repo-crawler/internal/store"
)

func openTestStore(t *testing.T) (*Store, store.Session) {
	t.Helper()
	ctx := context.Background()

	s, err := Open(ctx, filepath.Join(t.TempDir(), "crawler.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate())
	require.NoError(t, s.Migrate(), "migrations are idempotent")

	sess, err := s.Acquire(ctx)
	require.NoError(t, err)
	t.Cleanup(sess.Release)
	return s, sess
}

func TestStarsRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, sess := openTestStore(t)

	src, err := sess.RegisterSource(ctx, "GitHub", "github.com")
	require.NoError(t, err)
	n, err := sess.RegisterRepositories(ctx, []model.Repository{
		{SourceID: src, Owner: "octo", Name: "hello", URL: "https://github.com/octo/hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := sess.PendingRepositories(ctx, "GitHub", model.Stars)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].Last)
	repo := pending[0].Entity

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	err = sess.InTx(ctx, func(q store.Querier) error {
		n, err := q.InsertStars(ctx, repo.ID, []model.Star{{Login: "a", StarredAt: at}, {Login: "b"}})
		assert.Equal(t, int64(2), n)
		return err
	})
	require.NoError(t, err)

	n, err = sess.InsertStars(ctx, repo.ID, []model.Star{{Login: "b"}, {Login: "c"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := sess.Count(ctx, repo, model.Stars)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, store.RecordAttemptTx(ctx, sess, repo, model.Stars, true))
	pending, err = sess.PendingRepositories(ctx, "GitHub", model.Stars)
	require.NoError(t, err)
	require.NotNil(t, pending[0].Last)
	assert.True(t, pending[0].Last.Success)
}

func TestInTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	_, sess := openTestStore(t)
	boom := errors.New("boom")

	err := sess.InTx(ctx, func(q store.Querier) error {
		if _, err := q.RegisterSource(ctx, "GitHub", "github.com"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	sources, err := sess.Sources(ctx)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestForksAndClosure(t *testing.T) {
	ctx := context.Background()
	_, sess := openTestStore(t)

	src, err := sess.RegisterSource(ctx, "GitHub", "github.com")
	require.NoError(t, err)
	_, err = sess.RegisterRepositories(ctx, []model.Repository{{SourceID: src, Owner: "o", Name: "root", URL: "https://github.com/o/root"}})
	require.NoError(t, err)
	pending, err := sess.PendingRepositories(ctx, "GitHub", model.Forks)
	require.NoError(t, err)
	root := pending[0].Entity

	n, err := sess.InsertForks(ctx, root.ID, []model.Fork{{Owner: "a", Name: "root"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err = sess.PendingRepositories(ctx, "GitHub", model.Forks)
	require.NoError(t, err)
	require.Len(t, pending, 2, "forking repository was registered")
	var fork model.Entity
	for _, p := range pending {
		if p.Owner == "a" {
			fork = p.Entity
		}
	}
	n, err = sess.InsertForks(ctx, fork.ID, []model.Fork{{Owner: "b", Name: "root"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	added, err := sess.ExtendForkRanks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), added)
	added, err = sess.ExtendForkRanks(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)

	count, err := sess.Count(ctx, root, model.Forks)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only direct forks are counted")
}

func TestIdentities(t *testing.T) {
	ctx := context.Background()
	_, sess := openTestStore(t)

	login, err := sess.EnsureLoginIdentity(ctx, "octocat")
	require.NoError(t, err)
	again, err := sess.EnsureLoginIdentity(ctx, "octocat")
	require.NoError(t, err)
	assert.Equal(t, login, again)

	other, err := sess.EnsureLoginIdentity(ctx, "octo-alt")
	require.NoError(t, err)
	require.NoError(t, sess.MergeIdentities(ctx, login, other, "alt account"))
	require.NoError(t, sess.MergeIdentities(ctx, other, login, "alt account"))

	err = sess.MergeIdentities(ctx, login, 4242, "missing")
	assert.ErrorIs(t, err, store.ErrUnknownIdentity)

	logins, err := sess.PendingLogins(ctx, model.Followers)
	require.NoError(t, err)
	assert.Len(t, logins, 2)
}

func TestURLsAndClones(t *testing.T) {
	ctx := context.Background()
	_, sess := openTestStore(t)

	src, err := sess.RegisterSource(ctx, "GitHub", "github.com")
	require.NoError(t, err)
	n, err := sess.AddURLs(ctx, []string{"github.com/a/b", "github.com/a/b"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, sess.SetCleanedURLs(ctx, []model.URL{{Raw: "github.com/a/b", Cleaned: "https://github.com/a/b", SourceRootID: src}}))
	urls, err := sess.URLs(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, urls)

	_, err = sess.RegisterRepositories(ctx, []model.Repository{{SourceID: src, Owner: "a", Name: "b", URL: "https://github.com/a/b"}})
	require.NoError(t, err)
	targets, err := sess.CloneTargets(ctx, "GitHub", model.CloneNeverAttempted)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "github.com", targets[0].URLRoot)

	require.NoError(t, sess.RecordDownload(ctx, targets[0].RepoID, true, time.Now()))
	targets, err = sess.CloneTargets(ctx, "", model.CloneNotCloned)
	require.NoError(t, err)
	assert.Empty(t, targets)
}
