// internal/store/store.go
package store

import (
	"context"
	"errors"
	"time"

	"repo-crawler/internal/model"
)

// ErrUnknownIdentity is returned by MergeIdentities when one of the identities does not exist.
var ErrUnknownIdentity = errors.New("unknown identity")

// Querier is the set of queries the crawler runs against its relational store.
// Every implementation is a plain set of statements: callers group them in
// transactions through Session.InTx.
type Querier interface {
	// PendingRepositories lists the repositories of a source with their latest ledger
	// entry for the collection, never-synced first, then oldest first.
	PendingRepositories(ctx context.Context, source string, coll model.Collection) ([]model.PendingEntity, error)
	// PendingLogins lists the github_login identities with their latest ledger entry.
	PendingLogins(ctx context.Context, coll model.Collection) ([]model.PendingEntity, error)
	// PendingAttributions lists identities whose user has no github_login identity,
	// each with its latest commit in a repository of the source.
	PendingAttributions(ctx context.Context, source string) ([]model.AttributionCandidate, error)
	// RecordAttempt appends one ledger row.
	RecordAttempt(ctx context.Context, entity model.Entity, coll model.Collection, success bool) error

	// Count returns the number of rows already stored for the entity and collection.
	Count(ctx context.Context, entity model.Entity, coll model.Collection) (int, error)
	InsertStars(ctx context.Context, repoID int64, stars []model.Star) (int64, error)
	// InsertForks registers the forking repositories in the parent's source and stores
	// the direct fork edges.
	InsertForks(ctx context.Context, repoID int64, forks []model.Fork) (int64, error)
	InsertFollowers(ctx context.Context, identityID int64, followers []model.Follower) (int64, error)
	// ExtendForkRanks runs one pass of the fork-graph closure and returns the number of
	// new edges.
	ExtendForkRanks(ctx context.Context) (int64, error)

	// EnsureLoginIdentity returns the github_login identity for login, creating it and
	// its user when missing.
	EnsureLoginIdentity(ctx context.Context, login string) (int64, error)
	// MergeIdentities moves every identity of b's user into a's user.
	MergeIdentities(ctx context.Context, a, b int64, reason string) error

	RegisterSource(ctx context.Context, name, urlRoot string) (int64, error)
	Sources(ctx context.Context) ([]model.Source, error)
	AddURLs(ctx context.Context, raw []string) (int64, error)
	// URLs returns raw URLs; only the ones never cleaned unless all is set.
	URLs(ctx context.Context, all bool) ([]string, error)
	SetCleanedURLs(ctx context.Context, urls []model.URL) error
	RegisterRepositories(ctx context.Context, repos []model.Repository) (int64, error)

	CloneTargets(ctx context.Context, source string, opt model.CloneOption) ([]model.CloneTarget, error)
	RecordDownload(ctx context.Context, repoID int64, success bool, at time.Time) error
}

// Session is one connection to the store, owned by a single worker.
type Session interface {
	Querier
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(q Querier) error) error
	// Release returns the session to its store.
	Release()
}

// Store is a connection pool over one backend.
type Store interface {
	Acquire(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
	// SerializedWrites reports whether the backend lets only one writer in at a time.
	SerializedWrites() bool
	Close()
}

// WithSession acquires a session, runs fn and releases the session.
func WithSession(ctx context.Context, s Store, fn func(Session) error) error {
	sess, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Release()
	return fn(sess)
}

// RecordAttemptTx appends one ledger row in its own transaction.
func RecordAttemptTx(ctx context.Context, sess Session, entity model.Entity, coll model.Collection, success bool) error {
	return sess.InTx(ctx, func(q Querier) error {
		return q.RecordAttempt(ctx, entity, coll, success)
	})
}
