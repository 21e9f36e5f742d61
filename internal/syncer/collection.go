// internal/syncer/collection.go
package syncer

import (
	"context"

	"repo-crawler/internal/github"
	"repo-crawler/internal/model"
	"repo-crawler/internal/store"
)

// Collection is the strategy for one paginated collection attached to an entity.
// The sync loop is the same for every collection; only these four steps differ.
type Collection[R any] struct {
	Name model.Collection
	// Resolve checks that the entity still exists upstream.
	Resolve func(ctx context.Context, api github.API, e model.Entity) error
	// FetchPage returns the zero-based page of the collection.
	FetchPage func(ctx context.Context, api github.API, e model.Entity, page, perPage int) ([]R, error)
	// Count returns how many records are already stored for the entity.
	Count func(ctx context.Context, q store.Querier, e model.Entity) (int, error)
	// Insert stores the records that are not stored yet and returns how many it added.
	Insert func(ctx context.Context, q store.Querier, e model.Entity, items []R) (int64, error)
}

func resolveRepository(ctx context.Context, api github.API, e model.Entity) error {
	_, err := api.GetRepository(ctx, e.Owner, e.Name)
	return err
}

func resolveLogin(ctx context.Context, api github.API, e model.Entity) error {
	_, err := api.GetUser(ctx, e.Login)
	return err
}

func countOf(coll model.Collection) func(context.Context, store.Querier, model.Entity) (int, error) {
	return func(ctx context.Context, q store.Querier, e model.Entity) (int, error) {
		return q.Count(ctx, e, coll)
	}
}

// Stars is the stargazers collection of a repository.
func Stars() Collection[model.Star] {
	return Collection[model.Star]{
		Name:    model.Stars,
		Resolve: resolveRepository,
		FetchPage: func(ctx context.Context, api github.API, e model.Entity, page, perPage int) ([]model.Star, error) {
			return api.ListStargazers(ctx, e.Owner, e.Name, page, perPage)
		},
		Count: countOf(model.Stars),
		Insert: func(ctx context.Context, q store.Querier, e model.Entity, items []model.Star) (int64, error) {
			return q.InsertStars(ctx, e.ID, items)
		},
	}
}

// Forks is the direct forks collection of a repository. Forking repositories are
// registered in the parent's source as a side effect.
func Forks() Collection[model.Fork] {
	return Collection[model.Fork]{
		Name:    model.Forks,
		Resolve: resolveRepository,
		FetchPage: func(ctx context.Context, api github.API, e model.Entity, page, perPage int) ([]model.Fork, error) {
			return api.ListForks(ctx, e.Owner, e.Name, page, perPage)
		},
		Count: countOf(model.Forks),
		Insert: func(ctx context.Context, q store.Querier, e model.Entity, items []model.Fork) (int64, error) {
			return q.InsertForks(ctx, e.ID, items)
		},
	}
}

// Followers is the followers collection of a login.
func Followers() Collection[model.Follower] {
	return Collection[model.Follower]{
		Name:    model.Followers,
		Resolve: resolveLogin,
		FetchPage: func(ctx context.Context, api github.API, e model.Entity, page, perPage int) ([]model.Follower, error) {
			return api.ListFollowers(ctx, e.Login, page, perPage)
		},
		Count: countOf(model.Followers),
		Insert: func(ctx context.Context, q store.Querier, e model.Entity, items []model.Follower) (int64, error) {
			return q.InsertFollowers(ctx, e.ID, items)
		},
	}
}
