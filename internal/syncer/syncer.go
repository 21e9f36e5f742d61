// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	custom_errors "repo-crawler/internal/errors"
	"repo-crawler/internal/metrics"
	"repo-crawler/internal/model"
	"repo-crawler/internal/scheduler"
	"repo-crawler/internal/store"
)

const (
	// DefaultPerPage is the page size requested from the API.
	DefaultPerPage = 100
)

// Outcome is the terminal state of one entity synchronization.
type Outcome int

const (
	// Exhausted means every remote record is stored; a success ledger row was written.
	Exhausted Outcome = iota
	// Failed means the entity could not be synchronized; a failure ledger row was
	// written unless an error is returned with it.
	Failed
	// Interrupted means the run was cancelled between two pages; no ledger row.
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case Exhausted:
		return "exhausted"
	case Failed:
		return "failed"
	case Interrupted:
		return "interrupted"
	}
	return "unknown"
}

// Options configures a Syncer.
type Options struct {
	PerPage int
	// WriteJitter is the base random delay before each write on stores that
	// serialize writers, when several workers run.
	WriteJitter time.Duration
}

// Syncer orchestrates the fetching and storing of paginated collections.
type Syncer struct {
	perPage int
	jitter  time.Duration
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(opts Options, logger *slog.Logger) *Syncer {
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	return &Syncer{
		perPage: perPage,
		jitter:  opts.WriteJitter,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Task adapts Sync to the scheduler. Per-entity failures are logged and recorded;
// only store failures and fail-fast quota exhaustion abort the run.
func Task[R any](s *Syncer, coll Collection[R]) scheduler.Task[model.Entity] {
	return func(ctx context.Context, w *scheduler.Worker, e model.Entity) error {
		outcome, err := Sync(ctx, s, w, coll, e)
		metrics.ObserveOutcome(string(coll.Name), outcome.String())
		return err
	}
}

// Sync brings the stored records of one collection of an entity up to date with the
// upstream API, resuming from the stored count. Each page is stored in its own
// transaction. Cancellation of ctx is only observed between pages: the page in
// flight is always finished and stored.
func Sync[R any](ctx context.Context, s *Syncer, w *scheduler.Worker, coll Collection[R], e model.Entity) (Outcome, error) {
	logger := s.logger.With("collection", string(coll.Name), "entity", e.String(), "worker", w.ID)
	pageCtx := context.WithoutCancel(ctx)

	cred, err := w.Rotator.Next(ctx)
	if err != nil {
		return s.noCredential(ctx, pageCtx, w, coll.Name, e, logger, err)
	}

	for {
		err := coll.Resolve(pageCtx, cred.API, e)
		if err == nil {
			break
		}
		var rl *custom_errors.RateLimitedError
		if !errors.As(err, &rl) {
			return s.fail(pageCtx, w, coll.Name, e, logger, err)
		}
		w.Rotator.Penalize(cred, rl.Reset)
		if cred, err = w.Rotator.Next(ctx); err != nil {
			return s.noCredential(ctx, pageCtx, w, coll.Name, e, logger, err)
		}
	}

	have, err := coll.Count(pageCtx, w.Session, e)
	if err != nil {
		return Failed, fmt.Errorf("count %s of %s: %w", coll.Name, e, err)
	}
	page := have / s.perPage
	// walking switches from count-derived pages to an explicit cursor, once a page
	// that should have added records added none.
	walking := false
	logger.Info("Syncing collection", "stored", have, "page", page)

	for {
		if ctx.Err() != nil {
			logger.Info("Interrupted between pages", "page", page, "stored", have)
			return Interrupted, nil
		}

		ok, err := w.Rotator.HasQuota(pageCtx, cred)
		if err != nil {
			logger.Warn("Failed to re-check credential quota", "credential", cred.Label, "error", err)
		}
		if !ok {
			if cred, err = w.Rotator.Next(ctx); err != nil {
				return s.noCredential(ctx, pageCtx, w, coll.Name, e, logger, err)
			}
		}

		items, err := coll.FetchPage(pageCtx, cred.API, e, page, s.perPage)
		if err != nil {
			var rl *custom_errors.RateLimitedError
			if errors.As(err, &rl) {
				w.Rotator.Penalize(cred, rl.Reset)
				continue
			}
			return s.fail(pageCtx, w, coll.Name, e, logger, err)
		}

		if !walking && have >= s.perPage*page+len(items) {
			return s.exhausted(pageCtx, w, coll.Name, e, logger, have)
		}

		if err := s.stagger(pageCtx, w); err != nil {
			return Failed, err
		}
		var inserted int64
		err = w.Session.InTx(pageCtx, func(q store.Querier) error {
			var err error
			inserted, err = coll.Insert(pageCtx, q, e, items)
			return err
		})
		if err != nil {
			return Failed, fmt.Errorf("store %s page %d of %s: %w", coll.Name, page, e, err)
		}
		metrics.ObservePage(string(coll.Name), inserted)
		logger.Debug("Stored page", "page", page, "fetched", len(items), "inserted", inserted)

		if len(items) < s.perPage {
			return s.exhausted(pageCtx, w, coll.Name, e, logger, have+int(inserted))
		}

		switch {
		case walking:
			have += int(inserted)
			page++
		case inserted == 0:
			logger.Warn("Page added no records although new ones were expected, walking pages forward",
				"page", page, "stored", have)
			walking = true
			page++
		default:
			if have, err = coll.Count(pageCtx, w.Session, e); err != nil {
				return Failed, fmt.Errorf("count %s of %s: %w", coll.Name, e, err)
			}
			page = have / s.perPage
		}
	}
}

func (s *Syncer) exhausted(pageCtx context.Context, w *scheduler.Worker, coll model.Collection, e model.Entity, logger *slog.Logger, stored int) (Outcome, error) {
	if err := store.RecordAttemptTx(pageCtx, w.Session, e, coll, true); err != nil {
		return Failed, fmt.Errorf("record attempt of %s: %w", e, err)
	}
	logger.Info("Filled collection", "stored", stored)
	return Exhausted, nil
}

func (s *Syncer) fail(pageCtx context.Context, w *scheduler.Worker, coll model.Collection, e model.Entity, logger *slog.Logger, cause error) (Outcome, error) {
	if errors.Is(cause, custom_errors.ErrNotFound) {
		logger.Info("Entity not found upstream", "error", cause)
	} else {
		logger.Warn("Failed to sync collection", "error", cause)
	}
	if err := store.RecordAttemptTx(pageCtx, w.Session, e, coll, false); err != nil {
		return Failed, fmt.Errorf("record failed attempt of %s: %w", e, err)
	}
	return Failed, nil
}

// noCredential handles a rotator that could not hand out a credential: cancelled
// while waiting for a reset, fail-fast exhaustion, or unreadable quotas.
func (s *Syncer) noCredential(ctx, pageCtx context.Context, w *scheduler.Worker, coll model.Collection, e model.Entity, logger *slog.Logger, err error) (Outcome, error) {
	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		logger.Info("Interrupted while waiting for a credential")
		return Interrupted, nil
	case custom_errors.IsQuotaExhausted(err):
		return Interrupted, err
	}
	return s.fail(pageCtx, w, coll, e, logger, err)
}

// stagger sleeps a random delay in [jitter, 2*jitter) before a write, to smooth
// contention on stores that let a single writer in.
func (s *Syncer) stagger(ctx context.Context, w *scheduler.Worker) error {
	if !w.Jitter || s.jitter <= 0 {
		return nil
	}
	return s.sleep(ctx, s.jitter+rand.N(s.jitter))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RepoIdentifier holds the owner and name of a repository.
type RepoIdentifier struct {
	Owner string
	Name  string
}

// ParseRepoIdentifiers parses 'owner/name' strings.
func ParseRepoIdentifiers(repos []string) ([]RepoIdentifier, error) {
	var identifiers []RepoIdentifier
	for _, r := range repos {
		parts := strings.Split(r, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, &custom_errors.ErrInvalidRepoFormat{Repo: r}
		}
		identifiers = append(identifiers, RepoIdentifier{Owner: parts[0], Name: parts[1]})
	}
	return identifiers, nil
}

// OnlyRepositories keeps the entities named in ids. An empty ids keeps everything.
func OnlyRepositories(entities []model.Entity, ids []RepoIdentifier) []model.Entity {
	if len(ids) == 0 {
		return entities
	}
	wanted := make(map[RepoIdentifier]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []model.Entity
	for _, e := range entities {
		if wanted[RepoIdentifier{Owner: e.Owner, Name: e.Name}] {
			out = append(out, e)
		}
	}
	return out
}
