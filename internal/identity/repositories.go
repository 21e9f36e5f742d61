// internal/identity/repositories.go
package identity

import (
	"context"
	"fmt"
	"log/slog"

	custom_errors "repo-crawler/internal/errors"
	"repo-crawler/internal/model"
	"repo-crawler/internal/repourl"
	"repo-crawler/internal/store"
)

// RegisterOptions configures RegisterRepositories.
type RegisterOptions struct {
	// All re-cleans URLs that were already cleaned.
	All bool
}

// RegisterRepositories cleans the stored URLs against every source url root, records
// the canonical forms and registers one repository per recognized URL. URLs with a
// critical syntax error are logged and skipped. It returns the number of newly
// registered repositories.
func RegisterRepositories(ctx context.Context, s store.Store, opts RegisterOptions, logger *slog.Logger) (int64, error) {
	var registered int64
	err := store.WithSession(ctx, s, func(sess store.Session) error {
		sources, err := sess.Sources(ctx)
		if err != nil {
			return fmt.Errorf("list sources: %w", err)
		}
		raw, err := sess.URLs(ctx, opts.All)
		if err != nil {
			return fmt.Errorf("list urls: %w", err)
		}
		logger.Info("Cleaning repository urls", "urls", len(raw), "sources", len(sources))

		cleaner := repourl.NewCleaner(sources)
		var (
			urls    []model.URL
			repos   []model.Repository
			skipped int
		)
		seen := make(map[string]bool)
		for _, r := range raw {
			cleaned, src, ok, err := cleaner.Clean(r)
			if err != nil {
				if custom_errors.IsCriticalSyntax(err) {
					logger.Warn("Skipping repository url", "url", r, "error", err)
					skipped++
					continue
				}
				return fmt.Errorf("clean url %q: %w", r, err)
			}
			if !ok {
				urls = append(urls, model.URL{Raw: r})
				continue
			}
			urls = append(urls, model.URL{Raw: r, Cleaned: cleaned, SourceRootID: src.ID})
			if seen[cleaned] {
				continue
			}
			seen[cleaned] = true
			owner, name := repourl.Split(cleaned)
			repos = append(repos, model.Repository{SourceID: src.ID, Source: src.Name, Owner: owner, Name: name, URL: cleaned})
		}

		return sess.InTx(ctx, func(q store.Querier) error {
			if err := q.SetCleanedURLs(ctx, urls); err != nil {
				return fmt.Errorf("store cleaned urls: %w", err)
			}
			n, err := q.RegisterRepositories(ctx, repos)
			if err != nil {
				return fmt.Errorf("register repositories: %w", err)
			}
			registered = n
			logger.Info("Registered repositories", "recognized", len(repos), "new", n, "skipped", skipped)
			return nil
		})
	})
	return registered, err
}
