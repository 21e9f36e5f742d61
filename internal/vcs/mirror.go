// internal/vcs/mirror.go
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"

	custom_errors "repo-crawler/internal/errors"
	"repo-crawler/internal/metrics"
	"repo-crawler/internal/model"
	"repo-crawler/internal/scheduler"
)

// Options configures a Mirror.
type Options struct {
	// Root is the folder holding the working copies, laid out as Root/source/owner/name.
	Root string
	// URL builds the remote URL of a target. Defaults to https://{url_root}/{owner}/{name}.
	URL func(t model.CloneTarget) string
	// Update fetches working copies that already exist.
	Update bool
}

// Mirror keeps local working copies of repositories.
type Mirror struct {
	root   string
	url    func(t model.CloneTarget) string
	update bool
	logger *slog.Logger
	now    func() time.Time
}

// NewMirror creates a new Mirror instance.
func NewMirror(opts Options, logger *slog.Logger) *Mirror {
	url := opts.URL
	if url == nil {
		url = HTTPSURL
	}
	return &Mirror{
		root:   opts.Root,
		url:    url,
		update: opts.Update,
		logger: logger,
		now:    time.Now,
	}
}

// HTTPSURL is the default remote of a clone target.
func HTTPSURL(t model.CloneTarget) string {
	return "https://" + t.URLRoot + "/" + t.Owner + "/" + t.Name
}

// Path returns the working copy folder of a target.
func (m *Mirror) Path(t model.CloneTarget) string {
	return filepath.Join(m.root, t.Source, t.Owner, t.Name)
}

// Clone creates the working copy of t. A partially written folder is removed on failure.
func (m *Mirror) Clone(ctx context.Context, t model.CloneTarget) error {
	path := m.Path(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create clone folder: %w", err)
	}
	_, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{URL: m.url(t)})
	if err != nil {
		_ = os.RemoveAll(path)
		return &custom_errors.TransportError{Op: "clone " + t.Owner + "/" + t.Name, Err: err}
	}
	return nil
}

// Fetch updates the remote branches of an existing working copy.
func (m *Mirror) Fetch(ctx context.Context, t model.CloneTarget) error {
	repo, err := git.PlainOpen(m.Path(t))
	if err != nil {
		return fmt.Errorf("open %s: %w", m.Path(t), err)
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: git.DefaultRemoteName})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return &custom_errors.TransportError{Op: "fetch " + t.Owner + "/" + t.Name, Err: err}
	}
	return nil
}

// HeadTime returns the committer time of the HEAD commit of a working copy.
func (m *Mirror) HeadTime(t model.CloneTarget) (time.Time, error) {
	repo, err := git.PlainOpen(m.Path(t))
	if err != nil {
		return time.Time{}, fmt.Errorf("open %s: %w", m.Path(t), err)
	}
	ref, err := repo.Head()
	if err != nil {
		return time.Time{}, fmt.Errorf("read head of %s: %w", m.Path(t), err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return time.Time{}, fmt.Errorf("read head commit of %s: %w", m.Path(t), err)
	}
	return commit.Committer.When, nil
}

func (m *Mirror) exists(t model.CloneTarget) bool {
	_, err := os.Stat(m.Path(t))
	return err == nil
}

// Task records one download attempt per target. Missing working copies are cloned.
// Existing ones are fetched in update mode; otherwise their attempt is dated at their
// HEAD commit time. Git failures are recorded as failed attempts, store failures
// abort the run.
func (m *Mirror) Task() scheduler.Task[model.CloneTarget] {
	return func(ctx context.Context, w *scheduler.Worker, t model.CloneTarget) error {
		logger := m.logger.With("source", t.Source, "owner", t.Owner, "repo", t.Name, "worker", w.ID)
		gitCtx := context.WithoutCancel(ctx)

		var (
			at  time.Time
			err error
		)
		switch {
		case !m.exists(t):
			logger.Info("Cloning repository")
			err = m.Clone(gitCtx, t)
			at = m.now()
		case m.update:
			logger.Info("Fetching repository")
			err = m.Fetch(gitCtx, t)
			at = m.now()
		default:
			at, err = m.HeadTime(t)
			if err != nil {
				at = m.now()
			}
		}
		if err != nil {
			logger.Warn("Download failed", "error", err)
		}
		metrics.ObserveOutcome("clones", outcome(err))

		if err := w.Session.RecordDownload(gitCtx, t.RepoID, err == nil, at); err != nil {
			return fmt.Errorf("record download of %s/%s: %w", t.Owner, t.Name, err)
		}
		return nil
	}
}

func outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "exhausted"
}
