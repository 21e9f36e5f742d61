// internal/identity/attribution.go
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	custom_errors "repo-crawler/internal/errors"
	"repo-crawler/internal/metrics"
	"repo-crawler/internal/model"
	"repo-crawler/internal/scheduler"
	"repo-crawler/internal/store"
)

// MergeReason is the audit reason recorded when a commit links an email to a login.
func MergeReason(sha string) string {
	return "Email/login match through github API for commit " + sha
}

// Attributor links commit author identities to GitHub logins through the commit API.
type Attributor struct {
	logger *slog.Logger
}

// NewAttributor creates a new Attributor instance.
func NewAttributor(logger *slog.Logger) *Attributor {
	return &Attributor{logger: logger}
}

// Select filters attribution candidates through the policy, keeping store order.
func Select(candidates []model.AttributionCandidate, p model.Policy, now time.Time) []model.AttributionCandidate {
	var out []model.AttributionCandidate
	for _, c := range candidates {
		if p.Wants(c.Last, now) {
			out = append(out, c)
		}
	}
	return out
}

// Task adapts Attribute to the scheduler.
func (a *Attributor) Task() scheduler.Task[model.AttributionCandidate] {
	return func(ctx context.Context, w *scheduler.Worker, c model.AttributionCandidate) error {
		found, err := a.Attribute(ctx, w, c)
		status := "not_found"
		switch {
		case err != nil:
			status = "failed"
		case found:
			status = "exhausted"
		}
		metrics.ObserveOutcome(string(model.Login), status)
		return err
	}
}

// Attribute reads the author login of the candidate's latest commit. When GitHub links
// the commit to an account, the login identity is created if needed and merged with
// the candidate identity. The login ledger row records whether a login was found.
//
// Only store failures and fail-fast quota exhaustion are returned.
func (a *Attributor) Attribute(ctx context.Context, w *scheduler.Worker, c model.AttributionCandidate) (bool, error) {
	logger := a.logger.With("identity_id", c.IdentityID, "owner", c.Owner, "repo", c.Name, "sha", c.SHA, "worker", w.ID)
	callCtx := context.WithoutCancel(ctx)

	var (
		login string
		found bool
	)
	for {
		cred, err := w.Rotator.Next(ctx)
		if err != nil {
			return false, a.noCredential(ctx, callCtx, w, c, logger, err)
		}
		login, found, err = cred.API.GetCommitAuthorLogin(callCtx, c.Owner, c.Name, c.SHA)
		if err == nil {
			break
		}
		var rl *custom_errors.RateLimitedError
		if errors.As(err, &rl) {
			w.Rotator.Penalize(cred, rl.Reset)
			continue
		}
		if errors.Is(err, custom_errors.ErrNotFound) {
			logger.Info("Commit not found upstream", "error", err)
		} else {
			logger.Warn("Failed to read commit author", "error", err)
		}
		return false, a.record(callCtx, w, c, false)
	}

	if !found {
		logger.Debug("Commit has no linked GitHub account")
		return false, a.record(callCtx, w, c, false)
	}

	err := w.Session.InTx(callCtx, func(q store.Querier) error {
		loginID, err := q.EnsureLoginIdentity(callCtx, login)
		if err != nil {
			return fmt.Errorf("ensure login %s: %w", login, err)
		}
		if err := q.MergeIdentities(callCtx, c.IdentityID, loginID, MergeReason(c.SHA)); err != nil {
			return fmt.Errorf("merge identity %d with login %s: %w", c.IdentityID, login, err)
		}
		return q.RecordAttempt(callCtx, c.Entity(), model.Login, true)
	})
	if err != nil {
		return false, fmt.Errorf("attribute identity %d: %w", c.IdentityID, err)
	}
	logger.Info("Attributed identity to login", "login", login)
	return true, nil
}

func (a *Attributor) record(ctx context.Context, w *scheduler.Worker, c model.AttributionCandidate, success bool) error {
	if err := store.RecordAttemptTx(ctx, w.Session, c.Entity(), model.Login, success); err != nil {
		return fmt.Errorf("record login attempt of identity %d: %w", c.IdentityID, err)
	}
	return nil
}

func (a *Attributor) noCredential(ctx, callCtx context.Context, w *scheduler.Worker, c model.AttributionCandidate, logger *slog.Logger, err error) error {
	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		logger.Info("Interrupted while waiting for a credential")
		return nil
	case custom_errors.IsQuotaExhausted(err):
		return err
	}
	logger.Warn("No credential could be checked", "error", err)
	return a.record(callCtx, w, c, false)
}
