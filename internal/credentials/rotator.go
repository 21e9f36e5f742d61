// internal/credentials/rotator.go
package credentials

import (
	"context"
	"errors"
	"log/slog"
	"time"

	custom_errors "repo-crawler/internal/errors"
	"repo-crawler/internal/metrics"
)

// resetMargin is added to the earliest reset time before retrying.
const resetMargin = time.Second

// Rotator yields credentials round-robin, checking the live remaining quota of each
// before handing it out. It holds no lock on the credentials: quota is consumed by
// callers, possibly from other rotators, so it is always re-read from the API.
//
// A Rotator is owned by one worker and is not safe for concurrent use.
type Rotator struct {
	creds     []*Credential
	threshold int
	failFast  bool
	cursor    int
	logger    *slog.Logger

	// penalties holds credentials refused by the API until the given time, even
	// though their reported quota looked fine.
	penalties map[*Credential]time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newRotator(creds []*Credential, threshold int, failFast bool, logger *slog.Logger) *Rotator {
	return &Rotator{
		creds:     creds,
		threshold: threshold,
		failFast:  failFast,
		logger:    logger,
		penalties: make(map[*Credential]time.Time),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Next returns a credential whose live remaining quota is above the threshold. The
// current credential keeps being returned while it stays usable. When a full round
// finds none, it either fails fast or sleeps until the earliest reset and retries.
func (r *Rotator) Next(ctx context.Context) (*Credential, error) {
	if len(r.creds) == 0 {
		return nil, &custom_errors.QuotaExhaustedError{Threshold: r.threshold}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var earliest time.Time
		var lastErr error
		for i := 0; i < len(r.creds); i++ {
			idx := (r.cursor + i) % len(r.creds)
			cred := r.creds[idx]

			if until, ok := r.penalties[cred]; ok {
				if r.now().Before(until) {
					if earliest.IsZero() || until.Before(earliest) {
						earliest = until
					}
					continue
				}
				delete(r.penalties, cred)
			}

			quota, err := cred.API.RateLimit(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil, err
				}
				r.logger.Warn("Failed to read credential quota", "credential", cred.Label, "error", err)
				lastErr = err
				continue
			}
			metrics.ObserveQuota(cred.Label, quota.Remaining)
			r.logger.Debug("Checking credential", "credential", cred.Label, "remaining", quota.Remaining)

			if quota.Remaining > r.threshold {
				r.cursor = idx
				return cred, nil
			}
			if earliest.IsZero() || quota.Reset.Before(earliest) {
				earliest = quota.Reset
			}
		}

		if earliest.IsZero() {
			// Every quota read failed: nothing tells us when to come back.
			return nil, lastErr
		}
		if r.failFast {
			return nil, &custom_errors.QuotaExhaustedError{
				Credentials: len(r.creds),
				Threshold:   r.threshold,
				Reset:       earliest,
			}
		}

		wait := earliest.Sub(r.now()) + resetMargin
		if wait < resetMargin {
			wait = resetMargin
		}
		r.logger.Info("Waiting for reset of at least one credential", "sleep", wait.Round(time.Second).String())
		metrics.ObserveQuotaWait(wait)
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// Penalize takes cred out of rotation until the given time. It is used when the API
// rate-limited a call although the credential's quota was above the threshold.
func (r *Rotator) Penalize(cred *Credential, until time.Time) {
	if !until.After(r.now()) {
		until = r.now().Add(resetMargin)
	}
	r.penalties[cred] = until
	r.logger.Info("Credential rate limited, rotating", "credential", cred.Label, "until", until.Format(time.RFC3339))
}

// HasQuota reports whether cred is still above the threshold, reading its live quota.
func (r *Rotator) HasQuota(ctx context.Context, cred *Credential) (bool, error) {
	if until, ok := r.penalties[cred]; ok && r.now().Before(until) {
		return false, nil
	}
	quota, err := cred.API.RateLimit(ctx)
	if err != nil {
		return false, err
	}
	metrics.ObserveQuota(cred.Label, quota.Remaining)
	return quota.Remaining > r.threshold, nil
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
