// internal/credentials/rotator_test.go
package credentials

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "repo-crawler/internal/errors"
	"repo-crawler/internal/github"
	"repo-crawler/internal/model"
)

// quotaAPI is a github.API whose only working call is RateLimit.
type quotaAPI struct {
	github.API
	remaining int
	reset     time.Time
	err       error
	calls     int
}

func (q *quotaAPI) RateLimit(context.Context) (model.Quota, error) {
	q.calls++
	if q.err != nil {
		return model.Quota{}, q.err
	}
	return model.Quota{Remaining: q.remaining, Limit: 5000, Reset: q.reset}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRotator(threshold int, failFast bool, apis ...*quotaAPI) *Rotator {
	creds := make([]*Credential, len(apis))
	for i, a := range apis {
		creds[i] = &Credential{Label: string(rune('a' + i)), API: a}
	}
	return newRotator(creds, threshold, failFast, discardLogger())
}

func TestRotator_StaysOnUsableCredential(t *testing.T) {
	a := &quotaAPI{remaining: 100}
	b := &quotaAPI{remaining: 100}
	r := testRotator(50, false, a, b)

	for i := 0; i < 3; i++ {
		cred, err := r.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a", cred.Label)
	}
	assert.Equal(t, 0, b.calls)
}

func TestRotator_MovesOnWhenBelowThreshold(t *testing.T) {
	a := &quotaAPI{remaining: 100}
	b := &quotaAPI{remaining: 100}
	r := testRotator(50, false, a, b)

	cred, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", cred.Label)

	a.remaining = 50 // at threshold is not usable
	cred, err = r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", cred.Label)

	// cursor stays on b even once a recovers
	a.remaining = 5000
	cred, err = r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", cred.Label)
}

func TestRotator_SkipsCredentialsWithFailingQuotaReads(t *testing.T) {
	a := &quotaAPI{err: errors.New("connection reset")}
	b := &quotaAPI{remaining: 80}
	r := testRotator(50, false, a, b)

	cred, err := r.Next(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "b", cred.Label)
}

func TestRotator_FailFast(t *testing.T) {
	reset := time.Now().Add(10 * time.Minute)
	a := &quotaAPI{remaining: 3, reset: reset.Add(time.Minute)}
	b := &quotaAPI{remaining: 0, reset: reset}
	r := testRotator(50, true, a, b)

	_, err := r.Next(context.Background())

	var qe *custom_errors.QuotaExhaustedError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 2, qe.Credentials)
	assert.True(t, qe.Reset.Equal(reset), "reports the earliest reset")
}

func TestRotator_SleepsUntilEarliestReset(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	a := &quotaAPI{remaining: 0, reset: now.Add(20 * time.Minute)}
	b := &quotaAPI{remaining: 10, reset: now.Add(5 * time.Minute)}
	r := testRotator(50, false, a, b)
	r.now = func() time.Time { return now }

	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		b.remaining = 5000 // b reset while we slept
		return nil
	}

	cred, err := r.Next(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "b", cred.Label)
	assert.Equal(t, []time.Duration{5*time.Minute + resetMargin}, slept)
}

func TestRotator_SleepHonorsCancellation(t *testing.T) {
	a := &quotaAPI{remaining: 0, reset: time.Now().Add(time.Hour)}
	r := testRotator(50, false, a)
	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepCtx(ctx, d)
	}

	_, err := r.Next(ctx)

	assert.ErrorIs(t, err, context.Canceled)
}

// For any sequence of quota observations, a yielded credential was above the threshold
// at the time it was yielded.
func TestRotator_NeverYieldsBelowThreshold(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	apis := []*quotaAPI{{}, {}, {}}
	r := testRotator(50, true, apis...)

	for i := 0; i < 500; i++ {
		for _, a := range apis {
			a.remaining = rng.Intn(120)
			a.reset = time.Now().Add(time.Minute)
		}
		cred, err := r.Next(context.Background())
		if err != nil {
			assert.True(t, custom_errors.IsQuotaExhausted(err))
			continue
		}
		assert.Greater(t, cred.API.(*quotaAPI).remaining, 50)
	}
}

func TestLoadTokens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "github_api_keys.txt")
	content := "ghp_first#personal\n\nghp_second # ci bot\nghp_first#dup\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	tokens, err := LoadTokens(path, "ghp_env")

	require.NoError(t, err)
	assert.Equal(t, []string{"ghp_first", "ghp_second", "ghp_env"}, tokens)
}

func TestLoadTokens_MissingFileIsAnonymous(t *testing.T) {
	tokens, err := LoadTokens(filepath.Join(t.TempDir(), "nope.txt"), "")

	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestNewPool_DropsInvalidAndAppendsAnonymous(t *testing.T) {
	apis := map[string]*quotaAPI{
		"ghp_good1": {remaining: 5000},
		"ghp_bad00": {err: errors.New("401 Bad credentials")},
		"":          {remaining: 60},
	}
	dial := func(tok string) (github.API, error) { return apis[tok], nil }

	pool, err := NewPool(context.Background(), []string{"ghp_good1", "ghp_bad00"}, dial,
		PoolOptions{Threshold: 50}, discardLogger())

	require.NoError(t, err)
	creds := pool.Credentials()
	require.Len(t, creds, 2)
	assert.Equal(t, "ghp_g...", creds[0].Label)
	assert.Equal(t, "anonymous", creds[1].Label, "anonymous access has the lowest priority")

	cred, err := pool.NewRotator().Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ghp_g...", cred.Label)
}

func TestRotator_PenalizedCredentialIsSkippedUntilReset(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	a := &quotaAPI{remaining: 4000}
	b := &quotaAPI{remaining: 4000}
	r := testRotator(50, false, a, b)
	r.now = func() time.Time { return now }

	first, err := r.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", first.Label)

	r.Penalize(first, now.Add(time.Minute))
	ok, err := r.HasQuota(context.Background(), first)
	require.NoError(t, err)
	assert.False(t, ok)

	cred, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", cred.Label)

	now = now.Add(2 * time.Minute)
	r.cursor = 0
	cred, err = r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", cred.Label, "penalty expired")
}

func TestRotator_AllPenalizedWaitsForEarliestPenalty(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	a := &quotaAPI{remaining: 4000}
	r := testRotator(50, false, a)
	r.now = func() time.Time { return now }
	r.Penalize(r.creds[0], now.Add(30*time.Second))

	var slept time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		now = now.Add(d)
		return nil
	}

	cred, err := r.Next(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "a", cred.Label)
	assert.Equal(t, 30*time.Second+resetMargin, slept)
}
