// internal/credentials/keys.go
package credentials

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"repo-crawler/internal/github"
)

// LoadTokens reads API tokens from a file with one `token#comment` entry per line and
// appends the optional environment token. A missing file is not an error: the crawler
// then runs with anonymous access only. Duplicates are removed, file order is kept.
func LoadTokens(path, envToken string) ([]string, error) {
	var tokens []string
	seen := make(map[string]bool)
	add := func(tok string) {
		tok = strings.TrimSpace(tok)
		if tok == "" || seen[tok] {
			return
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}

	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("open api keys file: %w", err)
		default:
			defer f.Close()
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				tok, _, _ := strings.Cut(scanner.Text(), "#")
				add(tok)
			}
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("read api keys file: %w", err)
			}
		}
	}

	add(envToken)
	return tokens, nil
}

// Credential is one API key (or anonymous access) with the client bound to it.
type Credential struct {
	Label string
	API   github.API
}

// Dialer builds the API client for a token; an empty token means anonymous access.
type Dialer func(token string) (github.API, error)

// Pool is the validated set of credentials shared by all workers of a process.
type Pool struct {
	creds     []*Credential
	threshold int
	failFast  bool
	logger    *slog.Logger
}

// PoolOptions configures the rotation behavior.
type PoolOptions struct {
	// Threshold is the minimum remaining quota a credential must keep to be yielded.
	Threshold int
	// FailFast returns QuotaExhaustedError instead of sleeping until a reset.
	FailFast bool
}

// NewPool checks every token against the upstream API and drops the rejected ones.
// Anonymous access is always appended as the lowest priority credential.
func NewPool(ctx context.Context, tokens []string, dial Dialer, opts PoolOptions, logger *slog.Logger) (*Pool, error) {
	p := &Pool{
		threshold: opts.Threshold,
		failFast:  opts.FailFast,
		logger:    logger,
	}

	for _, tok := range tokens {
		api, err := dial(tok)
		if err != nil {
			return nil, fmt.Errorf("create api client: %w", err)
		}
		label := mask(tok)
		if _, err := api.RateLimit(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			logger.Info("API key not valid, dropping it", "key", label, "length", len(tok), "error", err)
			continue
		}
		p.creds = append(p.creds, &Credential{Label: label, API: api})
	}

	anon, err := dial("")
	if err != nil {
		return nil, fmt.Errorf("create anonymous api client: %w", err)
	}
	p.creds = append(p.creds, &Credential{Label: "anonymous", API: anon})

	logger.Info("Credential pool ready", "credentials", len(p.creds), "threshold", p.threshold, "fail_fast", p.failFast)
	return p, nil
}

// Credentials returns the pool's credentials in priority order.
func (p *Pool) Credentials() []*Credential {
	return p.creds
}

// NewRotator returns a rotator with its own cursor over the pool.
func (p *Pool) NewRotator() *Rotator {
	return newRotator(p.creds, p.threshold, p.failFast, p.logger)
}

func mask(token string) string {
	if len(token) <= 5 {
		return "*****"
	}
	return token[:5] + "..."
}
