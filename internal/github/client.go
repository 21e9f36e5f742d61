// internal/github/client.go
package github

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	custom_errors "repo-crawler/internal/errors"
	"repo-crawler/internal/model"
)

const (
	// maxRetries bounds attempts on transient server errors.
	maxRetries = 3
	// retryDelay is the initial delay between retries, doubled each attempt.
	retryDelay = 500 * time.Millisecond
	// requestTimeout bounds a single API round trip.
	requestTimeout = 30 * time.Second
)

// API is the upstream access used by the crawler. Pages are zero-based.
type API interface {
	RateLimit(ctx context.Context) (model.Quota, error)
	GetRepository(ctx context.Context, owner, name string) (*model.Repository, error)
	GetUser(ctx context.Context, login string) (string, error)
	ListStargazers(ctx context.Context, owner, name string, page, perPage int) ([]model.Star, error)
	ListForks(ctx context.Context, owner, name string, page, perPage int) ([]model.Fork, error)
	ListFollowers(ctx context.Context, login string, page, perPage int) ([]model.Follower, error)
	GetCommitAuthorLogin(ctx context.Context, owner, name, sha string) (string, bool, error)
}

// Options configures a Client.
type Options struct {
	// BaseURL overrides the API endpoint (GitHub Enterprise, tests).
	BaseURL string
	// RequestsPerSecond throttles calls proactively. Zero disables throttling.
	RequestsPerSecond float64
}

// Client is a wrapper around the go-github client bound to one credential.
type Client struct {
	gh      *github.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a Client. An empty token gives anonymous access.
func NewClient(token string, opts Options, logger *slog.Logger) (*Client, error) {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		httpClient = oauth2.NewClient(context.Background(), ts)
	} else {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = requestTimeout
	return newClient(httpClient, opts, logger)
}

func newClient(httpClient *http.Client, opts Options, logger *slog.Logger) (*Client, error) {
	gh := github.NewClient(httpClient)
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, err
		}
		gh.BaseURL = u
	}

	limit := rate.Limit(opts.RequestsPerSecond)
	if opts.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}

	return &Client{
		gh:      gh,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}, nil
}

// RateLimit reads the live core quota of the credential. The call itself is free.
func (c *Client) RateLimit(ctx context.Context) (model.Quota, error) {
	var limits *github.RateLimits
	err := c.do(ctx, "rate limit", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		limits, resp, err = c.gh.RateLimit.Get(ctx)
		return resp, err
	})
	if err != nil {
		return model.Quota{}, err
	}
	core := limits.GetCore()
	if core == nil {
		return model.Quota{}, &custom_errors.TransportError{Op: "rate limit", Err: errors.New("missing core rate")}
	}
	return model.Quota{
		Remaining: core.Remaining,
		Limit:     core.Limit,
		Reset:     core.Reset.Time,
	}, nil
}

// GetRepository resolves a repository. Renamed repositories resolve to their new name.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*model.Repository, error) {
	var repo *github.Repository
	err := c.do(ctx, "get repository", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		repo, resp, err = c.gh.Repositories.Get(ctx, owner, name)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return toInternalRepository(repo), nil
}

// GetUser resolves a login and returns its current spelling.
func (c *Client) GetUser(ctx context.Context, login string) (string, error) {
	var user *github.User
	err := c.do(ctx, "get user", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		user, resp, err = c.gh.Users.Get(ctx, login)
		return resp, err
	})
	if err != nil {
		return "", err
	}
	return user.GetLogin(), nil
}

// ListStargazers fetches one page of stargazers with their starring date.
func (c *Client) ListStargazers(ctx context.Context, owner, name string, page, perPage int) ([]model.Star, error) {
	var gazers []*github.Stargazer
	opts := &github.ListOptions{Page: page + 1, PerPage: perPage}
	err := c.do(ctx, "list stargazers", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		gazers, resp, err = c.gh.Activity.ListStargazers(ctx, owner, name, opts)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	stars := make([]model.Star, 0, len(gazers))
	for _, g := range gazers {
		stars = append(stars, model.Star{
			StarredAt: g.GetStarredAt().Time,
			Login:     g.GetUser().GetLogin(),
		})
	}
	return stars, nil
}

// ListForks fetches one page of direct forks, oldest first so that pages stay stable.
func (c *Client) ListForks(ctx context.Context, owner, name string, page, perPage int) ([]model.Fork, error) {
	var repos []*github.Repository
	opts := &github.RepositoryListForksOptions{
		Sort:        "oldest",
		ListOptions: github.ListOptions{Page: page + 1, PerPage: perPage},
	}
	err := c.do(ctx, "list forks", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		repos, resp, err = c.gh.Repositories.ListForks(ctx, owner, name, opts)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	forks := make([]model.Fork, 0, len(repos))
	for _, r := range repos {
		forks = append(forks, model.Fork{
			Owner:    r.GetOwner().GetLogin(),
			Name:     r.GetName(),
			ForkedAt: r.GetCreatedAt().Time,
		})
	}
	return forks, nil
}

// ListFollowers fetches one page of followers of a login.
func (c *Client) ListFollowers(ctx context.Context, login string, page, perPage int) ([]model.Follower, error) {
	var users []*github.User
	opts := &github.ListOptions{Page: page + 1, PerPage: perPage}
	err := c.do(ctx, "list followers", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		users, resp, err = c.gh.Users.ListFollowers(ctx, login, opts)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	followers := make([]model.Follower, 0, len(users))
	for _, u := range users {
		followers = append(followers, model.Follower{Login: u.GetLogin()})
	}
	return followers, nil
}

// GetCommitAuthorLogin returns the GitHub login GitHub associated with a commit's
// author email. ok is false when the email is not linked to any account.
func (c *Client) GetCommitAuthorLogin(ctx context.Context, owner, name, sha string) (string, bool, error) {
	var commit *github.RepositoryCommit
	err := c.do(ctx, "get commit", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		commit, resp, err = c.gh.Repositories.GetCommit(ctx, owner, name, sha, nil)
		return resp, err
	})
	if err != nil {
		return "", false, err
	}
	login := commit.GetAuthor().GetLogin()
	return login, login != "", nil
}

// do runs one API call with proactive throttling, retrying transient server errors,
// and translates go-github errors to the crawler's error taxonomy.
func (c *Client) do(ctx context.Context, op string, call func() (*github.Response, error)) error {
	var err error
	delay := retryDelay
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return werr
		}

		var resp *github.Response
		resp, err = call()
		if err == nil {
			return nil
		}
		if !retryable(resp, err) || attempt == maxRetries {
			break
		}

		c.logger.Debug("Retrying GitHub API call", "op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return translate(op, err)
}

func retryable(resp *github.Response, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rlErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rlErr) || errors.As(err, &abuseErr) {
		return false
	}
	if resp == nil || resp.Response == nil {
		return true
	}
	return resp.StatusCode >= http.StatusInternalServerError
}

func translate(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rlErr *github.RateLimitError
	if errors.As(err, &rlErr) {
		return &custom_errors.RateLimitedError{Reset: rlErr.Rate.Reset.Time}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &custom_errors.RateLimitedError{Reset: time.Now().Add(abuseErr.GetRetryAfter())}
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusGone, http.StatusUnavailableForLegalReasons, http.StatusUnprocessableEntity:
			return &notFoundError{op: op, err: err}
		}
	}
	return &custom_errors.TransportError{Op: op, Err: err}
}

type notFoundError struct {
	op  string
	err error
}

func (e *notFoundError) Error() string {
	return e.op + ": " + e.err.Error()
}

func (e *notFoundError) Is(target error) bool {
	return target == custom_errors.ErrNotFound
}

func (e *notFoundError) Unwrap() error {
	return e.err
}

// toInternalRepository translates a github.Repository object to our internal model.Repository.
func toInternalRepository(r *github.Repository) *model.Repository {
	return &model.Repository{
		Owner: r.GetOwner().GetLogin(),
		Name:  r.GetName(),
		URL:   r.GetHTMLURL(),
	}
}
