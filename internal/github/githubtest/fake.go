// Package githubtest provides an in-memory github.API for tests.
package githubtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	custom_errors "repo-crawler/internal/errors"
	"repo-crawler/internal/github"
	"repo-crawler/internal/model"
)

// Fake serves collections from memory. It is safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	Remaining int
	Reset     time.Time

	Stars     map[string][]model.Star
	Forks     map[string][]model.Fork
	Followers map[string][]model.Follower
	// Authors maps "owner/name@sha" to the commit author login; "" is a commit without
	// linked account.
	Authors map[string]string
	// Missing lists repositories ("owner/name") and logins that do not exist.
	Missing map[string]bool

	// RateLimitNext makes the next n collection calls fail with a RateLimitedError.
	RateLimitNext int
	// OnList runs before each collection page is served.
	OnList func(page int)

	calls map[string]int
	pages []int
}

var _ github.API = (*Fake)(nil)

// New returns a fake with a large quota.
func New() *Fake {
	return &Fake{
		Remaining: 5000,
		Reset:     time.Now().Add(time.Hour),
		Stars:     make(map[string][]model.Star),
		Forks:     make(map[string][]model.Fork),
		Followers: make(map[string][]model.Follower),
		Authors:   make(map[string]string),
		Missing:   make(map[string]bool),
		calls:     make(map[string]int),
	}
}

// SetRemaining changes the reported quota.
func (f *Fake) SetRemaining(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Remaining = n
}

// Calls returns how many times op was called.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Pages returns the collection pages requested, in order.
func (f *Fake) Pages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pages...)
}

func (f *Fake) RateLimit(context.Context) (model.Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["rate_limit"]++
	return model.Quota{Remaining: f.Remaining, Limit: 5000, Reset: f.Reset}, nil
}

func (f *Fake) GetRepository(_ context.Context, owner, name string) (*model.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_repository"]++
	if f.Missing[owner+"/"+name] {
		return nil, fmt.Errorf("get repository %s/%s: %w", owner, name, custom_errors.ErrNotFound)
	}
	return &model.Repository{Owner: owner, Name: name, URL: "https://github.com/" + owner + "/" + name}, nil
}

func (f *Fake) GetUser(_ context.Context, login string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_user"]++
	if f.Missing[login] {
		return "", fmt.Errorf("get user %s: %w", login, custom_errors.ErrNotFound)
	}
	return login, nil
}

func page[T any](items []T, page, perPage int) []T {
	start := page * perPage
	if start >= len(items) {
		return []T{}
	}
	end := min(start+perPage, len(items))
	return append([]T(nil), items[start:end]...)
}

// list records the call and returns a non-nil error for injected failures.
func (f *Fake) list(op, key string, p int) error {
	f.calls[op]++
	f.pages = append(f.pages, p)
	if f.RateLimitNext > 0 {
		f.RateLimitNext--
		return &custom_errors.RateLimitedError{Reset: time.Now().Add(time.Hour)}
	}
	if f.Missing[key] {
		return fmt.Errorf("%s %s: %w", op, key, custom_errors.ErrNotFound)
	}
	return nil
}

func (f *Fake) onList(p int) {
	if f.OnList != nil {
		f.OnList(p)
	}
}

func (f *Fake) ListStargazers(_ context.Context, owner, name string, p, perPage int) ([]model.Star, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.list("list_stargazers", owner+"/"+name, p); err != nil {
		return nil, err
	}
	f.onList(p)
	return page(f.Stars[owner+"/"+name], p, perPage), nil
}

func (f *Fake) ListForks(_ context.Context, owner, name string, p, perPage int) ([]model.Fork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.list("list_forks", owner+"/"+name, p); err != nil {
		return nil, err
	}
	f.onList(p)
	return page(f.Forks[owner+"/"+name], p, perPage), nil
}

func (f *Fake) ListFollowers(_ context.Context, login string, p, perPage int) ([]model.Follower, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.list("list_followers", login, p); err != nil {
		return nil, err
	}
	f.onList(p)
	return page(f.Followers[login], p, perPage), nil
}

func (f *Fake) GetCommitAuthorLogin(_ context.Context, owner, name, sha string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get_commit"]++
	if f.RateLimitNext > 0 {
		f.RateLimitNext--
		return "", false, &custom_errors.RateLimitedError{Reset: time.Now().Add(time.Hour)}
	}
	login, ok := f.Authors[owner+"/"+name+"@"+sha]
	if !ok {
		return "", false, fmt.Errorf("get commit %s: %w", sha, custom_errors.ErrNotFound)
	}
	return login, login != "", nil
}

// Stargazers builds n stars with logins prefix0..prefix(n-1).
func Stargazers(prefix string, n int) []model.Star {
	stars := make([]model.Star, n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range stars {
		stars[i] = model.Star{Login: fmt.Sprintf("%s%d", prefix, i), StarredAt: base.Add(time.Duration(i) * time.Hour)}
	}
	return stars
}
