// internal/repourl/format.go
package repourl

import (
	"strings"

	custom_errors "repo-crawler/internal/errors"
	"repo-crawler/internal/model"
)

// Format reduces a free-form repository URL to "owner/name" for the given url root
// (e.g. "github.com").
//
// It returns a *RepoSyntaxError when the URL does not reference the root, and a
// *CriticalSyntaxError when it does but owner or name is missing.
func Format(repo, root string) (string, error) {
	if root == "" || !strings.Contains(repo, root) {
		return "", &custom_errors.RepoSyntaxError{URL: repo, Root: root}
	}

	r := repo
	for _, prefix := range prefixes(root) {
		if strings.HasPrefix(r, prefix) {
			r = strings.TrimPrefix(r, prefix)
			break
		}
	}

	// Root still embedded: scp-like syntax, nested URLs, unknown schemes.
	if strings.Contains(r, root) {
		return "", &custom_errors.RepoSyntaxError{URL: repo, Root: root}
	}

	r = strings.ReplaceAll(r, "//", "/")
	r = strings.TrimSuffix(r, "/")
	r = strings.TrimPrefix(r, "/")
	r = strings.TrimSuffix(r, ".git")

	parts := strings.Split(r, "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	parsed := strings.Join(parts, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", &custom_errors.CriticalSyntaxError{URL: repo, Parsed: parsed}
	}
	return parsed, nil
}

// Clean returns the canonical https://{root}/{owner}/{name} form of a repository URL.
func Clean(repo, root string) (string, error) {
	r, err := Format(repo, root)
	if err != nil {
		return "", err
	}
	return "https://" + root + "/" + r, nil
}

func prefixes(root string) []string {
	return []string{
		root + "/",
		"www." + root + "/",
		"https://" + root + "/",
		"http://" + root + "/",
		"https://www." + root + "/",
		"http://www." + root + "/",
	}
}

// Cleaner probes a URL against every registered url root.
type Cleaner struct {
	roots []model.Source
}

// NewCleaner keeps the sources that have a url root, in the given order.
func NewCleaner(sources []model.Source) *Cleaner {
	c := &Cleaner{}
	for _, s := range sources {
		if s.URLRoot != "" {
			c.roots = append(c.roots, s)
		}
	}
	return c
}

// Clean returns the canonical URL and the matching source. ok is false when no root
// recognized the URL. A critical syntax error stops the probing and is returned.
func (c *Cleaner) Clean(raw string) (cleaned string, source model.Source, ok bool, err error) {
	for _, s := range c.roots {
		cleaned, err := Clean(raw, s.URLRoot)
		if err == nil {
			return cleaned, s, true, nil
		}
		if custom_errors.IsSyntax(err) {
			continue
		}
		return "", model.Source{}, false, err
	}
	return "", model.Source{}, false, nil
}

// Split returns owner and name of a canonical URL produced by Clean.
func Split(cleaned string) (owner, name string) {
	parts := strings.Split(cleaned, "/")
	if len(parts) < 2 {
		return "", ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}
