// internal/store/memory/seed.go
package memory

import (
	"sort"
	"time"

	"repo-crawler/internal/model"
)

// AddRepository registers a repository in the source with the given id.
func (s *Store) AddRepository(sourceID int64, owner, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, _ := s.sourceByID(sourceID)
	return s.registerRepository(model.Repository{
		SourceID: sourceID,
		Owner:    owner,
		Name:     name,
		URL:      "https://" + src.URLRoot + "/" + owner + "/" + name,
	}).ID
}

// AddIdentity creates an identity of the given type with its own user.
func (s *Store) AddIdentity(typ, value string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureIdentity(typ, value)
}

// AddCommit records a commit authored by an identity.
func (s *Store) AddCommit(sha string, repoID, authorID int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, commit{id: s.id(), sha: sha, repoID: repoID, authorID: authorID, at: at})
}

// AddForkEdge stores an edge as is.
func (s *Store) AddForkEdge(e model.ForkEdge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forks[forkKey{forking: e.ForkingRepoID, forked: e.ForkedRepoID}] = e
}

// Repository looks a repository up by source id, owner and name.
func (s *Store) Repository(sourceID int64, owner, name string) (model.Repository, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.repoIndex[repoKey{source: sourceID, owner: owner, name: name}]
	if !ok {
		return model.Repository{}, false
	}
	return *s.repos[id], true
}

// Identity returns a copy of an identity.
func (s *Store) Identity(id int64) (model.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[id]
	if !ok {
		return model.Identity{}, false
	}
	return *ident, true
}

// Stars returns the stargazers of a repository in insertion order.
func (s *Store) Stars(repoID int64) []model.Star {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Star(nil), s.stars[repoID]...)
}

// Followers returns the follower logins of an identity in insertion order.
func (s *Store) Followers(identityID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.followers[identityID]...)
}

// ForkEdges returns every fork edge ordered by (forking, forked).
func (s *Store) ForkEdges() []model.ForkEdge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forkEdges()
}

// Ledger returns the ledger rows in insertion order.
func (s *Store) Ledger() []LedgerRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LedgerRow(nil), s.ledger...)
}

// Merges returns the merge audit rows.
func (s *Store) Merges() []Merge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Merge(nil), s.merges...)
}

// Downloads returns the recorded download attempts.
func (s *Store) Downloads() []Download {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Download(nil), s.downloads...)
}

// CleanedURLs returns raw -> cleaned for every cleaned URL.
func (s *Store) CleanedURLs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	for _, u := range s.urls {
		if u.cleaned != "" {
			out[u.raw] = u.cleaned
		}
	}
	return out
}

// Repositories returns every repository ordered by id.
func (s *Store) Repositories() []model.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Repository, 0, len(s.repos))
	for _, r := range s.repos {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
