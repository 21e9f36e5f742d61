// internal/store/memory/memory.go
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"repo-crawler/internal/forkgraph"
	"repo-crawler/internal/model"
	"repo-crawler/internal/store"
)

// LedgerRow is one row of the in-memory sync ledger.
type LedgerRow struct {
	RepoID     int64
	IdentityID int64
	Collection model.Collection
	Success    bool
	At         time.Time
}

// Merge is one audited identity merge.
type Merge struct {
	MainUserID      int64
	SecondaryUserID int64
	Identity1       int64
	Identity2       int64
	Reason          string
}

// Download is one recorded clone or fetch attempt.
type Download struct {
	RepoID  int64
	Success bool
	At      time.Time
}

type repoKey struct {
	source      int64
	owner, name string
}

type identityKey struct {
	typ, value string
}

type forkKey struct {
	forking, forked int64
}

type commit struct {
	id       int64
	sha      string
	repoID   int64
	authorID int64
	at       time.Time
}

type url struct {
	raw     string
	cleaned string
	rootID  int64
}

// Store is a mutex-guarded in-memory backend. Transactions are not isolated and
// have no rollback: a failed InTx keeps the writes that happened before the error.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	nextID int64

	sources    []model.Source
	repos      map[int64]*model.Repository
	repoIndex  map[repoKey]int64
	identities map[int64]*model.Identity
	identIndex map[identityKey]int64
	users      int64
	merges     []Merge
	commits    []commit
	stars      map[int64][]model.Star
	starIndex  map[int64]map[string]bool
	forks      map[forkKey]model.ForkEdge
	followers  map[int64][]string
	followIdx  map[int64]map[string]bool
	ledger     []LedgerRow
	urls       []*url
	urlIndex   map[string]*url
	downloads  []Download
}

var _ store.Store = (*Store)(nil)
var _ store.Session = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:        time.Now,
		repos:      make(map[int64]*model.Repository),
		repoIndex:  make(map[repoKey]int64),
		identities: make(map[int64]*model.Identity),
		identIndex: make(map[identityKey]int64),
		stars:      make(map[int64][]model.Star),
		starIndex:  make(map[int64]map[string]bool),
		forks:      make(map[forkKey]model.ForkEdge),
		followers:  make(map[int64][]string),
		followIdx:  make(map[int64]map[string]bool),
		urlIndex:   make(map[string]*url),
	}
}

// SetClock replaces the time source used for ledger rows.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Acquire(context.Context) (store.Session, error) { return s, nil }
func (s *Store) Ping(context.Context) error                     { return nil }
func (s *Store) SerializedWrites() bool                          { return false }
func (s *Store) Close()                                          {}
func (s *Store) Release()                                        {}

func (s *Store) InTx(ctx context.Context, fn func(q store.Querier) error) error {
	return fn(s)
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) sourceByName(name string) (model.Source, bool) {
	for _, src := range s.sources {
		if src.Name == name {
			return src, true
		}
	}
	return model.Source{}, false
}

func (s *Store) sourceByID(id int64) (model.Source, bool) {
	for _, src := range s.sources {
		if src.ID == id {
			return src, true
		}
	}
	return model.Source{}, false
}

// lastEntry returns the latest ledger row matching the predicate.
func (s *Store) lastEntry(match func(LedgerRow) bool, id int64) *model.LedgerEntry {
	for i := len(s.ledger) - 1; i >= 0; i-- {
		row := s.ledger[i]
		if match(row) {
			return &model.LedgerEntry{EntityID: id, Collection: row.Collection, Success: row.Success, At: row.At}
		}
	}
	return nil
}

func sortPending(p []model.PendingEntity) {
	sort.SliceStable(p, func(i, j int) bool {
		a, b := p[i].Last, p[j].Last
		switch {
		case a == nil && b == nil:
			return p[i].ID < p[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case !a.At.Equal(b.At):
			return a.At.Before(b.At)
		}
		return p[i].ID < p[j].ID
	})
}

func (s *Store) PendingRepositories(_ context.Context, source string, coll model.Collection) ([]model.PendingEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sourceByName(source)
	if !ok {
		return nil, nil
	}
	var out []model.PendingEntity
	for _, r := range s.repos {
		if r.SourceID != src.ID {
			continue
		}
		id := r.ID
		last := s.lastEntry(func(row LedgerRow) bool {
			return row.RepoID == id && row.Collection == coll
		}, id)
		out = append(out, model.PendingEntity{
			Entity: model.Entity{ID: id, Kind: model.RepositoryEntity, Source: src.Name, Owner: r.Owner, Name: r.Name},
			Last:   last,
		})
	}
	sortPending(out)
	return out, nil
}

func (s *Store) PendingLogins(_ context.Context, coll model.Collection) ([]model.PendingEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PendingEntity
	for _, ident := range s.identities {
		if ident.Type != model.GithubLogin {
			continue
		}
		id := ident.ID
		last := s.lastEntry(func(row LedgerRow) bool {
			return row.IdentityID == id && row.Collection == coll
		}, id)
		out = append(out, model.PendingEntity{
			Entity: model.Entity{ID: id, Kind: model.LoginEntity, Source: model.GithubLogin, Login: ident.Value},
			Last:   last,
		})
	}
	sortPending(out)
	return out, nil
}

func (s *Store) PendingAttributions(_ context.Context, source string) ([]model.AttributionCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sourceByName(source)
	if !ok {
		return nil, nil
	}
	hasLogin := make(map[int64]bool)
	for _, ident := range s.identities {
		if ident.Type == model.GithubLogin {
			hasLogin[ident.UserID] = true
		}
	}

	var out []model.AttributionCandidate
	for _, ident := range s.identities {
		if ident.Type == model.GithubLogin || hasLogin[ident.UserID] {
			continue
		}
		var latest *commit
		for i := range s.commits {
			c := &s.commits[i]
			repo, ok := s.repos[c.repoID]
			if c.authorID != ident.ID || !ok || repo.SourceID != src.ID {
				continue
			}
			if latest == nil || c.at.After(latest.at) || (c.at.Equal(latest.at) && c.id > latest.id) {
				latest = c
			}
		}
		if latest == nil {
			continue
		}
		repo := s.repos[latest.repoID]
		id := ident.ID
		out = append(out, model.AttributionCandidate{
			IdentityID: id,
			RepoID:     repo.ID,
			Owner:      repo.Owner,
			Name:       repo.Name,
			SHA:        latest.sha,
			Last: s.lastEntry(func(row LedgerRow) bool {
				return row.IdentityID == id && row.Collection == model.Login
			}, id),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}

func (s *Store) RecordAttempt(_ context.Context, entity model.Entity, coll model.Collection, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := LedgerRow{Collection: coll, Success: success, At: s.now()}
	if entity.Kind == model.LoginEntity {
		row.IdentityID = entity.ID
	} else {
		row.RepoID = entity.ID
	}
	s.ledger = append(s.ledger, row)
	return nil
}

func (s *Store) Count(_ context.Context, entity model.Entity, coll model.Collection) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch coll {
	case model.Stars:
		return len(s.stars[entity.ID]), nil
	case model.Forks:
		n := 0
		for k, e := range s.forks {
			if k.forked == entity.ID && e.Rank == 1 {
				n++
			}
		}
		return n, nil
	case model.Followers:
		return len(s.followers[entity.ID]), nil
	}
	return 0, fmt.Errorf("count: unsupported collection %q", coll)
}

func (s *Store) InsertStars(_ context.Context, repoID int64, stars []model.Star) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := s.starIndex[repoID]
	if seen == nil {
		seen = make(map[string]bool)
		s.starIndex[repoID] = seen
	}
	var n int64
	for _, st := range stars {
		if seen[st.Login] {
			continue
		}
		seen[st.Login] = true
		s.stars[repoID] = append(s.stars[repoID], st)
		n++
	}
	return n, nil
}

func (s *Store) InsertForks(_ context.Context, repoID int64, forks []model.Fork) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.repos[repoID]
	if !ok {
		return 0, fmt.Errorf("insert forks: unknown repository %d", repoID)
	}
	src, _ := s.sourceByID(parent.SourceID)

	var n int64
	for _, f := range forks {
		forking := s.registerRepository(model.Repository{
			SourceID: parent.SourceID,
			Owner:    f.Owner,
			Name:     f.Name,
			URL:      "https://" + src.URLRoot + "/" + f.FullName(),
		})
		if forking.ID == repoID {
			continue
		}
		key := forkKey{forking: forking.ID, forked: repoID}
		if existing, ok := s.forks[key]; ok && existing.Rank == 1 {
			continue
		}
		s.forks[key] = model.ForkEdge{
			ForkingRepoID:  forking.ID,
			ForkedRepoID:   repoID,
			ForkingRepoURL: forking.URL,
			ForkedAt:       f.ForkedAt,
			Rank:           1,
		}
		n++
	}
	return n, nil
}

func (s *Store) InsertFollowers(_ context.Context, identityID int64, followers []model.Follower) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := s.followIdx[identityID]
	if seen == nil {
		seen = make(map[string]bool)
		s.followIdx[identityID] = seen
	}
	var n int64
	for _, f := range followers {
		if seen[f.Login] {
			continue
		}
		seen[f.Login] = true
		s.followers[identityID] = append(s.followers[identityID], f.Login)
		n++
	}
	return n, nil
}

func (s *Store) ExtendForkRanks(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range forkgraph.NextLayer(s.forkEdges()) {
		s.forks[forkKey{forking: e.ForkingRepoID, forked: e.ForkedRepoID}] = e
		n++
	}
	return n, nil
}

func (s *Store) forkEdges() []model.ForkEdge {
	edges := make([]model.ForkEdge, 0, len(s.forks))
	for _, e := range s.forks {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].ForkingRepoID != edges[j].ForkingRepoID {
			return edges[i].ForkingRepoID < edges[j].ForkingRepoID
		}
		return edges[i].ForkedRepoID < edges[j].ForkedRepoID
	})
	return edges
}

func (s *Store) EnsureLoginIdentity(_ context.Context, login string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureIdentity(model.GithubLogin, login), nil
}

func (s *Store) ensureIdentity(typ, value string) int64 {
	key := identityKey{typ: typ, value: value}
	if id, ok := s.identIndex[key]; ok {
		return id
	}
	s.users++
	id := s.id()
	s.identities[id] = &model.Identity{ID: id, UserID: s.users, Type: typ, Value: value}
	s.identIndex[key] = id
	return id
}

func (s *Store) MergeIdentities(_ context.Context, a, b int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ia, ok := s.identities[a]
	if !ok {
		return fmt.Errorf("merge identities %d: %w", a, store.ErrUnknownIdentity)
	}
	ib, ok := s.identities[b]
	if !ok {
		return fmt.Errorf("merge identities %d: %w", b, store.ErrUnknownIdentity)
	}
	ua, ub := ia.UserID, ib.UserID
	if ua == ub {
		return nil
	}
	for _, ident := range s.identities {
		if ident.UserID == ub {
			ident.UserID = ua
		}
	}
	s.merges = append(s.merges, Merge{
		MainUserID:      ua,
		SecondaryUserID: ub,
		Identity1:       a,
		Identity2:       b,
		Reason:          reason,
	})
	return nil
}

func (s *Store) RegisterSource(_ context.Context, name, urlRoot string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, src := range s.sources {
		if src.Name == name {
			s.sources[i].URLRoot = urlRoot
			return src.ID, nil
		}
	}
	id := s.id()
	s.sources = append(s.sources, model.Source{ID: id, Name: name, URLRoot: urlRoot})
	return id, nil
}

func (s *Store) Sources(context.Context) ([]model.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Source(nil), s.sources...), nil
}

func (s *Store) AddURLs(_ context.Context, raw []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range raw {
		if _, ok := s.urlIndex[r]; ok || r == "" {
			continue
		}
		u := &url{raw: r}
		s.urls = append(s.urls, u)
		s.urlIndex[r] = u
		n++
	}
	return n, nil
}

func (s *Store) URLs(_ context.Context, all bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, u := range s.urls {
		if all || u.cleaned == "" {
			out = append(out, u.raw)
		}
	}
	return out, nil
}

func (s *Store) SetCleanedURLs(_ context.Context, urls []model.URL) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range urls {
		u, ok := s.urlIndex[in.Raw]
		if !ok {
			continue
		}
		u.cleaned = in.Cleaned
		u.rootID = in.SourceRootID
	}
	return nil
}

func (s *Store) RegisterRepositories(_ context.Context, repos []model.Repository) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range repos {
		if _, ok := s.repoIndex[repoKey{source: r.SourceID, owner: r.Owner, name: r.Name}]; ok {
			continue
		}
		s.registerRepository(r)
		n++
	}
	return n, nil
}

func (s *Store) registerRepository(r model.Repository) *model.Repository {
	key := repoKey{source: r.SourceID, owner: r.Owner, name: r.Name}
	if id, ok := s.repoIndex[key]; ok {
		return s.repos[id]
	}
	src, _ := s.sourceByID(r.SourceID)
	r.ID = s.id()
	r.Source = src.Name
	s.repos[r.ID] = &r
	s.repoIndex[key] = r.ID
	return &r
}

func (s *Store) CloneTargets(_ context.Context, source string, opt model.CloneOption) ([]model.CloneTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempted := make(map[int64]bool)
	for _, d := range s.downloads {
		attempted[d.RepoID] = true
	}

	var out []model.CloneTarget
	for _, r := range s.repos {
		src, _ := s.sourceByID(r.SourceID)
		if src.URLRoot == "" || (source != "" && src.Name != source) {
			continue
		}
		switch opt {
		case model.CloneNeverAttempted:
			if attempted[r.ID] {
				continue
			}
		case model.CloneNotCloned:
			if r.Cloned {
				continue
			}
		}
		out = append(out, model.CloneTarget{RepoID: r.ID, Source: src.Name, URLRoot: src.URLRoot, Owner: r.Owner, Name: r.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RepoID < out[j].RepoID })
	return out, nil
}

func (s *Store) RecordDownload(_ context.Context, repoID int64, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.downloads = append(s.downloads, Download{RepoID: repoID, Success: success, At: at})
	if r, ok := s.repos[repoID]; ok && success {
		r.Cloned = true
	}
	return nil
}
