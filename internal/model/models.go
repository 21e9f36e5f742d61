// internal/model/models.go
package model

import (
	"fmt"
	"time"
)

// Collection names one category of paginated remote data attached to an entity.
// The value doubles as the table_name recorded in the sync ledger.
type Collection string

const (
	Stars     Collection = "stars"
	Forks     Collection = "forks"
	Followers Collection = "followers"
	Login     Collection = "login"
)

// GithubLogin is the identity type name used for GitHub logins.
const GithubLogin = "github_login"

// EntityKind distinguishes the two crawl units.
type EntityKind int

const (
	RepositoryEntity EntityKind = iota
	LoginEntity
)

// Entity is one crawl unit: a repository identified by (source, owner, name) or a
// login identity identified by (source, login).
type Entity struct {
	ID     int64
	Kind   EntityKind
	Source string
	Owner  string
	Name   string
	Login  string
}

// FullName returns owner/name for repositories and the login for logins.
func (e Entity) FullName() string {
	if e.Kind == LoginEntity {
		return e.Login
	}
	return e.Owner + "/" + e.Name
}

func (e Entity) String() string {
	return fmt.Sprintf("%s:%s", e.Source, e.FullName())
}

// LedgerEntry is one completed synchronization attempt for an entity/collection pair.
type LedgerEntry struct {
	EntityID   int64
	Collection Collection
	Success    bool
	At         time.Time
}

// PendingEntity is an entity together with its latest ledger entry, if any.
type PendingEntity struct {
	Entity
	Last *LedgerEntry
}

// Quota is the live rate-limit status of one credential.
type Quota struct {
	Remaining int
	Limit     int
	Reset     time.Time
}

// Source is a registered origin of repositories or URLs. URLRoot is empty for
// sources that are not code hosts (package lists, URL fillers).
type Source struct {
	ID      int64
	Name    string
	URLRoot string
}

// URL is a raw repository URL with its canonical form, when one of the registered
// url roots recognized it.
type URL struct {
	Raw          string
	Cleaned      string
	SourceRootID int64
}

// Repository is a repository registered in the store.
type Repository struct {
	ID       int64
	SourceID int64
	Source   string
	Owner    string
	Name     string
	URL      string
	Cloned   bool
}

// FullName returns owner/name.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Star is one stargazer of a repository.
type Star struct {
	StarredAt time.Time
	Login     string
}

// Fork is one direct fork of a repository, identified by the forking repository.
type Fork struct {
	Owner    string
	Name     string
	ForkedAt time.Time
}

// FullName returns owner/name of the forking repository.
func (f Fork) FullName() string {
	return f.Owner + "/" + f.Name
}

// Follower is one follower of a login.
type Follower struct {
	Login string
}

// ForkEdge is one materialized fork relation; Rank 1 is a direct fork, Rank k a
// fork-of-fork chain of length k.
type ForkEdge struct {
	ForkingRepoID  int64
	ForkedRepoID   int64
	ForkingRepoURL string
	ForkedAt       time.Time
	Rank           int
}

// Identity is one email, login or other handle belonging to a user.
type Identity struct {
	ID     int64
	UserID int64
	Type   string
	Value  string
}

// AttributionCandidate is an identity without a known GitHub login, with the latest
// commit it authored and its latest login ledger entry.
type AttributionCandidate struct {
	IdentityID int64
	RepoID     int64
	Owner      string
	Name       string
	SHA        string
	Last       *LedgerEntry
}

// Entity returns the ledger entity of the candidate identity.
func (c AttributionCandidate) Entity() Entity {
	return Entity{ID: c.IdentityID, Kind: LoginEntity}
}

// CloneTarget is a repository eligible for cloning or updating.
type CloneTarget struct {
	RepoID  int64
	Source  string
	URLRoot string
	Owner   string
	Name    string
}

// CloneOption selects which repositories are listed for cloning.
type CloneOption int

const (
	// CloneNeverAttempted lists repositories without any download attempt.
	CloneNeverAttempted CloneOption = iota
	// CloneNotCloned lists repositories without a successful download attempt.
	CloneNotCloned
	// CloneAll lists every repository of a source with a url root.
	CloneAll
)
