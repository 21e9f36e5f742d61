// internal/store/postgres/queries.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"repo-crawler/internal/model"
	"repo-crawler/internal/store"
)

type queries struct {
	db dbtx
}

var _ store.Querier = (*queries)(nil)

// nullTime maps an unknown time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

const pendingRepositories = `
SELECT r.id, s.name, r.owner, r.name, tu.success, tu.updated_at
FROM repositories r
JOIN sources s ON s.id = r.source
LEFT JOIN LATERAL (
    SELECT success, updated_at FROM table_updates
    WHERE repo_id = r.id AND table_name = $2
    ORDER BY updated_at DESC, id DESC
    LIMIT 1
) tu ON true
WHERE s.name = $1
ORDER BY tu.updated_at ASC NULLS FIRST, r.id`

func (q *queries) PendingRepositories(ctx context.Context, source string, coll model.Collection) ([]model.PendingEntity, error) {
	rows, err := q.db.Query(ctx, pendingRepositories, source, string(coll))
	if err != nil {
		return nil, fmt.Errorf("pending repositories: %w", err)
	}
	defer rows.Close()

	var out []model.PendingEntity
	for rows.Next() {
		var p model.PendingEntity
		var success *bool
		var at *time.Time
		if err := rows.Scan(&p.ID, &p.Source, &p.Owner, &p.Name, &success, &at); err != nil {
			return nil, err
		}
		p.Kind = model.RepositoryEntity
		p.Last = ledgerEntry(p.ID, coll, success, at)
		out = append(out, p)
	}
	return out, rows.Err()
}

const pendingLogins = `
SELECT i.id, i.identity, tu.success, tu.updated_at
FROM identities i
JOIN identity_types it ON it.id = i.identity_type_id AND it.name = 'github_login'
LEFT JOIN LATERAL (
    SELECT success, updated_at FROM table_updates
    WHERE identity_id = i.id AND table_name = $1
    ORDER BY updated_at DESC, id DESC
    LIMIT 1
) tu ON true
ORDER BY tu.updated_at ASC NULLS FIRST, i.id`

func (q *queries) PendingLogins(ctx context.Context, coll model.Collection) ([]model.PendingEntity, error) {
	rows, err := q.db.Query(ctx, pendingLogins, string(coll))
	if err != nil {
		return nil, fmt.Errorf("pending logins: %w", err)
	}
	defer rows.Close()

	var out []model.PendingEntity
	for rows.Next() {
		var p model.PendingEntity
		var success *bool
		var at *time.Time
		if err := rows.Scan(&p.ID, &p.Login, &success, &at); err != nil {
			return nil, err
		}
		p.Kind = model.LoginEntity
		p.Source = model.GithubLogin
		p.Last = ledgerEntry(p.ID, coll, success, at)
		out = append(out, p)
	}
	return out, rows.Err()
}

const pendingAttributions = `
SELECT i.id, c.repo_id, c.owner, c.name, c.sha, tu.success, tu.updated_at
FROM identities i
JOIN identity_types it ON it.id = i.identity_type_id AND it.name <> 'github_login'
JOIN LATERAL (
    SELECT c.sha, c.repo_id, r.owner, r.name FROM commits c
    JOIN repositories r ON r.id = c.repo_id
    JOIN sources s ON s.id = r.source AND s.name = $1
    WHERE c.author_id = i.id
    ORDER BY c.created_at DESC, c.id DESC
    LIMIT 1
) c ON true
LEFT JOIN LATERAL (
    SELECT success, updated_at FROM table_updates
    WHERE identity_id = i.id AND table_name = 'login'
    ORDER BY updated_at DESC, id DESC
    LIMIT 1
) tu ON true
WHERE NOT EXISTS (
    SELECT 1 FROM identities gi
    JOIN identity_types git ON git.id = gi.identity_type_id AND git.name = 'github_login'
    WHERE gi.user_id = i.user_id
)
ORDER BY i.id`

func (q *queries) PendingAttributions(ctx context.Context, source string) ([]model.AttributionCandidate, error) {
	rows, err := q.db.Query(ctx, pendingAttributions, source)
	if err != nil {
		return nil, fmt.Errorf("pending attributions: %w", err)
	}
	defer rows.Close()

	var out []model.AttributionCandidate
	for rows.Next() {
		var c model.AttributionCandidate
		var success *bool
		var at *time.Time
		if err := rows.Scan(&c.IdentityID, &c.RepoID, &c.Owner, &c.Name, &c.SHA, &success, &at); err != nil {
			return nil, err
		}
		c.Last = ledgerEntry(c.IdentityID, model.Login, success, at)
		out = append(out, c)
	}
	return out, rows.Err()
}

func ledgerEntry(id int64, coll model.Collection, success *bool, at *time.Time) *model.LedgerEntry {
	if success == nil || at == nil {
		return nil
	}
	return &model.LedgerEntry{EntityID: id, Collection: coll, Success: *success, At: *at}
}

func (q *queries) RecordAttempt(ctx context.Context, entity model.Entity, coll model.Collection, success bool) error {
	column := "repo_id"
	if entity.Kind == model.LoginEntity {
		column = "identity_id"
	}
	_, err := q.db.Exec(ctx,
		`INSERT INTO table_updates (`+column+`, table_name, success) VALUES ($1, $2, $3)`,
		entity.ID, string(coll), success)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (q *queries) Count(ctx context.Context, entity model.Entity, coll model.Collection) (int, error) {
	var query string
	switch coll {
	case model.Stars:
		query = `SELECT count(*) FROM stars WHERE repo_id = $1`
	case model.Forks:
		query = `SELECT count(*) FROM forks WHERE forked_repo_id = $1 AND fork_rank = 1`
	case model.Followers:
		query = `SELECT count(*) FROM followers WHERE followee_id = $1`
	default:
		return 0, fmt.Errorf("count: unsupported collection %q", coll)
	}
	var n int
	if err := q.db.QueryRow(ctx, query, entity.ID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", coll, err)
	}
	return n, nil
}

const insertStars = `
INSERT INTO stars (repo_id, login, starred_at)
SELECT $1, s.login, s.starred_at
FROM unnest($2::text[], $3::timestamptz[]) AS s(login, starred_at)
ON CONFLICT DO NOTHING`

func (q *queries) InsertStars(ctx context.Context, repoID int64, stars []model.Star) (int64, error) {
	if len(stars) == 0 {
		return 0, nil
	}
	logins := make([]string, len(stars))
	starredAt := make([]*time.Time, len(stars))
	for i, s := range stars {
		logins[i] = s.Login
		starredAt[i] = nullTime(s.StarredAt)
	}
	tag, err := q.db.Exec(ctx, insertStars, repoID, logins, starredAt)
	if err != nil {
		return 0, fmt.Errorf("insert stars: %w", err)
	}
	return tag.RowsAffected(), nil
}

const registerForkingRepositories = `
INSERT INTO repositories (source, owner, name, url)
SELECT p.source, f.owner, f.name, 'https://' || s.url_root || '/' || f.owner || '/' || f.name
FROM repositories p
JOIN sources s ON s.id = p.source
CROSS JOIN unnest($2::text[], $3::text[]) AS f(owner, name)
WHERE p.id = $1
ON CONFLICT (source, owner, name) DO NOTHING`

const insertForks = `
INSERT INTO forks (forking_repo_id, forked_repo_id, forking_repo_url, forked_at, fork_rank)
SELECT fr.id, p.id, fr.url, f.forked_at, 1
FROM repositories p
CROSS JOIN unnest($2::text[], $3::text[], $4::timestamptz[]) AS f(owner, name, forked_at)
JOIN repositories fr ON fr.source = p.source AND fr.owner = f.owner AND fr.name = f.name
WHERE p.id = $1 AND fr.id <> p.id
ON CONFLICT (forking_repo_id, forked_repo_id) DO UPDATE SET fork_rank = 1
WHERE forks.fork_rank > 1`

func (q *queries) InsertForks(ctx context.Context, repoID int64, forks []model.Fork) (int64, error) {
	if len(forks) == 0 {
		return 0, nil
	}
	owners := make([]string, len(forks))
	names := make([]string, len(forks))
	forkedAt := make([]*time.Time, len(forks))
	for i, f := range forks {
		owners[i] = f.Owner
		names[i] = f.Name
		forkedAt[i] = nullTime(f.ForkedAt)
	}
	if _, err := q.db.Exec(ctx, registerForkingRepositories, repoID, owners, names); err != nil {
		return 0, fmt.Errorf("register forking repositories: %w", err)
	}
	tag, err := q.db.Exec(ctx, insertForks, repoID, owners, names, forkedAt)
	if err != nil {
		return 0, fmt.Errorf("insert forks: %w", err)
	}
	return tag.RowsAffected(), nil
}

const insertFollowers = `
INSERT INTO followers (followee_id, follower_login)
SELECT $1, f.login FROM unnest($2::text[]) AS f(login)
ON CONFLICT DO NOTHING`

func (q *queries) InsertFollowers(ctx context.Context, identityID int64, followers []model.Follower) (int64, error) {
	if len(followers) == 0 {
		return 0, nil
	}
	logins := make([]string, len(followers))
	for i, f := range followers {
		logins[i] = f.Login
	}
	tag, err := q.db.Exec(ctx, insertFollowers, identityID, logins)
	if err != nil {
		return 0, fmt.Errorf("insert followers: %w", err)
	}
	return tag.RowsAffected(), nil
}

const extendForkRanks = `
INSERT INTO forks (forking_repo_id, forked_repo_id, forking_repo_url, forked_at, fork_rank)
SELECT d.forking_repo_id, e.forked_repo_id, d.forking_repo_url, d.forked_at, e.fork_rank + 1
FROM forks e
JOIN forks d ON d.forked_repo_id = e.forking_repo_id AND d.fork_rank = 1
WHERE d.forking_repo_id <> e.forked_repo_id
ON CONFLICT (forking_repo_id, forked_repo_id) DO NOTHING`

func (q *queries) ExtendForkRanks(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx, extendForkRanks)
	if err != nil {
		return 0, fmt.Errorf("extend fork ranks: %w", err)
	}
	return tag.RowsAffected(), nil
}

const findLoginIdentity = `
SELECT i.id FROM identities i
JOIN identity_types it ON it.id = i.identity_type_id AND it.name = 'github_login'
WHERE i.identity = $1`

const insertLoginIdentity = `
INSERT INTO identities (identity_type_id, identity, user_id)
SELECT it.id, $1, $2 FROM identity_types it WHERE it.name = 'github_login'
ON CONFLICT (identity_type_id, identity) DO NOTHING
RETURNING id`

// EnsureLoginIdentity returns the identity of a login, creating it with its own user
// when missing. A concurrent session creating the same login wins: the insert does
// nothing, the user created for it is removed and the committed identity is returned.
func (q *queries) EnsureLoginIdentity(ctx context.Context, login string) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, findLoginIdentity, login).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("find login identity: %w", err)
	}

	var userID int64
	if err := q.db.QueryRow(ctx, `INSERT INTO users DEFAULT VALUES RETURNING id`).Scan(&userID); err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	err = q.db.QueryRow(ctx, insertLoginIdentity, login, userID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("create login identity: %w", err)
	}

	if _, err := q.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID); err != nil {
		return 0, fmt.Errorf("remove unused user: %w", err)
	}
	if err := q.db.QueryRow(ctx, findLoginIdentity, login).Scan(&id); err != nil {
		return 0, fmt.Errorf("find login identity after conflict: %w", err)
	}
	return id, nil
}

func (q *queries) userOf(ctx context.Context, identityID int64) (int64, error) {
	var userID int64
	err := q.db.QueryRow(ctx, `SELECT user_id FROM identities WHERE id = $1`, identityID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("merge identities %d: %w", identityID, store.ErrUnknownIdentity)
	}
	return userID, err
}

func (q *queries) MergeIdentities(ctx context.Context, a, b int64, reason string) error {
	ua, err := q.userOf(ctx, a)
	if err != nil {
		return err
	}
	ub, err := q.userOf(ctx, b)
	if err != nil {
		return err
	}
	if ua == ub {
		return nil
	}
	if _, err := q.db.Exec(ctx, `UPDATE identities SET user_id = $1 WHERE user_id = $2`, ua, ub); err != nil {
		return fmt.Errorf("merge identities: %w", err)
	}
	_, err = q.db.Exec(ctx, `
INSERT INTO merged_identities (main_user_id, secondary_user_id, identity1, identity2, reason)
VALUES ($1, $2, $3, $4, $5)`, ua, ub, a, b, reason)
	if err != nil {
		return fmt.Errorf("record merge: %w", err)
	}
	return nil
}

func (q *queries) RegisterSource(ctx context.Context, name, urlRoot string) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `
INSERT INTO sources (name, url_root) VALUES ($1, NULLIF($2, ''))
ON CONFLICT (name) DO UPDATE SET url_root = EXCLUDED.url_root
RETURNING id`, name, urlRoot).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("register source: %w", err)
	}
	return id, nil
}

func (q *queries) Sources(ctx context.Context) ([]model.Source, error) {
	rows, err := q.db.Query(ctx, `SELECT id, name, COALESCE(url_root, '') FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Source, error) {
		var s model.Source
		err := row.Scan(&s.ID, &s.Name, &s.URLRoot)
		return s, err
	})
}

func (q *queries) AddURLs(ctx context.Context, raw []string) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	tag, err := q.db.Exec(ctx, `
INSERT INTO urls (url) SELECT u FROM unnest($1::text[]) AS u WHERE u <> ''
ON CONFLICT (url) DO NOTHING`, raw)
	if err != nil {
		return 0, fmt.Errorf("add urls: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *queries) URLs(ctx context.Context, all bool) ([]string, error) {
	rows, err := q.db.Query(ctx, `SELECT url FROM urls WHERE $1 OR cleaned_url IS NULL ORDER BY id`, all)
	if err != nil {
		return nil, fmt.Errorf("list urls: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (q *queries) SetCleanedURLs(ctx context.Context, urls []model.URL) error {
	if len(urls) == 0 {
		return nil
	}
	raw := make([]string, len(urls))
	cleaned := make([]string, len(urls))
	roots := make([]int64, len(urls))
	for i, u := range urls {
		raw[i] = u.Raw
		cleaned[i] = u.Cleaned
		roots[i] = u.SourceRootID
	}
	_, err := q.db.Exec(ctx, `
UPDATE urls SET cleaned_url = NULLIF(c.cleaned, ''), source_root_id = NULLIF(c.root, 0)
FROM unnest($1::text[], $2::text[], $3::bigint[]) AS c(url, cleaned, root)
WHERE urls.url = c.url`, raw, cleaned, roots)
	if err != nil {
		return fmt.Errorf("set cleaned urls: %w", err)
	}
	return nil
}

func (q *queries) RegisterRepositories(ctx context.Context, repos []model.Repository) (int64, error) {
	if len(repos) == 0 {
		return 0, nil
	}
	sources := make([]int64, len(repos))
	owners := make([]string, len(repos))
	names := make([]string, len(repos))
	urls := make([]string, len(repos))
	for i, r := range repos {
		sources[i] = r.SourceID
		owners[i] = r.Owner
		names[i] = r.Name
		urls[i] = r.URL
	}
	tag, err := q.db.Exec(ctx, `
INSERT INTO repositories (source, owner, name, url)
SELECT * FROM unnest($1::bigint[], $2::text[], $3::text[], $4::text[])
ON CONFLICT (source, owner, name) DO NOTHING`, sources, owners, names, urls)
	if err != nil {
		return 0, fmt.Errorf("register repositories: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *queries) CloneTargets(ctx context.Context, source string, opt model.CloneOption) ([]model.CloneTarget, error) {
	query := `
SELECT r.id, s.name, s.url_root, r.owner, r.name
FROM repositories r
JOIN sources s ON s.id = r.source
WHERE s.url_root IS NOT NULL AND ($1 = '' OR s.name = $1)`
	switch opt {
	case model.CloneNeverAttempted:
		query += ` AND NOT EXISTS (SELECT 1 FROM download_attempts d WHERE d.repo_id = r.id)`
	case model.CloneNotCloned:
		query += ` AND NOT r.cloned`
	}
	query += ` ORDER BY r.id`

	rows, err := q.db.Query(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("clone targets: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CloneTarget, error) {
		var t model.CloneTarget
		err := row.Scan(&t.RepoID, &t.Source, &t.URLRoot, &t.Owner, &t.Name)
		return t, err
	})
}

func (q *queries) RecordDownload(ctx context.Context, repoID int64, success bool, at time.Time) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO download_attempts (repo_id, success, attempted_at) VALUES ($1, $2, $3)`,
		repoID, success, at)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	if success {
		if _, err := q.db.Exec(ctx, `UPDATE repositories SET cloned = true WHERE id = $1`, repoID); err != nil {
			return fmt.Errorf("mark cloned: %w", err)
		}
	}
	return nil
}
