// internal/store/sqlite/queries.go
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"repo-crawler/internal/model"
	"repo-crawler/internal/store"
)

type queries struct {
	db  execer
	now func() time.Time
}

var _ store.Querier = (*queries)(nil)

func ledgerEntry(id int64, coll model.Collection, success sql.NullBool, at sql.NullInt64) *model.LedgerEntry {
	if !success.Valid || !at.Valid {
		return nil
	}
	return &model.LedgerEntry{EntityID: id, Collection: coll, Success: success.Bool, At: time.Unix(at.Int64, 0).UTC()}
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

const pendingRepositories = `
SELECT r.id, s.name, r.owner, r.name, tu.success, tu.updated_at
FROM repositories r
JOIN sources s ON s.id = r.source
LEFT JOIN table_updates tu ON tu.id = (
    SELECT t.id FROM table_updates t
    WHERE t.repo_id = r.id AND t.table_name = ?
    ORDER BY t.updated_at DESC, t.id DESC
    LIMIT 1
)
WHERE s.name = ?
ORDER BY tu.updated_at, r.id`

func (q *queries) PendingRepositories(ctx context.Context, source string, coll model.Collection) ([]model.PendingEntity, error) {
	rows, err := q.db.QueryContext(ctx, pendingRepositories, string(coll), source)
	if err != nil {
		return nil, fmt.Errorf("pending repositories: %w", err)
	}
	defer rows.Close()

	var out []model.PendingEntity
	for rows.Next() {
		var p model.PendingEntity
		var success sql.NullBool
		var at sql.NullInt64
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
LEFT JOIN table_updates tu ON tu.id = (
    SELECT t.id FROM table_updates t
    WHERE t.identity_id = i.id AND t.table_name = ?
    ORDER BY t.updated_at DESC, t.id DESC
    LIMIT 1
)
ORDER BY tu.updated_at, i.id`

func (q *queries) PendingLogins(ctx context.Context, coll model.Collection) ([]model.PendingEntity, error) {
	rows, err := q.db.QueryContext(ctx, pendingLogins, string(coll))
	if err != nil {
		return nil, fmt.Errorf("pending logins: %w", err)
	}
	defer rows.Close()

	var out []model.PendingEntity
	for rows.Next() {
		var p model.PendingEntity
		var success sql.NullBool
		var at sql.NullInt64
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
SELECT i.id, c.repo_id, r.owner, r.name, c.sha, tu.success, tu.updated_at
FROM identities i
JOIN identity_types it ON it.id = i.identity_type_id AND it.name <> 'github_login'
JOIN commits c ON c.id = (
    SELECT c2.id FROM commits c2
    JOIN repositories r2 ON r2.id = c2.repo_id
    JOIN sources s2 ON s2.id = r2.source AND s2.name = ?
    WHERE c2.author_id = i.id
    ORDER BY c2.created_at DESC, c2.id DESC
    LIMIT 1
)
JOIN repositories r ON r.id = c.repo_id
LEFT JOIN table_updates tu ON tu.id = (
    SELECT t.id FROM table_updates t
    WHERE t.identity_id = i.id AND t.table_name = 'login'
    ORDER BY t.updated_at DESC, t.id DESC
    LIMIT 1
)
WHERE NOT EXISTS (
    SELECT 1 FROM identities gi
    JOIN identity_types git ON git.id = gi.identity_type_id AND git.name = 'github_login'
    WHERE gi.user_id = i.user_id
)
ORDER BY i.id`

func (q *queries) PendingAttributions(ctx context.Context, source string) ([]model.AttributionCandidate, error) {
	rows, err := q.db.QueryContext(ctx, pendingAttributions, source)
	if err != nil {
		return nil, fmt.Errorf("pending attributions: %w", err)
	}
	defer rows.Close()

	var out []model.AttributionCandidate
	for rows.Next() {
		var c model.AttributionCandidate
		var success sql.NullBool
		var at sql.NullInt64
		if err := rows.Scan(&c.IdentityID, &c.RepoID, &c.Owner, &c.Name, &c.SHA, &success, &at); err != nil {
			return nil, err
		}
		c.Last = ledgerEntry(c.IdentityID, model.Login, success, at)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *queries) RecordAttempt(ctx context.Context, entity model.Entity, coll model.Collection, success bool) error {
	column := "repo_id"
	if entity.Kind == model.LoginEntity {
		column = "identity_id"
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO table_updates (`+column+`, table_name, success, updated_at) VALUES (?, ?, ?, ?)`,
		entity.ID, string(coll), success, q.now().Unix())
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (q *queries) Count(ctx context.Context, entity model.Entity, coll model.Collection) (int, error) {
	var query string
	switch coll {
	case model.Stars:
		query = `SELECT count(*) FROM stars WHERE repo_id = ?`
	case model.Forks:
		query = `SELECT count(*) FROM forks WHERE forked_repo_id = ? AND fork_rank = 1`
	case model.Followers:
		query = `SELECT count(*) FROM followers WHERE followee_id = ?`
	default:
		return 0, fmt.Errorf("count: unsupported collection %q", coll)
	}
	var n int
	if err := q.db.QueryRowContext(ctx, query, entity.ID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", coll, err)
	}
	return n, nil
}

// execEach runs one statement per row and sums the affected rows.
func (q *queries) execEach(ctx context.Context, query string, n int, args func(i int) []any) (int64, error) {
	var total int64
	for i := 0; i < n; i++ {
		res, err := q.db.ExecContext(ctx, query, args(i)...)
		if err != nil {
			return total, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += affected
	}
	return total, nil
}

func (q *queries) InsertStars(ctx context.Context, repoID int64, stars []model.Star) (int64, error) {
	n, err := q.execEach(ctx,
		`INSERT INTO stars (repo_id, login, starred_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		len(stars), func(i int) []any {
			return []any{repoID, stars[i].Login, nullTime(stars[i].StarredAt)}
		})
	if err != nil {
		return n, fmt.Errorf("insert stars: %w", err)
	}
	return n, nil
}

func (q *queries) InsertForks(ctx context.Context, repoID int64, forks []model.Fork) (int64, error) {
	_, err := q.execEach(ctx, `
INSERT INTO repositories (source, owner, name, url)
SELECT p.source, ?, ?, 'https://' || s.url_root || '/' || ? || '/' || ?
FROM repositories p JOIN sources s ON s.id = p.source
WHERE p.id = ?
ON CONFLICT (source, owner, name) DO NOTHING`,
		len(forks), func(i int) []any {
			f := forks[i]
			return []any{f.Owner, f.Name, f.Owner, f.Name, repoID}
		})
	if err != nil {
		return 0, fmt.Errorf("register forking repositories: %w", err)
	}

	n, err := q.execEach(ctx, `
INSERT INTO forks (forking_repo_id, forked_repo_id, forking_repo_url, forked_at, fork_rank)
SELECT fr.id, p.id, fr.url, ?, 1
FROM repositories p
JOIN repositories fr ON fr.source = p.source AND fr.owner = ? AND fr.name = ?
WHERE p.id = ? AND fr.id <> p.id
ON CONFLICT (forking_repo_id, forked_repo_id) DO UPDATE SET fork_rank = 1
WHERE fork_rank > 1`,
		len(forks), func(i int) []any {
			f := forks[i]
			return []any{nullTime(f.ForkedAt), f.Owner, f.Name, repoID}
		})
	if err != nil {
		return n, fmt.Errorf("insert forks: %w", err)
	}
	return n, nil
}

func (q *queries) InsertFollowers(ctx context.Context, identityID int64, followers []model.Follower) (int64, error) {
	n, err := q.execEach(ctx,
		`INSERT INTO followers (followee_id, follower_login) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		len(followers), func(i int) []any {
			return []any{identityID, followers[i].Login}
		})
	if err != nil {
		return n, fmt.Errorf("insert followers: %w", err)
	}
	return n, nil
}

func (q *queries) ExtendForkRanks(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
INSERT OR IGNORE INTO forks (forking_repo_id, forked_repo_id, forking_repo_url, forked_at, fork_rank)
SELECT d.forking_repo_id, e.forked_repo_id, d.forking_repo_url, d.forked_at, e.fork_rank + 1
FROM forks e
JOIN forks d ON d.forked_repo_id = e.forking_repo_id AND d.fork_rank = 1
WHERE d.forking_repo_id <> e.forked_repo_id`)
	if err != nil {
		return 0, fmt.Errorf("extend fork ranks: %w", err)
	}
	return res.RowsAffected()
}

func (q *queries) EnsureLoginIdentity(ctx context.Context, login string) (int64, error) {
	var id int64
	err := q.db.QueryRowContext(ctx, `
SELECT i.id FROM identities i
JOIN identity_types it ON it.id = i.identity_type_id AND it.name = 'github_login'
WHERE i.identity = ?`, login).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find login identity: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `INSERT INTO users (created_at) VALUES (?)`, q.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	res, err = q.db.ExecContext(ctx, `
INSERT INTO identities (identity_type_id, identity, user_id)
SELECT it.id, ?, ? FROM identity_types it WHERE it.name = 'github_login'`, login, userID)
	if err != nil {
		return 0, fmt.Errorf("create login identity: %w", err)
	}
	return res.LastInsertId()
}

func (q *queries) userOf(ctx context.Context, identityID int64) (int64, error) {
	var userID int64
	err := q.db.QueryRowContext(ctx, `SELECT user_id FROM identities WHERE id = ?`, identityID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
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
	if _, err := q.db.ExecContext(ctx, `UPDATE identities SET user_id = ? WHERE user_id = ?`, ua, ub); err != nil {
		return fmt.Errorf("merge identities: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
INSERT INTO merged_identities (main_user_id, secondary_user_id, identity1, identity2, reason, merged_at)
VALUES (?, ?, ?, ?, ?, ?)`, ua, ub, a, b, reason, q.now().Unix())
	if err != nil {
		return fmt.Errorf("record merge: %w", err)
	}
	return nil
}

func (q *queries) RegisterSource(ctx context.Context, name, urlRoot string) (int64, error) {
	var id int64
	err := q.db.QueryRowContext(ctx, `
INSERT INTO sources (name, url_root) VALUES (?, NULLIF(?, ''))
ON CONFLICT (name) DO UPDATE SET url_root = excluded.url_root
RETURNING id`, name, urlRoot).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("register source: %w", err)
	}
	return id, nil
}

func (q *queries) Sources(ctx context.Context) ([]model.Source, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name, COALESCE(url_root, '') FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var s model.Source
		if err := rows.Scan(&s.ID, &s.Name, &s.URLRoot); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q *queries) AddURLs(ctx context.Context, raw []string) (int64, error) {
	n, err := q.execEach(ctx, `INSERT INTO urls (url) VALUES (?) ON CONFLICT (url) DO NOTHING`,
		len(raw), func(i int) []any { return []any{raw[i]} })
	if err != nil {
		return n, fmt.Errorf("add urls: %w", err)
	}
	return n, nil
}

func (q *queries) URLs(ctx context.Context, all bool) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT url FROM urls WHERE ? OR cleaned_url IS NULL ORDER BY id`, all)
	if err != nil {
		return nil, fmt.Errorf("list urls: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (q *queries) SetCleanedURLs(ctx context.Context, urls []model.URL) error {
	_, err := q.execEach(ctx,
		`UPDATE urls SET cleaned_url = NULLIF(?, ''), source_root_id = NULLIF(?, 0) WHERE url = ?`,
		len(urls), func(i int) []any {
			return []any{urls[i].Cleaned, urls[i].SourceRootID, urls[i].Raw}
		})
	if err != nil {
		return fmt.Errorf("set cleaned urls: %w", err)
	}
	return nil
}

func (q *queries) RegisterRepositories(ctx context.Context, repos []model.Repository) (int64, error) {
	n, err := q.execEach(ctx, `
INSERT INTO repositories (source, owner, name, url) VALUES (?, ?, ?, ?)
ON CONFLICT (source, owner, name) DO NOTHING`,
		len(repos), func(i int) []any {
			r := repos[i]
			return []any{r.SourceID, r.Owner, r.Name, r.URL}
		})
	if err != nil {
		return n, fmt.Errorf("register repositories: %w", err)
	}
	return n, nil
}

func (q *queries) CloneTargets(ctx context.Context, source string, opt model.CloneOption) ([]model.CloneTarget, error) {
	var b strings.Builder
	b.WriteString(`
SELECT r.id, s.name, s.url_root, r.owner, r.name
FROM repositories r
JOIN sources s ON s.id = r.source
WHERE s.url_root IS NOT NULL AND (? = '' OR s.name = ?)`)
	switch opt {
	case model.CloneNeverAttempted:
		b.WriteString(` AND NOT EXISTS (SELECT 1 FROM download_attempts d WHERE d.repo_id = r.id)`)
	case model.CloneNotCloned:
		b.WriteString(` AND r.cloned = 0`)
	}
	b.WriteString(` ORDER BY r.id`)

	rows, err := q.db.QueryContext(ctx, b.String(), source, source)
	if err != nil {
		return nil, fmt.Errorf("clone targets: %w", err)
	}
	defer rows.Close()

	var out []model.CloneTarget
	for rows.Next() {
		var t model.CloneTarget
		if err := rows.Scan(&t.RepoID, &t.Source, &t.URLRoot, &t.Owner, &t.Name); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *queries) RecordDownload(ctx context.Context, repoID int64, success bool, at time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO download_attempts (repo_id, success, attempted_at) VALUES (?, ?, ?)`,
		repoID, success, at.Unix())
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	if success {
		if _, err := q.db.ExecContext(ctx, `UPDATE repositories SET cloned = 1 WHERE id = ?`, repoID); err != nil {
			return fmt.Errorf("mark cloned: %w", err)
		}
	}
	return nil
}
