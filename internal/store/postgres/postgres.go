// internal/store/postgres/postgres.go
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"repo-crawler/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// dbtx is satisfied by *pgxpool.Pool, *pgxpool.Conn, pgx.Tx and pgxmock.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conn is a dbtx that can open transactions.
type conn interface {
	dbtx
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Migrate applies the embedded schema migrations to the database at dbURL.
func Migrate(dbURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Store is a PostgreSQL backend on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and checks the connection.
func Open(ctx context.Context, dbURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Acquire reserves one pooled connection for the caller.
func (s *Store) Acquire(ctx context.Context) (store.Session, error) {
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	sess := NewSession(c)
	sess.release = c.Release
	return sess, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// SerializedWrites is false: PostgreSQL handles concurrent writers.
func (s *Store) SerializedWrites() bool { return false }

func (s *Store) Close() { s.pool.Close() }

// Session runs queries on one connection.
type Session struct {
	queries
	conn    conn
	release func()
}

var _ store.Session = (*Session)(nil)

// NewSession wraps a connection, a pool or a mock.
func NewSession(c conn) *Session {
	return &Session{queries: queries{db: c}, conn: c}
}

func (s *Session) InTx(ctx context.Context, fn func(q store.Querier) error) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *Session) Release() {
	if s.release != nil {
		s.release()
	}
}
