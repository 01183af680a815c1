// Package postgres provides a Postgres-backed frontier store for deployments
// where several workers share one frontier.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/database"
	"github.com/JakeFAU/delta-crawler/internal/frontier"
)

const foreignKeyViolation = "23503"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies the frontier schema migrations to the database at dsn.
func Migrate(dsn string) error {
	if dsn == "" {
		return fmt.Errorf("frontier.postgres.dsn is required")
	}
	return database.MigratePostgres(dsn, database.Migrations{
		FS:    migrationFiles,
		Dir:   "migrations",
		Table: "frontier_schema_migrations",
	})
}

// Config controls the Postgres connection pool backing the frontier.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// FrontierStore is a crawler.FrontierStore on Postgres. Each transition is a
// single conditional statement, so concurrent workers never both win a URL.
type FrontierStore struct {
	pool  pool
	clock crawler.Clock
}

var (
	_ crawler.FrontierStore = (*FrontierStore)(nil)
	_ crawler.QueueRegistry = (*FrontierStore)(nil)
)

// NewFrontierStore connects to Postgres using cfg.
func NewFrontierStore(ctx context.Context, cfg Config, clock crawler.Clock) (*FrontierStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("frontier.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewFrontierStoreWithPool(p, clock)
}

// NewFrontierStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewFrontierStoreWithPool(p pool, clock crawler.Clock) (*FrontierStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &FrontierStore{pool: p, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *FrontierStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RegisterSite inserts the site once and returns the stored handle.
func (s *FrontierStore) RegisterSite(ctx context.Context, baseURL string) (crawler.Site, error) {
	var registered time.Time
	err := s.pool.QueryRow(ctx, `
INSERT INTO crawl_sites (base_url, registered_at) VALUES ($1, $2)
ON CONFLICT (base_url) DO UPDATE SET base_url = EXCLUDED.base_url
RETURNING registered_at`, baseURL, s.clock.Now()).Scan(&registered)
	if err != nil {
		return crawler.Site{}, crawler.NewStorageError("register site", err)
	}
	return crawler.Site{BaseURL: baseURL, RegisteredAt: registered.UTC()}, nil
}

// MarkSeen inserts url as pending unless the partition already holds it.
func (s *FrontierStore) MarkSeen(ctx context.Context, site string, p crawler.Partition, url string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO crawl_urls (site, part_key, part_value, url, state, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (site, part_key, part_value, url) DO NOTHING`,
		site, p.Key, p.Value, url, string(crawler.StatePending), s.clock.Now())
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, fmt.Errorf("%w: %s", crawler.ErrSiteNotRegistered, site)
		}
		return false, crawler.NewStorageError("mark seen", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TakePending moves url from pending to in-flight.
func (s *FrontierStore) TakePending(ctx context.Context, site string, p crawler.Partition, url string) error {
	return s.transition(ctx, "take pending", site, p, url, crawler.StateInFlight, crawler.ErrNotPending,
		crawler.StatePending, crawler.StatePending)
}

// Complete finalizes an in-flight (or still pending) url as completed.
func (s *FrontierStore) Complete(ctx context.Context, site string, p crawler.Partition, url string) error {
	return s.transition(ctx, "complete", site, p, url, crawler.StateCompleted, crawler.ErrNotInFlight,
		crawler.StateInFlight, crawler.StatePending)
}

// Fail parks an in-flight (or still pending) url in failed.
func (s *FrontierStore) Fail(ctx context.Context, site string, p crawler.Partition, url string) error {
	return s.transition(ctx, "fail", site, p, url, crawler.StateFailed, crawler.ErrNotInFlight,
		crawler.StateInFlight, crawler.StatePending)
}

// Requeue moves a failed url back to pending.
func (s *FrontierStore) Requeue(ctx context.Context, site string, p crawler.Partition, url string) error {
	return s.transition(ctx, "requeue", site, p, url, crawler.StatePending, crawler.ErrNotFailed,
		crawler.StateFailed, crawler.StateFailed)
}

func (s *FrontierStore) transition(
	ctx context.Context,
	op, site string,
	p crawler.Partition,
	url string,
	to crawler.URLState,
	mismatch error,
	from, alt crawler.URLState,
) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_urls SET state = $1, updated_at = $2
WHERE site = $3 AND part_key = $4 AND part_value = $5 AND url = $6 AND state IN ($7, $8)`,
		string(to), s.clock.Now(), site, p.Key, p.Value, url, string(from), string(alt))
	if err != nil {
		return crawler.NewStorageError(op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := s.State(ctx, site, p, url)
	if err != nil {
		return err
	}
	switch {
	case current != crawler.StateUnknown:
		return crawler.NewInvariantError(op, site, p, url, fmt.Errorf("%w (state %s)", mismatch, current))
	case errors.Is(mismatch, crawler.ErrNotPending):
		return crawler.NewInvariantError(op, site, p, url, crawler.ErrNotPending)
	default:
		return crawler.NewInvariantError(op, site, p, url, crawler.ErrUnknownURL)
	}
}

// Purge deletes a partition or, when partition is nil, the whole site.
func (s *FrontierStore) Purge(ctx context.Context, site string, partition *crawler.Partition) error {
	if partition == nil {
		tag, err := s.pool.Exec(ctx, `DELETE FROM crawl_sites WHERE base_url = $1`, site)
		if err != nil {
			return crawler.NewStorageError("purge", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", crawler.ErrSiteNotRegistered, site)
		}
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM crawl_sites WHERE base_url = $1)`, site,
	).Scan(&exists); err != nil {
		return crawler.NewStorageError("purge", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", crawler.ErrSiteNotRegistered, site)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM crawl_urls WHERE site = $1 AND part_key = $2 AND part_value = $3`,
		site, partition.Key, partition.Value,
	); err != nil {
		return crawler.NewStorageError("purge", err)
	}
	return nil
}

// State returns the set url belongs to, or StateUnknown.
func (s *FrontierStore) State(ctx context.Context, site string, p crawler.Partition, url string) (crawler.URLState, error) {
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM crawl_urls WHERE site = $1 AND part_key = $2 AND part_value = $3 AND url = $4`,
		site, p.Key, p.Value, url,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.StateUnknown, nil
	}
	if err != nil {
		return crawler.StateUnknown, crawler.NewStorageError("load state", err)
	}
	return crawler.URLState(state), nil
}

// ListPending returns pending URLs in discovery order.
func (s *FrontierStore) ListPending(ctx context.Context, site string, p crawler.Partition) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT url FROM crawl_urls
WHERE site = $1 AND part_key = $2 AND part_value = $3 AND state = $4
ORDER BY id`, site, p.Key, p.Value, string(crawler.StatePending))
	if err != nil {
		return nil, crawler.NewStorageError("list pending", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, crawler.NewStorageError("list pending", err)
	}
	return urls, nil
}

// Snapshot reads every site and URL inside one repeatable-read transaction.
func (s *FrontierStore) Snapshot(ctx context.Context) (crawler.Frontier, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return crawler.Frontier{}, crawler.NewStorageError("snapshot", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	siteRows, err := tx.Query(ctx, `SELECT base_url, registered_at FROM crawl_sites ORDER BY base_url`)
	if err != nil {
		return crawler.Frontier{}, crawler.NewStorageError("snapshot sites", err)
	}
	sites, err := pgx.CollectRows(siteRows, func(row pgx.CollectableRow) (crawler.Site, error) {
		var site crawler.Site
		err := row.Scan(&site.BaseURL, &site.RegisteredAt)
		site.RegisteredAt = site.RegisteredAt.UTC()
		return site, err
	})
	if err != nil {
		return crawler.Frontier{}, crawler.NewStorageError("snapshot sites", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT site, part_key, part_value, url, state FROM crawl_urls ORDER BY site, part_key, part_value, id`)
	if err != nil {
		return crawler.Frontier{}, crawler.NewStorageError("snapshot urls", err)
	}
	defer rows.Close()

	b := frontier.NewBuilder(sites)
	for rows.Next() {
		var (
			site, url, state string
			p                crawler.Partition
		)
		if err := rows.Scan(&site, &p.Key, &p.Value, &url, &state); err != nil {
			return crawler.Frontier{}, crawler.NewStorageError("snapshot urls", err)
		}
		b.Add(site, p, url, crawler.URLState(state))
	}
	if err := rows.Err(); err != nil {
		return crawler.Frontier{}, crawler.NewStorageError("snapshot urls", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.Frontier{}, crawler.NewStorageError("snapshot", err)
	}
	return b.Frontier(), nil
}

// PutBinding creates or replaces a queue binding.
func (s *FrontierStore) PutBinding(ctx context.Context, b crawler.QueueBinding) error {
	now := s.clock.Now()
	created := b.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawl_queue_bindings (name, site, part_key, part_value, kind, status, last_processed_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (name) DO UPDATE SET
	site = EXCLUDED.site,
	part_key = EXCLUDED.part_key,
	part_value = EXCLUDED.part_value,
	kind = EXCLUDED.kind,
	status = EXCLUDED.status,
	last_processed_url = EXCLUDED.last_processed_url,
	updated_at = EXCLUDED.updated_at`,
		b.Name, b.Site, b.Partition.Key, b.Partition.Value, string(b.Kind), string(b.Status),
		b.LastProcessedURL, created, now)
	if err != nil {
		return crawler.NewStorageError("put binding", err)
	}
	return nil
}

// MarkProcessed records url as the last one processed on the named queue.
func (s *FrontierStore) MarkProcessed(ctx context.Context, name, url string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE crawl_queue_bindings SET last_processed_url = $1, updated_at = $2 WHERE name = $3`,
		url, s.clock.Now(), name)
	if err != nil {
		return crawler.NewStorageError("mark processed", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrBindingNotFound, name)
	}
	return nil
}

const bindingColumns = `name, site, part_key, part_value, kind, status, last_processed_url, created_at, updated_at`

// Binding returns a queue binding by name.
func (s *FrontierStore) Binding(ctx context.Context, name string) (crawler.QueueBinding, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bindingColumns+` FROM crawl_queue_bindings WHERE name = $1`, name)
	b, err := scanBinding(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.QueueBinding{}, fmt.Errorf("%w: %s", crawler.ErrBindingNotFound, name)
	}
	if err != nil {
		return crawler.QueueBinding{}, crawler.NewStorageError("load binding", err)
	}
	return b, nil
}

// ListBindings returns all bindings ordered by creation time.
func (s *FrontierStore) ListBindings(ctx context.Context) ([]crawler.QueueBinding, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bindingColumns+` FROM crawl_queue_bindings ORDER BY created_at, name`)
	if err != nil {
		return nil, crawler.NewStorageError("list bindings", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crawler.QueueBinding, error) {
		return scanBinding(row)
	})
	if err != nil {
		return nil, crawler.NewStorageError("list bindings", err)
	}
	return out, nil
}

func scanBinding(row pgx.Row) (crawler.QueueBinding, error) {
	var (
		b            crawler.QueueBinding
		kind, status string
	)
	if err := row.Scan(&b.Name, &b.Site, &b.Partition.Key, &b.Partition.Value, &kind, &status,
		&b.LastProcessedURL, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return crawler.QueueBinding{}, err
	}
	b.Kind = crawler.FetchKind(kind)
	b.Status = crawler.QueueStatus(status)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}
