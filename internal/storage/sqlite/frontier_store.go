// Package sqlite provides SQLite-backed frontier and queue-registry persistence.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
	"github.com/JakeFAU/delta-crawler/internal/database"
	"github.com/JakeFAU/delta-crawler/internal/frontier"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var migrations = database.Migrations{FS: migrationFiles, Dir: "migrations", Table: "frontier_schema_migrations"}

// FrontierStore is a crawler.FrontierStore on SQLite. Each mutation is a
// single statement (or transaction) on the single writer connection, so
// MarkSeen is atomic per partition via the UNIQUE constraint.
type FrontierStore struct {
	db    *sql.DB
	clock crawler.Clock
}

var (
	_ crawler.FrontierStore = (*FrontierStore)(nil)
	_ crawler.QueueRegistry = (*FrontierStore)(nil)
)

// NewFrontierStore migrates the schema and returns a store.
func NewFrontierStore(ctx context.Context, db *sql.DB, clock crawler.Clock) (*FrontierStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if err := database.MigrateSQLite(db, migrations); err != nil {
		return nil, crawler.NewStorageError("migrate frontier", err)
	}
	return &FrontierStore{db: db, clock: clock}, nil
}

// RegisterSite inserts the site once and returns the stored handle.
func (s *FrontierStore) RegisterSite(ctx context.Context, baseURL string) (crawler.Site, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sites (base_url, registered_at) VALUES (?, ?) ON CONFLICT(base_url) DO NOTHING`,
		baseURL, s.clock.Now().UnixNano(),
	); err != nil {
		return crawler.Site{}, crawler.NewStorageError("register site", err)
	}
	var registered int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT registered_at FROM sites WHERE base_url = ?`, baseURL,
	).Scan(&registered); err != nil {
		return crawler.Site{}, crawler.NewStorageError("load site", err)
	}
	return crawler.Site{BaseURL: baseURL, RegisteredAt: fromNanos(registered)}, nil
}

// MarkSeen inserts url as pending unless the partition already holds it.
func (s *FrontierStore) MarkSeen(ctx context.Context, site string, p crawler.Partition, url string) (bool, error) {
	if err := s.requireSite(ctx, site); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO frontier_urls (site, part_key, part_value, url, state, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(site, part_key, part_value, url) DO NOTHING`,
		site, p.Key, p.Value, url, string(crawler.StatePending), s.clock.Now().UnixNano(),
	)
	if err != nil {
		return false, crawler.NewStorageError("mark seen", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, crawler.NewStorageError("mark seen", err)
	}
	return n == 1, nil
}

// TakePending moves url from pending to in-flight.
func (s *FrontierStore) TakePending(ctx context.Context, site string, p crawler.Partition, url string) error {
	return s.transition(ctx, "take pending", site, p, url, crawler.StateInFlight, crawler.ErrNotPending,
		crawler.StatePending)
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
		crawler.StateFailed)
}

func (s *FrontierStore) transition(
	ctx context.Context,
	op, site string,
	p crawler.Partition,
	url string,
	to crawler.URLState,
	mismatch error,
	from ...crawler.URLState,
) error {
	query := `UPDATE frontier_urls SET state = ?, updated_at = ?
WHERE site = ? AND part_key = ? AND part_value = ? AND url = ? AND state IN (?, ?)`
	args := []any{string(to), s.clock.Now().UnixNano(), site, p.Key, p.Value, url, string(from[0]), string(from[0])}
	if len(from) > 1 {
		args[len(args)-1] = string(from[1])
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return crawler.NewStorageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return crawler.NewStorageError(op, err)
	}
	if n == 1 {
		return nil
	}
	current, err := s.State(ctx, site, p, url)
	if err != nil {
		return err
	}
	if current == crawler.StateUnknown {
		if errors.Is(mismatch, crawler.ErrNotPending) {
			return crawler.NewInvariantError(op, site, p, url, crawler.ErrNotPending)
		}
		return crawler.NewInvariantError(op, site, p, url, crawler.ErrUnknownURL)
	}
	return crawler.NewInvariantError(op, site, p, url, fmt.Errorf("%w (state %s)", mismatch, current))
}

// Purge deletes a partition or, when partition is nil, the whole site.
func (s *FrontierStore) Purge(ctx context.Context, site string, partition *crawler.Partition) error {
	if err := s.requireSite(ctx, site); err != nil {
		return err
	}
	var err error
	if partition == nil {
		_, err = s.db.ExecContext(ctx, `DELETE FROM sites WHERE base_url = ?`, site)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM frontier_urls WHERE site = ? AND part_key = ? AND part_value = ?`,
			site, partition.Key, partition.Value)
	}
	if err != nil {
		return crawler.NewStorageError("purge", err)
	}
	return nil
}

// State returns the set url belongs to, or StateUnknown.
func (s *FrontierStore) State(ctx context.Context, site string, p crawler.Partition, url string) (crawler.URLState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM frontier_urls WHERE site = ? AND part_key = ? AND part_value = ? AND url = ?`,
		site, p.Key, p.Value, url,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.StateUnknown, nil
	}
	if err != nil {
		return crawler.StateUnknown, crawler.NewStorageError("load state", err)
	}
	return crawler.URLState(state), nil
}

// ListPending returns pending URLs in discovery order.
func (s *FrontierStore) ListPending(ctx context.Context, site string, p crawler.Partition) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM frontier_urls WHERE site = ? AND part_key = ? AND part_value = ? AND state = ? ORDER BY id`,
		site, p.Key, p.Value, string(crawler.StatePending),
	)
	if err != nil {
		return nil, crawler.NewStorageError("list pending", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, crawler.NewStorageError("list pending", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.NewStorageError("list pending", err)
	}
	return out, nil
}

// Snapshot reads every site and URL inside one read transaction.
func (s *FrontierStore) Snapshot(ctx context.Context) (crawler.Frontier, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return crawler.Frontier{}, crawler.NewStorageError("snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()

	siteRows, err := tx.QueryContext(ctx, `SELECT base_url, registered_at FROM sites ORDER BY base_url`)
	if err != nil {
		return crawler.Frontier{}, crawler.NewStorageError("snapshot sites", err)
	}
	var sites []crawler.Site
	for siteRows.Next() {
		var (
			base string
			reg  int64
		)
		if err := siteRows.Scan(&base, &reg); err != nil {
			_ = siteRows.Close()
			return crawler.Frontier{}, crawler.NewStorageError("snapshot sites", err)
		}
		sites = append(sites, crawler.Site{BaseURL: base, RegisteredAt: fromNanos(reg)})
	}
	_ = siteRows.Close()
	if err := siteRows.Err(); err != nil {
		return crawler.Frontier{}, crawler.NewStorageError("snapshot sites", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT site, part_key, part_value, url, state FROM frontier_urls ORDER BY site, part_key, part_value, id`)
	if err != nil {
		return crawler.Frontier{}, crawler.NewStorageError("snapshot urls", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

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
	return b.Frontier(), nil
}

func (s *FrontierStore) requireSite(ctx context.Context, site string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sites WHERE base_url = ?`, site).Scan(&n); err != nil {
		return crawler.NewStorageError("load site", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrSiteNotRegistered, site)
	}
	return nil
}

// PutBinding creates or replaces a queue binding.
func (s *FrontierStore) PutBinding(ctx context.Context, b crawler.QueueBinding) error {
	now := s.clock.Now().UnixNano()
	created := now
	if !b.CreatedAt.IsZero() {
		created = b.CreatedAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue_bindings (name, site, part_key, part_value, kind, status, last_processed_url, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	site = excluded.site,
	part_key = excluded.part_key,
	part_value = excluded.part_value,
	kind = excluded.kind,
	status = excluded.status,
	last_processed_url = excluded.last_processed_url,
	updated_at = excluded.updated_at`,
		b.Name, b.Site, b.Partition.Key, b.Partition.Value, string(b.Kind), string(b.Status),
		b.LastProcessedURL, created, now,
	)
	if err != nil {
		return crawler.NewStorageError("put binding", err)
	}
	return nil
}

// MarkProcessed records url as the last one processed on the named queue.
func (s *FrontierStore) MarkProcessed(ctx context.Context, name, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_bindings SET last_processed_url = ?, updated_at = ? WHERE name = ?`,
		url, s.clock.Now().UnixNano(), name)
	if err != nil {
		return crawler.NewStorageError("mark processed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return crawler.NewStorageError("mark processed", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrBindingNotFound, name)
	}
	return nil
}

const bindingColumns = `name, site, part_key, part_value, kind, status, last_processed_url, created_at, updated_at`

// Binding returns a queue binding by name.
func (s *FrontierStore) Binding(ctx context.Context, name string) (crawler.QueueBinding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bindingColumns+` FROM queue_bindings WHERE name = ?`, name)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.QueueBinding{}, fmt.Errorf("%w: %s", crawler.ErrBindingNotFound, name)
	}
	if err != nil {
		return crawler.QueueBinding{}, crawler.NewStorageError("load binding", err)
	}
	return b, nil
}

// ListBindings returns all bindings ordered by creation time.
func (s *FrontierStore) ListBindings(ctx context.Context) ([]crawler.QueueBinding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bindingColumns+` FROM queue_bindings ORDER BY created_at, name`)
	if err != nil {
		return nil, crawler.NewStorageError("list bindings", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor
	var out []crawler.QueueBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, crawler.NewStorageError("list bindings", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.NewStorageError("list bindings", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBinding(row scanner) (crawler.QueueBinding, error) {
	var (
		b                crawler.QueueBinding
		kind, status     string
		created, updated int64
	)
	if err := row.Scan(&b.Name, &b.Site, &b.Partition.Key, &b.Partition.Value, &kind, &status,
		&b.LastProcessedURL, &created, &updated); err != nil {
		return crawler.QueueBinding{}, err
	}
	b.Kind = crawler.FetchKind(kind)
	b.Status = crawler.QueueStatus(status)
	b.CreatedAt = fromNanos(created)
	b.UpdatedAt = fromNanos(updated)
	return b, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
