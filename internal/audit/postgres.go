package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mashoujiang/autodevice/db/migrations"
)

// PostgresSink persists audit events to Postgres, applying the embedded
// schema migrations on first use. Grounded on the teacher's
// NewPostgresStore/ensureSchema pattern.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if !hasPgxDriver() {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	sink := &PostgresSink{db: db}
	if err := sink.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func hasPgxDriver() bool {
	for _, d := range sql.Drivers() {
		if d == "pgx" {
			return true
		}
	}
	return false
}

func (p *PostgresSink) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var applied bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, entry.Name()).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresSink) applyMigration(ctx context.Context, name string) error {
	b, err := migrations.Files.ReadFile(name)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, name, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return tx.Commit()
}

func (p *PostgresSink) Append(ctx context.Context, ev Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize appenders so each one chains from the latest committed hash.
	if _, err := tx.ExecContext(ctx, `LOCK TABLE audit_events IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return err
	}

	var prevHash string
	err = tx.QueryRowContext(ctx, `SELECT event_hash FROM audit_events ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	payload := payloadHash(ev)
	eventHash := chainHash(prevHash, payload)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (action, device, tenant, resource, result, details, payload_hash, prev_hash, event_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		ev.Action, ev.Device, ev.Tenant, ev.Resource, ev.Result, ev.Details, payload, prevHash, eventHash,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresSink) List(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, action, device, tenant, resource, result, details, payload_hash, prev_hash, created_at
		FROM audit_events
		WHERE ($1 = '' OR action = $1) AND ($2 = '' OR device = $2) AND ($3 = '' OR result = $3)
		ORDER BY id DESC LIMIT $4`, q.Action, q.Device, q.Result, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.Device, &ev.Tenant, &ev.Resource, &ev.Result, &ev.Details, &ev.PayloadHash, &ev.PrevHash, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresSink) Close() error { return p.db.Close() }
