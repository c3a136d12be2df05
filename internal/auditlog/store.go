// Package auditlog persists key-management audit events. The credential
// manager always prints audit lines to stdout; a Writer additionally
// keeps them queryable for compliance review.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Entry represents one audit event emitted by the credential manager.
type Entry struct {
	ID        string
	Action    string
	Tenant    string
	Message   string
	CreatedAt time.Time
}

// Writer persists audit entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// NoopWriter ignores all audit writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// Query filters List results.
type Query struct {
	Limit  int
	Offset int
	Tenant string
	Action string
}

// Result is one page of audit entries.
type Result struct {
	Data  []Entry
	Total int
}

// MaintenanceQuery selects entries for deletion.
type MaintenanceQuery struct {
	Before *time.Time
}

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "erp-connector-audit.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres audit writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s audit writer: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	tenant TEXT NOT NULL,
	message TEXT,
	created_at TIMESTAMP NOT NULL
);`
	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	tenant TEXT NOT NULL,
	message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize audit log schema: %w", err)
	}
	return nil
}

// bind rewrites ?-placeholders to $n for Postgres.
func (w *SQLWriter) bind(query string) string {
	if w.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := w.bind(`INSERT INTO audit_logs(id, action, tenant, message, created_at) VALUES(?, ?, ?, ?, ?)`)
	_, err := w.db.ExecContext(ctx, query,
		entry.ID, entry.Action, entry.Tenant, entry.Message, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// List returns a page of audit entries, newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (Result, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var conds []string
	var args []any
	if q.Tenant != "" {
		conds = append(conds, "tenant = ?")
		args = append(args, q.Tenant)
	}
	if q.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, q.Action)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	err := w.db.QueryRowContext(ctx, w.bind(`SELECT COUNT(*) FROM audit_logs`+where), args...).Scan(&total)
	if err != nil {
		return Result{}, fmt.Errorf("count audit logs: %w", err)
	}

	query := w.bind(`SELECT id, action, tenant, message, created_at FROM audit_logs` +
		where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	rows, err := w.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return Result{}, fmt.Errorf("list audit logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := Result{Total: total, Data: make([]Entry, 0, q.Limit)}
	for rows.Next() {
		var e Entry
		var msg sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.Tenant, &msg, &e.CreatedAt); err != nil {
			return Result{}, fmt.Errorf("scan audit log: %w", err)
		}
		e.Message = msg.String
		e.CreatedAt = e.CreatedAt.UTC()
		out.Data = append(out.Data, e)
	}
	return out, rows.Err()
}

// Delete removes entries older than the cutoff and reports how many went.
func (w *SQLWriter) Delete(ctx context.Context, q MaintenanceQuery) (int64, error) {
	if q.Before == nil {
		return 0, fmt.Errorf("delete requires a cutoff")
	}
	res, err := w.db.ExecContext(ctx, w.bind(`DELETE FROM audit_logs WHERE created_at < ?`), q.Before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete audit logs: %w", err)
	}
	return res.RowsAffected()
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
