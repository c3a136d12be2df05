package apikeys

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore persists the key document in SQLite or Postgres. The whole
// document is written transactionally on Save, mirroring the file
// store's replace-everything semantics; key volume is small enough that
// row-level diffing buys nothing.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens or creates a SQLite-backed key store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "erp-connector-keys.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite key store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens a Postgres-backed key store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres key store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s key store: %w", s.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS api_key_meta (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS api_keys (
	key_hash TEXT PRIMARY KEY,
	key_prefix TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	allowed_business_units TEXT,
	allowed_ip_addresses TEXT,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP,
	is_active INTEGER NOT NULL,
	last_used_at TIMESTAMP,
	erp_username_sealed TEXT,
	erp_password_sealed TEXT,
	erp_default_business_unit TEXT,
	is_erp_service_account INTEGER NOT NULL,
	erp_service_permissions TEXT
);`
	if s.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS api_key_meta (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS api_keys (
	key_hash TEXT PRIMARY KEY,
	key_prefix TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	allowed_business_units TEXT,
	allowed_ip_addresses TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ,
	is_active BOOLEAN NOT NULL,
	last_used_at TIMESTAMPTZ,
	erp_username_sealed TEXT,
	erp_password_sealed TEXT,
	erp_default_business_unit TEXT,
	is_erp_service_account BOOLEAN NOT NULL,
	erp_service_permissions TEXT
);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize key store schema: %w", err)
	}
	return nil
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != "postgres" {
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

// Load implements Store.
func (s *SQLStore) Load() (*Document, error) {
	doc := &Document{}

	var admin sql.NullString
	err := s.db.QueryRow(s.bind(`SELECT value FROM api_key_meta WHERE name = ?`), "admin_key_hash").Scan(&admin)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load admin key hash: %w", err)
	}
	doc.AdminKeyHash = admin.String

	rows, err := s.db.Query(`
SELECT key_hash, key_prefix, tenant_id, name, allowed_business_units,
	allowed_ip_addresses, created_at, expires_at, is_active, last_used_at,
	erp_username_sealed, erp_password_sealed, erp_default_business_unit,
	is_erp_service_account, erp_service_permissions
FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			k                           TenantAPIKey
			bus, ips, perms             sql.NullString
			userSealed, passSealed, dbu sql.NullString
			expiresAt, lastUsedAt       sql.NullTime
		)
		err := rows.Scan(&k.KeyHash, &k.KeyPrefix, &k.TenantID, &k.Name, &bus, &ips,
			&k.CreatedAt, &expiresAt, &k.IsActive, &lastUsedAt,
			&userSealed, &passSealed, &dbu, &k.IsServiceAccount, &perms)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if err := unmarshalList(bus, &k.AllowedBusinessUnits); err != nil {
			return nil, err
		}
		if err := unmarshalList(ips, &k.AllowedIPAddresses); err != nil {
			return nil, err
		}
		if err := unmarshalList(perms, &k.ServicePermissions); err != nil {
			return nil, err
		}
		k.CreatedAt = k.CreatedAt.UTC()
		if expiresAt.Valid {
			t := expiresAt.Time.UTC()
			k.ExpiresAt = &t
		}
		if lastUsedAt.Valid {
			t := lastUsedAt.Time.UTC()
			k.LastUsedAt = &t
		}
		k.ErpUsernameSealed = userSealed.String
		k.ErpPasswordSealed = passSealed.String
		k.ErpDefaultBU = dbu.String
		doc.Keys = append(doc.Keys, k)
	}
	return doc, rows.Err()
}

func unmarshalList[T any](col sql.NullString, dst *[]T) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("decode key list column: %w", err)
	}
	return nil
}

func marshalList[T any](list []T) (any, error) {
	if len(list) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode key list column: %w", err)
	}
	return string(raw), nil
}

// Save implements Store.
func (s *SQLStore) Save(doc *Document) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save key store: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM api_key_meta`); err != nil {
		return fmt.Errorf("save key store: %w", err)
	}
	if doc.AdminKeyHash != "" {
		_, err := tx.Exec(s.bind(`INSERT INTO api_key_meta(name, value) VALUES(?, ?)`),
			"admin_key_hash", doc.AdminKeyHash)
		if err != nil {
			return fmt.Errorf("save admin key hash: %w", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM api_keys`); err != nil {
		return fmt.Errorf("save key store: %w", err)
	}
	insert := s.bind(`
INSERT INTO api_keys(key_hash, key_prefix, tenant_id, name, allowed_business_units,
	allowed_ip_addresses, created_at, expires_at, is_active, last_used_at,
	erp_username_sealed, erp_password_sealed, erp_default_business_unit,
	is_erp_service_account, erp_service_permissions)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	for _, k := range doc.Keys {
		bus, err := marshalList(k.AllowedBusinessUnits)
		if err != nil {
			return err
		}
		ips, err := marshalList(k.AllowedIPAddresses)
		if err != nil {
			return err
		}
		perms, err := marshalList(k.ServicePermissions)
		if err != nil {
			return err
		}
		var expiresAt, lastUsedAt any
		if k.ExpiresAt != nil {
			expiresAt = k.ExpiresAt.UTC()
		}
		if k.LastUsedAt != nil {
			lastUsedAt = k.LastUsedAt.UTC()
		}
		_, err = tx.Exec(insert,
			k.KeyHash, k.KeyPrefix, k.TenantID, k.Name, bus, ips,
			k.CreatedAt.UTC(), expiresAt, k.IsActive, lastUsedAt,
			nullable(k.ErpUsernameSealed), nullable(k.ErpPasswordSealed), nullable(k.ErpDefaultBU),
			k.IsServiceAccount, perms)
		if err != nil {
			return fmt.Errorf("save api key %s: %w", k.KeyPrefix, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save key store: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
