package apikeys

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleDocument() *Document {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(30 * 24 * time.Hour)
	return &Document{
		AdminKeyHash: "adminhash",
		Keys: []TenantAPIKey{
			{
				TenantID:             "tenant-a",
				KeyHash:              "hash-a",
				KeyPrefix:            "tenant-a.Ab3d",
				Name:                 "Production",
				AllowedBusinessUnits: []string{"10", "20"},
				AllowedIPAddresses:   []string{"192.0.2.1"},
				CreatedAt:            now,
				ExpiresAt:            &expires,
				IsActive:             true,
				ErpUsernameSealed:    "c2VhbGVk",
				ErpPasswordSealed:    "c2VhbGVkMg",
				ErpDefaultBU:         "10",
			},
			{
				TenantID:           "tenant-b",
				KeyHash:            "hash-b",
				KeyPrefix:          "tenant-b.erp.Zz9x",
				Name:               "ERP Service Account",
				CreatedAt:          now,
				IsActive:           true,
				IsServiceAccount:   true,
				ServicePermissions: []Permission{PermReadProducts, PermReceiveWebhooks},
			},
		},
	}
}

func assertDocumentsEqual(t *testing.T, got, want *Document) {
	t.Helper()
	if got.AdminKeyHash != want.AdminKeyHash {
		t.Errorf("admin hash = %q, want %q", got.AdminKeyHash, want.AdminKeyHash)
	}
	if len(got.Keys) != len(want.Keys) {
		t.Fatalf("got %d keys, want %d", len(got.Keys), len(want.Keys))
	}
	for i := range want.Keys {
		g, w := got.Keys[i], want.Keys[i]
		if g.TenantID != w.TenantID || g.KeyHash != w.KeyHash || g.KeyPrefix != w.KeyPrefix {
			t.Errorf("key %d identity mismatch: %+v vs %+v", i, g, w)
		}
		if !g.CreatedAt.Equal(w.CreatedAt) {
			t.Errorf("key %d created_at = %v, want %v", i, g.CreatedAt, w.CreatedAt)
		}
		if (g.ExpiresAt == nil) != (w.ExpiresAt == nil) {
			t.Errorf("key %d expiry presence mismatch", i)
		} else if g.ExpiresAt != nil && !g.ExpiresAt.Equal(*w.ExpiresAt) {
			t.Errorf("key %d expires_at = %v, want %v", i, g.ExpiresAt, w.ExpiresAt)
		}
		if len(g.AllowedBusinessUnits) != len(w.AllowedBusinessUnits) {
			t.Errorf("key %d business units = %v, want %v", i, g.AllowedBusinessUnits, w.AllowedBusinessUnits)
		}
		if g.ErpUsernameSealed != w.ErpUsernameSealed || g.ErpDefaultBU != w.ErpDefaultBU {
			t.Errorf("key %d credentials mismatch", i)
		}
		if g.IsServiceAccount != w.IsServiceAccount || len(g.ServicePermissions) != len(w.ServicePermissions) {
			t.Errorf("key %d service account mismatch", i)
		}
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-keys.json")
	store := NewFileStore(path)

	doc := sampleDocument()
	if err := store.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertDocumentsEqual(t, loaded, doc)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("store file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent", "api-keys.json"))
	doc, err := store.Load()
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if doc.AdminKeyHash != "" || len(doc.Keys) != 0 {
		t.Errorf("missing file loaded as non-empty document: %+v", doc)
	}
}

func TestFileStoreRejectsCorruptJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-keys.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(); err == nil {
		t.Fatal("corrupt store loaded without error")
	}
}

// A save must not leave temp artifacts and must fully replace the
// previous document.
func TestFileStoreSaveReplaces(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "api-keys.json"))

	if err := store.Save(sampleDocument()); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(&Document{}); err != nil {
		t.Fatal(err)
	}
	doc, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Keys) != 0 || doc.AdminKeyHash != "" {
		t.Errorf("old document leaked into new save: %+v", doc)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory has leftover files: %v", names)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	doc := sampleDocument()
	if err := store.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertDocumentsEqual(t, loaded, doc)

	// Save replaces everything.
	if err := store.Save(&Document{AdminKeyHash: "other"}); err != nil {
		t.Fatal(err)
	}
	loaded, err = store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.AdminKeyHash != "other" || len(loaded.Keys) != 0 {
		t.Errorf("second save did not replace the document: %+v", loaded)
	}
}

func TestSQLiteStoreEmpty(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	doc, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if doc.AdminKeyHash != "" || len(doc.Keys) != 0 {
		t.Errorf("fresh database loaded as non-empty: %+v", doc)
	}
}
