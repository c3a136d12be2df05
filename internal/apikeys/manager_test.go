package apikeys

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	dir := t.TempDir()
	sealer, err := NewSealer(filepath.Join(dir, "credential.key"))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	store := NewFileStore(filepath.Join(dir, "api-keys.json"))
	opts = append([]ManagerOption{WithAuditOutput(io.Discard)}, opts...)
	return NewManager(store, sealer, opts...)
}

func TestGenerateAndValidateKey(t *testing.T) {
	m := newTestManager(t)

	plain, err := m.GenerateKey("tenant-a", "Default", nil, nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if !strings.HasPrefix(plain, "tenant-a.") {
		t.Errorf("key %q does not carry the tenant prefix", plain)
	}

	result := m.ValidateKey(plain, "", "")
	if !result.Valid {
		t.Fatalf("valid key rejected: %s", result.Reason)
	}
	if result.TenantID != "tenant-a" {
		t.Errorf("tenant = %q, want tenant-a", result.TenantID)
	}

	wrong := m.ValidateKey("tenant-a.WRONGWRONGWRONG", "", "")
	if wrong.Valid {
		t.Fatal("wrong key accepted")
	}
	if wrong.Reason != "Invalid API key" {
		t.Errorf("reason = %q", wrong.Reason)
	}
}

func TestGenerateKeyRequiresTenant(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.GenerateKey("", "x", nil, nil); err == nil {
		t.Fatal("expected error for empty tenant id")
	}
}

func TestValidateEmptyKeyFailsClosed(t *testing.T) {
	m := newTestManager(t)
	result := m.ValidateKey("", "", "")
	if result.Valid {
		t.Fatal("empty key accepted")
	}
	if result.Reason != "API key is required" {
		t.Errorf("reason = %q", result.Reason)
	}
}

// The persisted store must never contain the plaintext key; only its
// hash and a short prefix.
func TestPersistedStoreKeepsKeySecret(t *testing.T) {
	dir := t.TempDir()
	sealer, err := NewSealer(filepath.Join(dir, "credential.key"))
	if err != nil {
		t.Fatal(err)
	}
	storePath := filepath.Join(dir, "api-keys.json")
	m := NewManager(NewFileStore(storePath), sealer, WithAuditOutput(io.Discard))

	plain, err := m.GenerateKey("tenant-a", "Default", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("reading persisted store: %v", err)
	}
	randomPart := strings.TrimPrefix(plain, "tenant-a.")
	if strings.Contains(string(raw), randomPart) {
		t.Fatal("persisted store contains the plaintext key material")
	}
	if !strings.Contains(string(raw), "tenant-a."+randomPart[:4]) {
		t.Error("persisted store is missing the key prefix")
	}
}

func TestValidateKeyIsDeterministic(t *testing.T) {
	m := newTestManager(t)
	plain, err := m.GenerateKey("tenant-a", "Default", []string{"10"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	first := m.ValidateKey(plain, "10", "192.0.2.1")
	second := m.ValidateKey(plain, "10", "192.0.2.1")
	if first.Valid != second.Valid || first.TenantID != second.TenantID || first.Reason != second.Reason {
		t.Errorf("repeated validation diverged: %+v vs %+v", first, second)
	}
}

func TestExpiredKeyRejected(t *testing.T) {
	m := newTestManager(t)
	expires := time.Now().UTC().Add(-time.Minute)
	plain, err := m.GenerateKey("tenant-a", "Short lived", nil, &expires)
	if err != nil {
		t.Fatal(err)
	}

	result := m.ValidateKey(plain, "", "")
	if result.Valid {
		t.Fatal("expired key accepted")
	}
	if result.Reason != "Key has expired" {
		t.Errorf("reason = %q", result.Reason)
	}
}

func TestBusinessUnitRestriction(t *testing.T) {
	m := newTestManager(t)
	plain, err := m.GenerateKey("tenant-a", "Restricted", []string{"10"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	denied := m.ValidateKey(plain, "20", "")
	if denied.Valid {
		t.Fatal("out-of-scope business unit accepted")
	}
	if denied.Reason != "Business unit '20' not authorized for this key" {
		t.Errorf("reason = %q", denied.Reason)
	}

	allowed := m.ValidateKey(plain, "10", "")
	if !allowed.Valid {
		t.Fatalf("in-scope business unit rejected: %s", allowed.Reason)
	}
}

func TestIPRestriction(t *testing.T) {
	m := newTestManager(t)
	plain, err := m.GenerateKey("tenant-a", "Pinned", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	prefix := m.ListKeys("tenant-a")[0].KeyPrefix

	// Attach an allow-list directly; there is no public op for IP pinning.
	m.mu.Lock()
	m.findByPrefix(prefix, true).AllowedIPAddresses = []string{"192.0.2.1"}
	m.mu.Unlock()

	denied := m.ValidateKey(plain, "", "198.51.100.7")
	if denied.Valid {
		t.Fatal("unlisted IP accepted")
	}
	if denied.Reason != "IP address not authorized" {
		t.Errorf("reason = %q", denied.Reason)
	}
	if allowed := m.ValidateKey(plain, "", "192.0.2.1"); !allowed.Valid {
		t.Fatalf("listed IP rejected: %s", allowed.Reason)
	}
}

func TestDeactivateKey(t *testing.T) {
	m := newTestManager(t)
	plain, err := m.GenerateKey("tenant-a", "Default", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	prefix := m.ListKeys("tenant-a")[0].KeyPrefix

	if err := m.DeactivateKey(prefix); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	result := m.ValidateKey(plain, "", "")
	if result.Valid {
		t.Fatal("deactivated key accepted")
	}
	if result.Reason != "Key is deactivated" {
		t.Errorf("reason = %q", result.Reason)
	}

	err = m.DeactivateKey("tenant-a.none")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("got %v, want ErrKeyNotFound", err)
	}
}

func TestRotateKeyPreservesScope(t *testing.T) {
	m := newTestManager(t)
	expires := time.Now().UTC().Add(24 * time.Hour)
	oldPlain, err := m.GenerateKey("tenant-a", "Prod", []string{"10", "20"}, &expires)
	if err != nil {
		t.Fatal(err)
	}
	oldPrefix := m.ListKeys("tenant-a")[0].KeyPrefix

	newPlain, err := m.RotateKey(oldPrefix)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if old := m.ValidateKey(oldPlain, "", ""); old.Valid {
		t.Fatal("rotated-away key still validates")
	}

	fresh := m.ValidateKey(newPlain, "10", "")
	if !fresh.Valid {
		t.Fatalf("rotated key rejected: %s", fresh.Reason)
	}
	if got := fresh.Key.AllowedBusinessUnits; len(got) != 2 || got[0] != "10" || got[1] != "20" {
		t.Errorf("business units not carried over: %v", got)
	}
	if fresh.Key.ExpiresAt == nil || !fresh.Key.ExpiresAt.Equal(expires) {
		t.Errorf("expiry not carried over: %v", fresh.Key.ExpiresAt)
	}

	if _, err := m.RotateKey("tenant-a.none"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("got %v, want ErrKeyNotFound", err)
	}
	// Rotating an already-deactivated prefix also misses: rotation only
	// considers active keys.
	if _, err := m.RotateKey(oldPrefix); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("got %v, want ErrKeyNotFound", err)
	}
}

func TestAdminKey(t *testing.T) {
	m := newTestManager(t)
	adminKey, err := m.SetAdminKey()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(adminKey, "admin.") {
		t.Errorf("admin key %q lacks the admin prefix", adminKey)
	}

	result := m.ValidateKey(adminKey, "", "127.0.0.1")
	if !result.Valid || !result.IsAdmin {
		t.Fatalf("admin key rejected: %+v", result)
	}
	if bad := m.ValidateKey("admin.nope", "", ""); bad.Valid {
		t.Fatal("bogus admin key accepted")
	}
}

func TestErpCredentialsRoundTrip(t *testing.T) {
	m := newTestManager(t)
	plain, err := m.GenerateKey("tenant-a", "Default", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	prefix := m.ListKeys("tenant-a")[0].KeyPrefix

	if m.HasErpCredentials(prefix) {
		t.Fatal("fresh key reports credentials")
	}
	if err := m.SetErpCredentials(prefix, "erp-user", "erp-pass", "10"); err != nil {
		t.Fatalf("set credentials: %v", err)
	}
	if !m.HasErpCredentials(prefix) {
		t.Fatal("credentials not recorded")
	}

	result := m.ValidateKey(plain, "", "")
	if !result.Valid {
		t.Fatal(result.Reason)
	}
	creds := result.ErpCredentials
	if creds == nil || creds.Username != "erp-user" || creds.Password != "erp-pass" {
		t.Fatalf("credentials did not round-trip: %+v", creds)
	}
	if creds.BusinessUnit != "10" {
		t.Errorf("default business unit = %q, want 10", creds.BusinessUnit)
	}

	// An explicitly requested business unit wins over the default.
	withBU := m.ValidateKey(plain, "20", "")
	if withBU.Valid && withBU.ErpCredentials.BusinessUnit != "20" {
		t.Errorf("business unit = %q, want 20", withBU.ErpCredentials.BusinessUnit)
	}

	if err := m.RemoveErpCredentials(prefix); err != nil {
		t.Fatalf("remove credentials: %v", err)
	}
	if m.HasErpCredentials(prefix) {
		t.Fatal("credentials survived removal")
	}
	if err := m.SetErpCredentials("tenant-a.none", "u", "p", ""); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("got %v, want ErrKeyNotFound", err)
	}
}

func TestSetErpCredentialsValidatesArguments(t *testing.T) {
	m := newTestManager(t)
	if err := m.SetErpCredentials("", "u", "p", ""); err == nil {
		t.Error("expected error for empty prefix")
	}
	if err := m.SetErpCredentials("x", "", "p", ""); err == nil {
		t.Error("expected error for empty username")
	}
	if err := m.SetErpCredentials("x", "u", "", ""); err == nil {
		t.Error("expected error for empty password")
	}
}

func TestServiceAccounts(t *testing.T) {
	m := newTestManager(t)

	plain, err := m.CreateErpServiceAccount("tenant-a", "Webhook receiver",
		[]Permission{PermReadProducts, PermReceiveWebhooks}, nil)
	if err != nil {
		t.Fatalf("create service account: %v", err)
	}
	if !strings.HasPrefix(plain, "tenant-a.erp.") {
		t.Errorf("service account key %q lacks the erp marker", plain)
	}

	if !m.ValidateErpServiceAccountPermission(plain, PermReceiveWebhooks) {
		t.Error("granted permission denied")
	}
	if m.ValidateErpServiceAccountPermission(plain, PermManageAccess) {
		t.Error("ungranted permission allowed")
	}

	accounts := m.ListErpServiceAccounts("tenant-a")
	if len(accounts) != 1 {
		t.Fatalf("got %d accounts, want 1", len(accounts))
	}
	if accounts[0].KeyHash != "" {
		t.Error("listing leaked the key hash")
	}

	prefix := accounts[0].KeyPrefix
	if err := m.UpdateErpServiceAccountPermissions(prefix, []Permission{PermManageAccess}); err != nil {
		t.Fatalf("update permissions: %v", err)
	}
	if !m.ValidateErpServiceAccountPermission(plain, PermManageAccess) {
		t.Error("updated permission denied")
	}
	if m.ValidateErpServiceAccountPermission(plain, PermReadProducts) {
		t.Error("replaced permission still allowed")
	}

	err = m.UpdateErpServiceAccountPermissions("tenant-a.erp.none", []Permission{PermManageAccess})
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("got %v, want ErrKeyNotFound", err)
	}
}

func TestCreateServiceAccountValidatesArguments(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateErpServiceAccount("", "x", []Permission{PermReadProducts}, nil); err == nil {
		t.Error("expected error for empty tenant")
	}
	if _, err := m.CreateErpServiceAccount("tenant-a", "x", nil, nil); err == nil {
		t.Error("expected error for empty permissions")
	}
	if _, err := m.CreateErpServiceAccount("tenant-a", "x", []Permission{"fly_to_moon"}, nil); err == nil {
		t.Error("expected error for unknown permission")
	}
}

// A regular tenant key never passes a service-account permission check.
func TestRegularKeyHasNoServicePermissions(t *testing.T) {
	m := newTestManager(t)
	plain, err := m.GenerateKey("tenant-a", "Default", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.ValidateErpServiceAccountPermission(plain, PermReadProducts) {
		t.Error("regular key passed a service-account permission check")
	}
}

func TestListKeysRedaction(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.GenerateKey("tenant-a", "One", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GenerateKey("tenant-b", "Two", nil, nil); err != nil {
		t.Fatal(err)
	}
	prefix := m.ListKeys("tenant-a")[0].KeyPrefix
	if err := m.SetErpCredentials(prefix, "u", "p", ""); err != nil {
		t.Fatal(err)
	}

	all := m.ListKeys("")
	if len(all) != 2 {
		t.Fatalf("got %d keys, want 2", len(all))
	}
	for _, k := range all {
		if k.KeyHash != "" {
			t.Error("listing leaked a key hash")
		}
		if k.ErpPasswordSealed != "" {
			t.Error("listing leaked a sealed password")
		}
	}

	tenantA := m.ListKeys("tenant-a")
	if len(tenantA) != 1 {
		t.Fatalf("got %d tenant-a keys, want 1", len(tenantA))
	}
	if tenantA[0].ErpUsernameSealed != CredentialsConfiguredMarker {
		t.Errorf("credentials indicator = %q", tenantA[0].ErpUsernameSealed)
	}
}

func TestHasKeys(t *testing.T) {
	m := newTestManager(t)
	if m.HasKeys() {
		t.Fatal("fresh store reports keys")
	}
	if _, err := m.GenerateKey("tenant-a", "Default", nil, nil); err != nil {
		t.Fatal(err)
	}
	if !m.HasKeys() {
		t.Fatal("store with a key reports empty")
	}

	adminOnly := newTestManager(t)
	if _, err := adminOnly.SetAdminKey(); err != nil {
		t.Fatal(err)
	}
	if !adminOnly.HasKeys() {
		t.Fatal("admin key alone should count")
	}
}

func TestManagerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	sealer, err := NewSealer(filepath.Join(dir, "credential.key"))
	if err != nil {
		t.Fatal(err)
	}
	storePath := filepath.Join(dir, "api-keys.json")

	m1 := NewManager(NewFileStore(storePath), sealer, WithAuditOutput(io.Discard))
	plain, err := m1.GenerateKey("tenant-a", "Default", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	prefix := m1.ListKeys("tenant-a")[0].KeyPrefix
	if err := m1.SetErpCredentials(prefix, "erp-user", "erp-pass", ""); err != nil {
		t.Fatal(err)
	}

	m2 := NewManager(NewFileStore(storePath), sealer, WithAuditOutput(io.Discard))
	result := m2.ValidateKey(plain, "", "")
	if !result.Valid {
		t.Fatalf("key lost across restart: %s", result.Reason)
	}
	if result.ErpCredentials == nil || result.ErpCredentials.Username != "erp-user" {
		t.Fatalf("credentials lost across restart: %+v", result.ErpCredentials)
	}
}

func TestAuditLineFormat(t *testing.T) {
	var buf strings.Builder
	dir := t.TempDir()
	sealer, err := NewSealer(filepath.Join(dir, "credential.key"))
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(NewFileStore(filepath.Join(dir, "api-keys.json")), sealer, WithAuditOutput(&buf))

	if _, err := m.GenerateKey("tenant-a", "Default", nil, nil); err != nil {
		t.Fatal(err)
	}

	line := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(line, "[AUDIT] ") {
		t.Fatalf("audit line %q lacks the marker", line)
	}
	parts := strings.Split(line, " | ")
	if len(parts) != 4 {
		t.Fatalf("audit line has %d segments, want 4: %q", len(parts), line)
	}
	if parts[1] != "KEY_GENERATED" {
		t.Errorf("action = %q", parts[1])
	}
	if parts[2] != "tenant=tenant-a" {
		t.Errorf("tenant segment = %q", parts[2])
	}
	stamp := strings.TrimPrefix(parts[0], "[AUDIT] ")
	if _, err := time.Parse(time.RFC3339Nano, stamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339Nano: %v", stamp, err)
	}
}
