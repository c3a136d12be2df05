package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/b2x-labs/erp-connector/internal/auditlog"
	"github.com/b2x-labs/erp-connector/internal/metrics"
)

// ErrKeyNotFound is returned by prefix-addressed mutations when no
// matching key exists.
var ErrKeyNotFound = errors.New("api key not found")

// CredentialsConfiguredMarker replaces the sealed ERP username in
// redacted listings. The actual ciphertext never leaves the manager.
const CredentialsConfiguredMarker = "[CONFIGURED]"

const (
	defaultReloadInterval  = time.Minute
	defaultLastUsedPersist = 5 * time.Minute
)

// Manager is the credential store: it owns the in-memory key document,
// reloads it from the backing Store on a TTL, and persists mutations
// back through it. Validation is a read-path operation guarded by a
// reader lock; mutations take the writer lock.
type Manager struct {
	store  Store
	sealer *Sealer
	logger *slog.Logger

	auditOut    io.Writer
	auditWriter auditlog.Writer

	reloadInterval  time.Duration
	lastUsedPersist time.Duration

	mu          sync.RWMutex
	doc         *Document
	lastLoad    time.Time
	lastUseSave time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAuditWriter adds a persistent sink for audit events on top of the
// always-on stdout line.
func WithAuditWriter(w auditlog.Writer) ManagerOption {
	return func(m *Manager) { m.auditWriter = w }
}

// WithAuditOutput redirects the audit line stream away from stdout.
func WithAuditOutput(w io.Writer) ManagerOption {
	return func(m *Manager) { m.auditOut = w }
}

// WithReloadInterval overrides the store reload TTL.
func WithReloadInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.reloadInterval = d }
}

// WithLogger sets the structured logger used for non-audit diagnostics.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager over the given store and sealer. A load
// failure is logged and yields an empty document: validation then
// rejects every key, which fails closed without blocking startup.
func NewManager(store Store, sealer *Sealer, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:           store,
		sealer:          sealer,
		logger:          slog.Default(),
		auditOut:        os.Stdout,
		auditWriter:     auditlog.NoopWriter{},
		reloadInterval:  defaultReloadInterval,
		lastUsedPersist: defaultLastUsedPersist,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.load()
	return m
}

func (m *Manager) load() {
	doc, err := m.store.Load()
	if err != nil {
		m.logger.Error("loading api keys failed, starting with empty store", "error", err)
		doc = &Document{}
	}
	m.mu.Lock()
	m.doc = doc
	m.lastLoad = time.Now().UTC()
	m.lastUseSave = m.lastLoad
	m.mu.Unlock()
}

func (m *Manager) reloadIfStale() {
	m.mu.RLock()
	stale := time.Since(m.lastLoad) > m.reloadInterval
	m.mu.RUnlock()
	if stale {
		m.load()
	}
}

// save must be called with m.mu held for writing. Save failures are
// logged, not returned: the in-memory mutation stays effective until the
// next reload.
func (m *Manager) save() {
	if err := m.store.Save(m.doc); err != nil {
		m.logger.Error("saving api keys failed, mutation not durable", "error", err)
	}
}

func (m *Manager) audit(action, tenant, message string) {
	now := time.Now().UTC()
	fmt.Fprintf(m.auditOut, "[AUDIT] %s | %s | tenant=%s | %s\n",
		now.Format(time.RFC3339Nano), action, tenant, message)
	if err := m.auditWriter.Write(context.Background(), auditlog.Entry{
		Action: action, Tenant: tenant, Message: message, CreatedAt: now,
	}); err != nil {
		m.logger.Warn("persisting audit entry failed", "action", action, "error", err)
	}
}

func computeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func randomKeyPart() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating key material: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// GenerateKey creates a new tenant key and returns its plaintext, which
// is never stored and cannot be recovered later.
func (m *Manager) GenerateKey(tenantID, name string, allowedBusinessUnits []string, expiresAt *time.Time) (string, error) {
	if tenantID == "" {
		return "", errors.New("tenant id is required")
	}
	randomPart, err := randomKeyPart()
	if err != nil {
		return "", err
	}
	if name == "" {
		name = "Default"
	}

	plainKey := tenantID + "." + randomPart
	key := TenantAPIKey{
		TenantID:             tenantID,
		KeyHash:              computeHash(plainKey),
		KeyPrefix:            tenantID + "." + randomPart[:4],
		Name:                 name,
		AllowedBusinessUnits: append([]string(nil), allowedBusinessUnits...),
		CreatedAt:            time.Now().UTC(),
		ExpiresAt:            expiresAt,
		IsActive:             true,
	}

	m.mu.Lock()
	m.doc.Keys = append(m.doc.Keys, key)
	m.save()
	m.mu.Unlock()

	m.audit("KEY_GENERATED", tenantID, "New key created: "+key.KeyPrefix)
	return plainKey, nil
}

// SetAdminKey generates and installs a new admin key, returning its
// plaintext once.
func (m *Manager) SetAdminKey() (string, error) {
	randomPart, err := randomKeyPart()
	if err != nil {
		return "", err
	}
	adminKey := "admin." + randomPart

	m.mu.Lock()
	m.doc.AdminKeyHash = computeHash(adminKey)
	m.save()
	m.mu.Unlock()

	m.audit("ADMIN_KEY_SET", "system", "New admin key generated")
	return adminKey, nil
}

// ValidateKey checks a presented key against the store. It fails closed
// and reports rejections as values: the Reason field explains what went
// wrong, and no rejection is an error. On success the result carries the
// tenant, decrypted ERP credentials when configured, and service-account
// permissions.
func (m *Manager) ValidateKey(apiKey, requestedBusinessUnit, clientIP string) ValidationResult {
	if apiKey == "" {
		metrics.KeyValidations.WithLabelValues("invalid").Inc()
		return failure("API key is required")
	}

	m.reloadIfStale()
	keyHash := computeHash(apiKey)

	m.mu.RLock()
	adminHash := m.doc.AdminKeyHash
	m.mu.RUnlock()

	if adminHash != "" && subtle.ConstantTimeCompare([]byte(keyHash), []byte(adminHash)) == 1 {
		m.audit("ADMIN_ACCESS", "admin", "Admin key used from "+clientIP)
		metrics.KeyValidations.WithLabelValues("valid").Inc()
		return adminSuccess()
	}

	m.mu.RLock()
	var matched *TenantAPIKey
	for i := range m.doc.Keys {
		if m.doc.Keys[i].KeyHash == keyHash {
			matched = &m.doc.Keys[i]
			break
		}
	}
	var snapshot TenantAPIKey
	if matched != nil {
		snapshot = *matched
	}
	m.mu.RUnlock()

	if matched == nil {
		m.audit("AUTH_FAILED", "unknown", "Invalid key attempt from "+clientIP)
		metrics.KeyValidations.WithLabelValues("invalid").Inc()
		return failure("Invalid API key")
	}

	if !snapshot.IsValid() {
		reason := "Key has expired"
		if !snapshot.IsActive {
			reason = "Key is deactivated"
		}
		m.audit("AUTH_FAILED", snapshot.TenantID, reason+": "+snapshot.KeyPrefix)
		metrics.KeyValidations.WithLabelValues("inactive").Inc()
		return failure(reason)
	}

	if len(snapshot.AllowedIPAddresses) > 0 && clientIP != "" {
		allowed := false
		for _, ip := range snapshot.AllowedIPAddresses {
			if ip == clientIP {
				allowed = true
				break
			}
		}
		if !allowed {
			m.audit("AUTH_FAILED", snapshot.TenantID, "IP not allowed: "+clientIP)
			metrics.KeyValidations.WithLabelValues("invalid").Inc()
			return failure("IP address not authorized")
		}
	}

	if requestedBusinessUnit != "" && !snapshot.BusinessUnitAllowed(requestedBusinessUnit) {
		m.audit("AUTH_FAILED", snapshot.TenantID, "BU not allowed: "+requestedBusinessUnit)
		metrics.KeyValidations.WithLabelValues("invalid").Inc()
		return failure(fmt.Sprintf("Business unit '%s' not authorized for this key", requestedBusinessUnit))
	}

	m.touchLastUsed(keyHash)

	m.audit("AUTH_SUCCESS", snapshot.TenantID, "Key "+snapshot.KeyPrefix+" authenticated from "+clientIP)
	metrics.KeyValidations.WithLabelValues("valid").Inc()

	result := ValidationResult{
		Valid:            true,
		TenantID:         snapshot.TenantID,
		Key:              &snapshot,
		IsServiceAccount: snapshot.IsServiceAccount,
	}
	if snapshot.IsServiceAccount {
		result.ServicePermissions = append([]Permission(nil), snapshot.ServicePermissions...)
	}
	if snapshot.HasErpCredentials() {
		bu := requestedBusinessUnit
		if bu == "" {
			bu = snapshot.ErpDefaultBU
		}
		result.ErpCredentials = &ErpCredentials{
			Username:     m.sealer.Open(snapshot.ErpUsernameSealed),
			Password:     m.sealer.Open(snapshot.ErpPasswordSealed),
			BusinessUnit: bu,
		}
	}
	return result
}

// touchLastUsed updates the key's last-used timestamp in memory and
// persists it at most once per persistence window, so the hot validation
// path does not write the store on every call.
func (m *Manager) touchLastUsed(keyHash string) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.doc.Keys {
		if m.doc.Keys[i].KeyHash == keyHash {
			m.doc.Keys[i].LastUsedAt = &now
			break
		}
	}
	if now.Sub(m.lastUseSave) > m.lastUsedPersist {
		m.save()
		m.lastUseSave = now
	}
}

func (m *Manager) findByPrefix(prefix string, activeOnly bool) *TenantAPIKey {
	for i := range m.doc.Keys {
		k := &m.doc.Keys[i]
		if k.KeyPrefix != prefix {
			continue
		}
		if activeOnly && !k.IsActive {
			continue
		}
		return k
	}
	return nil
}

// DeactivateKey flips the key inactive. The record is kept for audit;
// keys are never hard-deleted.
func (m *Manager) DeactivateKey(prefix string) error {
	m.mu.Lock()
	key := m.findByPrefix(prefix, false)
	if key == nil {
		m.mu.Unlock()
		return fmt.Errorf("deactivate %s: %w", prefix, ErrKeyNotFound)
	}
	key.IsActive = false
	tenant := key.TenantID
	m.save()
	m.mu.Unlock()

	m.audit("KEY_DEACTIVATED", tenant, "Key deactivated: "+prefix)
	return nil
}

// RotateKey replaces an active key: a new key is generated carrying the
// original's name, business-unit restrictions, and expiry, then the
// original is deactivated. A crash between the two steps can leave both
// keys active until the operator retries.
func (m *Manager) RotateKey(prefix string) (string, error) {
	m.mu.RLock()
	old := m.findByPrefix(prefix, true)
	var snapshot TenantAPIKey
	if old != nil {
		snapshot = *old
	}
	m.mu.RUnlock()
	if old == nil {
		return "", fmt.Errorf("rotate %s: %w", prefix, ErrKeyNotFound)
	}

	newKey, err := m.GenerateKey(snapshot.TenantID, snapshot.Name+" (rotated)",
		snapshot.AllowedBusinessUnits, snapshot.ExpiresAt)
	if err != nil {
		return "", err
	}
	if err := m.DeactivateKey(prefix); err != nil {
		return "", err
	}

	m.audit("KEY_ROTATED", snapshot.TenantID, "Key rotated: "+prefix+" -> new key")
	return newKey, nil
}

// SetErpCredentials seals and attaches ERP login credentials to an
// active key.
func (m *Manager) SetErpCredentials(prefix, erpUsername, erpPassword, defaultBusinessUnit string) error {
	if prefix == "" {
		return errors.New("key prefix is required")
	}
	if erpUsername == "" {
		return errors.New("erp username is required")
	}
	if erpPassword == "" {
		return errors.New("erp password is required")
	}

	userSealed, err := m.sealer.Seal(erpUsername)
	if err != nil {
		return err
	}
	passSealed, err := m.sealer.Seal(erpPassword)
	if err != nil {
		return err
	}

	m.mu.Lock()
	key := m.findByPrefix(prefix, true)
	if key == nil {
		m.mu.Unlock()
		return fmt.Errorf("set erp credentials %s: %w", prefix, ErrKeyNotFound)
	}
	key.ErpUsernameSealed = userSealed
	key.ErpPasswordSealed = passSealed
	key.ErpDefaultBU = defaultBusinessUnit
	tenant := key.TenantID
	m.save()
	m.mu.Unlock()

	m.audit("ERP_CREDS_SET", tenant, "ERP credentials configured for key: "+prefix)
	return nil
}

// RemoveErpCredentials strips sealed credentials from a key.
func (m *Manager) RemoveErpCredentials(prefix string) error {
	m.mu.Lock()
	key := m.findByPrefix(prefix, false)
	if key == nil {
		m.mu.Unlock()
		return fmt.Errorf("remove erp credentials %s: %w", prefix, ErrKeyNotFound)
	}
	key.ErpUsernameSealed = ""
	key.ErpPasswordSealed = ""
	key.ErpDefaultBU = ""
	tenant := key.TenantID
	m.save()
	m.mu.Unlock()

	m.audit("ERP_CREDS_REMOVED", tenant, "ERP credentials removed from key: "+prefix)
	return nil
}

// HasErpCredentials reports whether the key holds sealed credentials.
func (m *Manager) HasErpCredentials(prefix string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := m.findByPrefix(prefix, false)
	return key != nil && key.HasErpCredentials()
}

// CreateErpServiceAccount creates a permission-scoped machine key for
// ERP-initiated calls and returns its plaintext once.
func (m *Manager) CreateErpServiceAccount(tenantID, name string, permissions []Permission, expiresAt *time.Time) (string, error) {
	if tenantID == "" {
		return "", errors.New("tenant id is required")
	}
	if len(permissions) == 0 {
		return "", errors.New("at least one erp permission is required")
	}
	for _, p := range permissions {
		if !p.Valid() {
			return "", fmt.Errorf("unknown erp permission %q", p)
		}
	}
	randomPart, err := randomKeyPart()
	if err != nil {
		return "", err
	}
	if name == "" {
		name = "ERP Service Account"
	}

	plainKey := tenantID + ".erp." + randomPart
	key := TenantAPIKey{
		TenantID:           tenantID,
		KeyHash:            computeHash(plainKey),
		KeyPrefix:          tenantID + ".erp." + randomPart[:4],
		Name:               name,
		CreatedAt:          time.Now().UTC(),
		ExpiresAt:          expiresAt,
		IsActive:           true,
		IsServiceAccount:   true,
		ServicePermissions: append([]Permission(nil), permissions...),
	}

	m.mu.Lock()
	m.doc.Keys = append(m.doc.Keys, key)
	m.save()
	m.mu.Unlock()

	m.audit("ERP_SERVICE_ACCOUNT_CREATED", tenantID,
		fmt.Sprintf("ERP service account created: %s with permissions: %v", key.KeyPrefix, permissions))
	return plainKey, nil
}

// UpdateErpServiceAccountPermissions replaces a service account's grant
// list.
func (m *Manager) UpdateErpServiceAccountPermissions(prefix string, permissions []Permission) error {
	if prefix == "" {
		return errors.New("key prefix is required")
	}
	if len(permissions) == 0 {
		return errors.New("at least one erp permission is required")
	}
	for _, p := range permissions {
		if !p.Valid() {
			return fmt.Errorf("unknown erp permission %q", p)
		}
	}

	m.mu.Lock()
	var key *TenantAPIKey
	for i := range m.doc.Keys {
		if m.doc.Keys[i].KeyPrefix == prefix && m.doc.Keys[i].IsServiceAccount {
			key = &m.doc.Keys[i]
			break
		}
	}
	if key == nil {
		m.mu.Unlock()
		return fmt.Errorf("update service account %s: %w", prefix, ErrKeyNotFound)
	}
	key.ServicePermissions = append([]Permission(nil), permissions...)
	tenant := key.TenantID
	m.save()
	m.mu.Unlock()

	m.audit("ERP_SERVICE_ACCOUNT_UPDATED", tenant, "ERP service account permissions updated: "+prefix)
	return nil
}

// ListErpServiceAccounts returns redacted copies of all active service
// accounts, optionally for one tenant.
func (m *Manager) ListErpServiceAccounts(tenantID string) []TenantAPIKey {
	m.reloadIfStale()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TenantAPIKey
	for i := range m.doc.Keys {
		k := &m.doc.Keys[i]
		if !k.IsServiceAccount || !k.IsActive {
			continue
		}
		if tenantID != "" && k.TenantID != tenantID {
			continue
		}
		out = append(out, TenantAPIKey{
			TenantID:           k.TenantID,
			KeyPrefix:          k.KeyPrefix,
			Name:               k.Name,
			CreatedAt:          k.CreatedAt,
			ExpiresAt:          k.ExpiresAt,
			IsActive:           k.IsActive,
			IsServiceAccount:   true,
			ServicePermissions: append([]Permission(nil), k.ServicePermissions...),
			LastUsedAt:         k.LastUsedAt,
		})
	}
	return out
}

// ValidateErpServiceAccountPermission reports whether the presented key
// is a valid service account holding the required permission.
func (m *Manager) ValidateErpServiceAccountPermission(apiKey string, required Permission) bool {
	result := m.ValidateKey(apiKey, "", "")
	if !result.Valid || !result.IsServiceAccount {
		return false
	}
	for _, p := range result.ServicePermissions {
		if p == required {
			return true
		}
	}
	return false
}

// ListKeys returns redacted copies of every key, optionally for one
// tenant. Hashes and sealed credential payloads are stripped; the sealed
// username slot only signals whether credentials are configured.
func (m *Manager) ListKeys(tenantID string) []TenantAPIKey {
	m.reloadIfStale()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TenantAPIKey
	for i := range m.doc.Keys {
		k := &m.doc.Keys[i]
		if tenantID != "" && k.TenantID != tenantID {
			continue
		}
		redacted := TenantAPIKey{
			TenantID:             k.TenantID,
			KeyPrefix:            k.KeyPrefix,
			Name:                 k.Name,
			AllowedBusinessUnits: append([]string(nil), k.AllowedBusinessUnits...),
			AllowedIPAddresses:   append([]string(nil), k.AllowedIPAddresses...),
			CreatedAt:            k.CreatedAt,
			ExpiresAt:            k.ExpiresAt,
			IsActive:             k.IsActive,
			LastUsedAt:           k.LastUsedAt,
			ErpDefaultBU:         k.ErpDefaultBU,
			IsServiceAccount:     k.IsServiceAccount,
			ServicePermissions:   append([]Permission(nil), k.ServicePermissions...),
		}
		if k.HasErpCredentials() {
			redacted.ErpUsernameSealed = CredentialsConfiguredMarker
		}
		out = append(out, redacted)
	}
	return out
}

// HasKeys reports whether any key or an admin key exists, for first-run
// detection.
func (m *Manager) HasKeys() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.AdminKeyHash != "" || len(m.doc.Keys) > 0
}
