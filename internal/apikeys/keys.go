// Package apikeys manages tenant API keys with secure hash storage.
// Plaintext keys are returned exactly once at generation; only a SHA-256
// digest and a short prefix are ever persisted.
package apikeys

import (
	"time"
)

// Permission scopes an ERP service account. Service accounts are used by
// the ERP system itself to call back into the platform, so each account
// carries an explicit grant list.
type Permission string

const (
	PermReadCustomers   Permission = "read_customers"
	PermUpdateCustomers Permission = "update_customers"
	PermReadProducts    Permission = "read_products"
	PermUpdateProducts  Permission = "update_products"
	PermReadUsageStats  Permission = "read_usage_stats"
	PermManageAccess    Permission = "manage_access"
	PermReceiveWebhooks Permission = "receive_webhooks"
)

// Permissions lists every known permission.
func Permissions() []Permission {
	return []Permission{
		PermReadCustomers, PermUpdateCustomers,
		PermReadProducts, PermUpdateProducts,
		PermReadUsageStats, PermManageAccess, PermReceiveWebhooks,
	}
}

// Valid reports whether p names a known permission.
func (p Permission) Valid() bool {
	switch p {
	case PermReadCustomers, PermUpdateCustomers, PermReadProducts,
		PermUpdateProducts, PermReadUsageStats, PermManageAccess,
		PermReceiveWebhooks:
		return true
	}
	return false
}

// TenantAPIKey is one tenant-coupled key record. The plaintext key is
// never part of this struct; KeyHash is its SHA-256 hex digest and
// KeyPrefix a short non-secret identifier for logs and listings.
type TenantAPIKey struct {
	TenantID             string       `json:"tenant_id"`
	KeyHash              string       `json:"key_hash,omitempty"`
	KeyPrefix            string       `json:"key_prefix"`
	Name                 string       `json:"name"`
	AllowedBusinessUnits []string     `json:"allowed_business_units,omitempty"`
	AllowedIPAddresses   []string     `json:"allowed_ip_addresses,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	ExpiresAt            *time.Time   `json:"expires_at,omitempty"`
	IsActive             bool         `json:"is_active"`
	LastUsedAt           *time.Time   `json:"last_used_at,omitempty"`
	ErpUsernameSealed    string       `json:"erp_username_sealed,omitempty"`
	ErpPasswordSealed    string       `json:"erp_password_sealed,omitempty"`
	ErpDefaultBU         string       `json:"erp_default_business_unit,omitempty"`
	IsServiceAccount     bool         `json:"is_erp_service_account,omitempty"`
	ServicePermissions   []Permission `json:"erp_service_permissions,omitempty"`
}

// IsValid reports whether the key is active and unexpired.
func (k *TenantAPIKey) IsValid() bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now().UTC()) {
		return false
	}
	return true
}

// BusinessUnitAllowed reports whether the key may access bu. An empty
// allow-list means unrestricted.
func (k *TenantAPIKey) BusinessUnitAllowed(bu string) bool {
	if len(k.AllowedBusinessUnits) == 0 {
		return true
	}
	for _, allowed := range k.AllowedBusinessUnits {
		if allowed == bu {
			return true
		}
	}
	return false
}

// HasErpCredentials reports whether sealed ERP credentials are attached.
func (k *TenantAPIKey) HasErpCredentials() bool {
	return k.ErpUsernameSealed != ""
}

// HasPermission reports whether a service account holds the permission.
// Always false for regular tenant keys.
func (k *TenantAPIKey) HasPermission(p Permission) bool {
	if !k.IsServiceAccount {
		return false
	}
	for _, granted := range k.ServicePermissions {
		if granted == p {
			return true
		}
	}
	return false
}

// ErpCredentials are decrypted ERP login credentials. They only ever
// exist in memory.
type ErpCredentials struct {
	Username     string
	Password     string
	BusinessUnit string
}

// Configured reports whether both username and password are present.
func (c ErpCredentials) Configured() bool {
	return c.Username != "" && c.Password != ""
}

// Document is the persisted shape of the whole key store.
type Document struct {
	AdminKeyHash string         `json:"admin_key_hash,omitempty"`
	Keys         []TenantAPIKey `json:"keys"`
}

// ValidationResult is the outcome of ValidateKey. Rejections are values
// carrying a human-readable reason, never errors, so callers branch on
// Valid without error plumbing.
type ValidationResult struct {
	Valid              bool
	IsAdmin            bool
	TenantID           string
	Key                *TenantAPIKey
	Reason             string
	ErpCredentials     *ErpCredentials
	IsServiceAccount   bool
	ServicePermissions []Permission
}

func failure(reason string) ValidationResult {
	return ValidationResult{Reason: reason}
}

func adminSuccess() ValidationResult {
	return ValidationResult{Valid: true, IsAdmin: true}
}
