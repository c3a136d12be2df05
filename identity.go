package erpconnector

import (
	"errors"

	"github.com/b2x-labs/erp-connector/driver"
	"github.com/b2x-labs/erp-connector/internal/actor"
	"github.com/b2x-labs/erp-connector/internal/apikeys"
)

// ErrNoErpCredentials is returned when a caller's API key has no ERP
// credentials configured, so no session can be opened on its behalf.
var ErrNoErpCredentials = errors.New("no erp credentials configured for this key")

// ErpCredentials is the ERP login attached to an API key.
type ErpCredentials = apikeys.ErpCredentials

// Principal identifies the tenant and business unit an operation runs
// for, together with the ERP login used to open that tenant's session.
type Principal struct {
	TenantID     string
	BusinessUnit string
	Credentials  ErpCredentials
}

// NewPrincipal derives a Principal from a successful key validation.
// The business unit is resolved in order: the explicitly requested unit,
// the key's default unit, then the pool-wide default.
func NewPrincipal(vr apikeys.ValidationResult, businessUnit string) (Principal, error) {
	if !vr.Valid {
		return Principal{}, errors.New(vr.Reason)
	}
	if vr.ErpCredentials == nil || !vr.ErpCredentials.Configured() {
		return Principal{}, ErrNoErpCredentials
	}

	bu := businessUnit
	if bu == "" {
		bu = vr.ErpCredentials.BusinessUnit
	}
	if bu == "" {
		bu = actor.DefaultBusinessUnit
	}
	return Principal{
		TenantID:     vr.TenantID,
		BusinessUnit: bu,
		Credentials:  *vr.ErpCredentials,
	}, nil
}

// identity builds the driver login for this principal's session.
func (p Principal) identity() driver.Identity {
	return driver.Identity{
		Username:     p.Credentials.Username,
		Password:     p.Credentials.Password,
		BusinessUnit: p.BusinessUnit,
	}
}
