package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	erpconnector "github.com/b2x-labs/erp-connector"
	"github.com/b2x-labs/erp-connector/driver"
	"github.com/b2x-labs/erp-connector/internal/apikeys"
	"github.com/b2x-labs/erp-connector/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newRouter builds the HTTP router: health and metrics are open, the ERP
// data plane requires a tenant key, the admin plane requires the admin key.
func newRouter(rt *erpconnector.Runtime) http.Handler {
	h := &handlers{rt: rt}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(apikeys.AuthMiddleware(rt.Keys))

		r.Get("/articles/{id}", h.getArticle)
		r.Post("/articles/query", h.queryArticles)
		r.Post("/articles/sync", h.syncArticles)

		r.Get("/customers/{number}", h.getCustomer)
		r.Post("/customers/query", h.queryCustomers)
		r.Post("/customers/sync", h.syncCustomers)
		r.Get("/customers/{number}/orders", h.customerOrders)

		r.Get("/orders/{number}", h.getOrder)
		r.Post("/orders/query", h.queryOrders)
		r.Post("/orders", h.createOrder)

		r.Get("/licenses/{feature}", h.licenseEnabled)

		// Usage stats are reserved for service accounts holding the
		// read_usage_stats permission (and the admin key).
		r.With(apikeys.RequirePermission(apikeys.PermReadUsageStats)).
			Get("/stats", h.tenantStats)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(apikeys.AuthMiddleware(rt.Keys))
		r.Use(apikeys.RequireAdmin())

		r.Get("/keys", h.listKeys)
		r.Post("/keys", h.createKey)
		r.Post("/keys/{prefix}/rotate", h.rotateKey)
		r.Post("/keys/{prefix}/deactivate", h.deactivateKey)
		r.Put("/keys/{prefix}/erp-credentials", h.setErpCredentials)
		r.Delete("/keys/{prefix}/erp-credentials", h.removeErpCredentials)

		r.Get("/service-accounts", h.listServiceAccounts)
		r.Post("/service-accounts", h.createServiceAccount)
		r.Put("/service-accounts/{prefix}/permissions", h.updateServiceAccountPermissions)

		r.Get("/actors", h.actorStats)
	})

	return r
}

type handlers struct {
	rt *erpconnector.Runtime
}

// principal resolves the caller's Principal from the validated key and
// the X-Business-Unit header. A key without ERP credentials cannot reach
// the data plane.
func (h *handlers) principal(w http.ResponseWriter, r *http.Request) (erpconnector.Principal, bool) {
	v, ok := apikeys.ValidationFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required", "authentication_error", "authentication_required")
		return erpconnector.Principal{}, false
	}
	p, err := erpconnector.NewPrincipal(v, r.Header.Get("X-Business-Unit"))
	if err != nil {
		if errors.Is(err, erpconnector.ErrNoErpCredentials) {
			writeError(w, http.StatusForbidden, err.Error(), "permission_error", "no_erp_credentials")
		} else {
			writeError(w, http.StatusUnauthorized, err.Error(), "authentication_error", "invalid_api_key")
		}
		return erpconnector.Principal{}, false
	}
	return p, true
}

// writeOpError maps facade errors onto HTTP statuses.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, driver.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "not_found_error", "record_not_found")
	case errors.Is(err, erpconnector.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error(), "rate_limit_error", "rate_limited")
	default:
		writeError(w, http.StatusBadGateway, err.Error(), "erp_error", "erp_operation_failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a unified JSON error response:
//
//	{"error":{"message":"...","type":"...","code":"..."}}
func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_body")
		return false
	}
	return true
}

// ----------------------------------------------------------- data plane ---

func (h *handlers) getArticle(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	article, err := h.rt.Service.GetArticle(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, article)
}

func (h *handlers) queryArticles(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req driver.QueryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.rt.Service.QueryArticles(r.Context(), p, req)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) syncArticles(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req driver.DeltaSyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.rt.Service.SyncArticles(r.Context(), p, req)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getCustomer(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	customer, err := h.rt.Service.GetCustomer(r.Context(), p, chi.URLParam(r, "number"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

func (h *handlers) queryCustomers(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req driver.QueryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.rt.Service.QueryCustomers(r.Context(), p, req)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) syncCustomers(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req driver.DeltaSyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.rt.Service.SyncCustomers(r.Context(), p, req)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) customerOrders(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "invalid_request_error", "invalid_limit")
			return
		}
		limit = n
	}
	orders, err := h.rt.Service.GetCustomerOrders(r.Context(), p, chi.URLParam(r, "number"), limit)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	order, err := h.rt.Service.GetOrder(r.Context(), p, chi.URLParam(r, "number"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *handlers) queryOrders(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req driver.QueryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.rt.Service.QueryOrders(r.Context(), p, req)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) createOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req driver.CreateOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_order")
		return
	}
	order, err := h.rt.Service.CreateOrder(r.Context(), p, req)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *handlers) licenseEnabled(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	feature := chi.URLParam(r, "feature")
	enabled, err := h.rt.Service.LicenseEnabled(r.Context(), p, feature)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"feature": feature, "enabled": enabled})
}

// ---------------------------------------------------------- admin plane ---

type createKeyRequest struct {
	TenantID             string     `json:"tenant_id"`
	Name                 string     `json:"name"`
	AllowedBusinessUnits []string   `json:"allowed_business_units,omitempty"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
}

func (h *handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and name are required", "invalid_request_error", "missing_field")
		return
	}
	key, err := h.rt.Keys.GenerateKey(req.TenantID, req.Name, req.AllowedBusinessUnits, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "key_generation_failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"api_key": key})
}

func (h *handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": h.rt.Keys.ListKeys(tenant)})
}

func (h *handlers) rotateKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.rt.Keys.RotateKey(chi.URLParam(r, "prefix"))
	if err != nil {
		writeKeyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": key})
}

func (h *handlers) deactivateKey(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.Keys.DeactivateKey(chi.URLParam(r, "prefix")); err != nil {
		writeKeyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type erpCredentialsRequest struct {
	Username            string `json:"username"`
	Password            string `json:"password"`
	DefaultBusinessUnit string `json:"default_business_unit,omitempty"`
}

func (h *handlers) setErpCredentials(w http.ResponseWriter, r *http.Request) {
	var req erpCredentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required", "invalid_request_error", "missing_field")
		return
	}
	if err := h.rt.Keys.SetErpCredentials(chi.URLParam(r, "prefix"), req.Username, req.Password, req.DefaultBusinessUnit); err != nil {
		writeKeyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) removeErpCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.Keys.RemoveErpCredentials(chi.URLParam(r, "prefix")); err != nil {
		writeKeyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createServiceAccountRequest struct {
	TenantID    string     `json:"tenant_id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (h *handlers) createServiceAccount(w http.ResponseWriter, r *http.Request) {
	var req createServiceAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and name are required", "invalid_request_error", "missing_field")
		return
	}
	perms, ok := parsePermissions(w, req.Permissions)
	if !ok {
		return
	}
	key, err := h.rt.Keys.CreateErpServiceAccount(req.TenantID, req.Name, perms, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "key_generation_failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"api_key": key})
}

func (h *handlers) listServiceAccounts(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service_accounts": h.rt.Keys.ListErpServiceAccounts(tenant),
	})
}

func (h *handlers) updateServiceAccountPermissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Permissions []string `json:"permissions"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	perms, ok := parsePermissions(w, req.Permissions)
	if !ok {
		return
	}
	if err := h.rt.Keys.UpdateErpServiceAccountPermissions(chi.URLParam(r, "prefix"), perms); err != nil {
		writeKeyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) actorStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"actors": h.rt.Service.Stats()})
}

// tenantStats reports the caller's own session actors.
func (h *handlers) tenantStats(w http.ResponseWriter, r *http.Request) {
	v, _ := apikeys.ValidationFromContext(r.Context())
	var own []interface{}
	for _, st := range h.rt.Service.Stats() {
		if st.Tenant == v.TenantID || v.IsAdmin {
			own = append(own, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actors": own})
}

func parsePermissions(w http.ResponseWriter, raw []string) ([]apikeys.Permission, bool) {
	perms := make([]apikeys.Permission, 0, len(raw))
	for _, s := range raw {
		p := apikeys.Permission(s)
		if !p.Valid() {
			writeError(w, http.StatusBadRequest, "unknown permission: "+s, "invalid_request_error", "invalid_permission")
			return nil, false
		}
		perms = append(perms, p)
	}
	return perms, true
}

func writeKeyError(w http.ResponseWriter, err error) {
	if errors.Is(err, apikeys.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, err.Error(), "not_found_error", "key_not_found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error(), "server_error", "key_operation_failed")
}
