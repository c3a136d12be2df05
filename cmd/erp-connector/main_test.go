package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	erpconnector "github.com/b2x-labs/erp-connector"
	"github.com/b2x-labs/erp-connector/driver"
)

type testEnv struct {
	router    http.Handler
	adminKey  string
	tenantKey string
	bareKey   string // valid key without ERP credentials
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := erpconnector.Config{
		Driver:   erpconnector.DriverConfig{Name: "memory"},
		KeyStore: erpconnector.KeyStoreConfig{Type: erpconnector.StoreFile, Path: filepath.Join(dir, "keys.json")},
		Sealer:   erpconnector.SealerConfig{KeyPath: filepath.Join(dir, "credentials.key")},
	}
	rt, err := erpconnector.FromConfig(cfg)
	if err != nil {
		t.Fatalf("building runtime: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})

	mem := rt.Service.Driver().(*driver.Memory)
	mem.SeedArticles([]driver.Article{
		{ID: "ART-001", Name: "Widget", Category: "tools", Price: 12.5, Active: true, ModifiedAt: time.Now().UTC()},
	})
	mem.SeedCustomers([]driver.Customer{
		{CustomerNumber: "C-100", CompanyName: "Acme Tools GmbH", Country: "DE", Active: true, ModifiedAt: time.Now().UTC()},
	})

	adminKey, err := rt.Keys.SetAdminKey()
	if err != nil {
		t.Fatalf("setting admin key: %v", err)
	}
	tenantKey, err := rt.Keys.GenerateKey("acme", "api key", nil, nil)
	if err != nil {
		t.Fatalf("generating tenant key: %v", err)
	}
	prefix := rt.Keys.ListKeys("acme")[0].KeyPrefix
	if err := rt.Keys.SetErpCredentials(prefix, "erp-svc", "secret", ""); err != nil {
		t.Fatalf("setting erp credentials: %v", err)
	}
	bareKey, err := rt.Keys.GenerateKey("globex", "no creds", nil, nil)
	if err != nil {
		t.Fatalf("generating bare key: %v", err)
	}

	return &testEnv{
		router:    newRouter(rt),
		adminKey:  adminKey,
		tenantKey: tenantKey,
		bareKey:   bareKey,
	}
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.10:4711"
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsOpen(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDataPlaneRequiresKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/articles/ART-001", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGetArticleWithTenantKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/articles/ART-001", env.tenantKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var article driver.Article
	if err := json.Unmarshal(rec.Body.Bytes(), &article); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if article.Name != "Widget" {
		t.Errorf("unexpected article: %+v", article)
	}
}

func TestGetArticleNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/articles/NOPE", env.tenantKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestKeyWithoutErpCredentialsIsRejected(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/articles/ART-001", env.bareKey, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQueryArticlesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/articles/query", env.tenantKey, driver.QueryRequest{})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp driver.CursorPageResponse[driver.Article]
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.TotalCount != 1 {
		t.Errorf("expected total 1, got %d", resp.TotalCount)
	}
}

func TestCreateOrderEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/orders", env.tenantKey, driver.CreateOrderRequest{
		CustomerNumber: "C-100",
		Lines:          []driver.OrderLine{{ArticleID: "ART-001", Quantity: 1, UnitPrice: 12.5}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateOrderRejectsEmptyLines(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/orders", env.tenantKey, driver.CreateOrderRequest{
		CustomerNumber: "C-100",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAdminPlaneRejectsTenantKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/admin/keys", env.tenantKey, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAdminCreatesAndListsKeys(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/admin/keys", env.adminKey, map[string]string{
		"tenant_id": "initech", "name": "integration",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if created["api_key"] == "" {
		t.Fatal("expected an api_key in the response")
	}

	rec = env.do(t, http.MethodGet, "/admin/keys?tenant=initech", env.adminKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listed struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(listed.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(listed.Keys))
	}
	if hash, ok := listed.Keys[0]["key_hash"]; ok && hash != "" {
		t.Error("listing must not expose key hashes")
	}
}

func TestAdminServiceAccountFlow(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/admin/service-accounts", env.adminKey, map[string]any{
		"tenant_id":   "acme",
		"name":        "webshop",
		"permissions": []string{"read_products", "read_usage_stats"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/admin/service-accounts", env.adminKey, map[string]any{
		"tenant_id":   "acme",
		"name":        "bad",
		"permissions": []string{"fly_to_moon"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown permission, got %d", rec.Code)
	}
}

func TestStatsRequiresUsagePermission(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/stats", env.tenantKey, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for plain tenant key, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/stats", env.adminKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin key, got %d", rec.Code)
	}
}

func TestRotateUnknownKeyReturns404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/admin/keys/acme.zzzz/rotate", env.adminKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
