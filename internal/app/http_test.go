package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"despacho/api/internal/store"
)

func newTestServer(svc *Service) *HTTPServer {
	return NewHTTPServer(svc, "*", zap.NewNop())
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(newTestService(newFakeStore()))
	rec, body := doJSON(t, server.Handler(), http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok true, got %+v", body)
	}
}

func TestReadyEndpoint(t *testing.T) {
	server := newTestServer(newTestService(newFakeStore()))
	rec, body := doJSON(t, server.Handler(), http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "ready" {
		t.Fatalf("expected ready, got %+v", body)
	}
}

func TestRequireSession(t *testing.T) {
	server := newTestServer(newTestService(newFakeStore()))

	rec, body := doJSON(t, server.Handler(), http.MethodGet, "/api/cases", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %+v", body)
	}

	rec, _ = doJSON(t, server.Handler(), http.MethodGet, "/api/cases", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestLoginAndListCasesOverHTTP(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(t, "usr_1", "ana@cliente.mx", "password123", "CONTABLE", true)
	fs.listCasesFn = func(_ context.Context, filter store.CaseFilter) ([]store.Case, int, error) {
		if filter.Category != "CONTABLE" {
			t.Fatalf("listing must be scoped to caller category, got %q", filter.Category)
		}
		return []store.Case{{ID: "cas_1", CaseNumber: "CON-12345678-001", Category: "CONTABLE", Active: true}}, 1, nil
	}
	server := newTestServer(newTestService(fs))
	handler := server.Handler()

	rec, body := doJSON(t, handler, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "ana@cliente.mx",
		"password": "password123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %+v", rec.Code, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("expected access token, got %+v", body)
	}

	rec, body = doJSON(t, handler, http.MethodGet, "/api/cases", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list cases failed: %d %+v", rec.Code, body)
	}
	if body["total"] != float64(1) {
		t.Fatalf("expected total 1, got %+v", body)
	}
}

func TestLoginRejectsBadCredentialsOverHTTP(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(t, "usr_1", "ana@cliente.mx", "password123", "CONTABLE", true)
	server := newTestServer(newTestService(fs))

	rec, body := doJSON(t, server.Handler(), http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "ana@cliente.mx",
		"password": "equivocada",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("expected INVALID_CREDENTIALS, got %+v", body)
	}
}

func TestCategoryIsolationOverHTTP(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(t, "usr_1", "ana@cliente.mx", "password123", "CONTABLE", true)
	fs.getCaseFn = func(context.Context, string) (store.Case, error) {
		return store.Case{ID: "cas_jur", Category: "JURIDICO", SupervisorID: "usr_other", Active: true}, nil
	}
	server := newTestServer(newTestService(fs))
	handler := server.Handler()

	_, login := doJSON(t, handler, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "ana@cliente.mx",
		"password": "password123",
	})
	token := login["token"].(string)

	rec, body := doJSON(t, handler, http.MethodGet, "/api/cases/cas_jur", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 across categories, got %d %+v", rec.Code, body)
	}
}

func TestCreateCaseOverHTTP(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(t, "usr_1", "ana@cliente.mx", "password123", "CONTABLE", true)
	fs.createCaseFn = func(_ context.Context, item store.Case, _ string, _ []store.Notification) error {
		fs.getCaseFn = func(context.Context, string) (store.Case, error) { return item, nil }
		return nil
	}
	server := newTestServer(newTestService(fs))
	handler := server.Handler()

	_, login := doJSON(t, handler, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "ana@cliente.mx",
		"password": "password123",
	})
	token := login["token"].(string)

	rec, body := doJSON(t, handler, http.MethodPost, "/api/cases", token, map[string]any{
		"tipo_caso":      "CONTABLE",
		"titulo":         "Declaración anual",
		"cliente_nombre": "ACME SA de CV",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %+v", rec.Code, body)
	}
	created, ok := body["case"].(map[string]any)
	if !ok {
		t.Fatalf("expected case payload, got %+v", body)
	}
	if created["estado"] != "ABIERTO" {
		t.Fatalf("new cases open as ABIERTO, got %+v", created)
	}

	rec, body = doJSON(t, handler, http.MethodPost, "/api/cases", token, map[string]any{
		"tipo_caso":      "JURIDICO",
		"titulo":         "Demanda",
		"cliente_nombre": "ACME",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong category, got %d %+v", rec.Code, body)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	fs := newFakeStore()
	fs.addUser(t, "usr_1", "ana@cliente.mx", "password123", "CONTABLE", true)
	server := newTestServer(newTestService(fs))
	handler := server.Handler()

	_, login := doJSON(t, handler, http.MethodPost, "/api/auth/login", "", map[string]any{
		"email":    "ana@cliente.mx",
		"password": "password123",
	})
	token := login["token"].(string)

	rec, _ := doJSON(t, handler, http.MethodGet, "/api/nope", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
