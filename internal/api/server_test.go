package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewServer(Options{Datadir: dir}, "test")
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s, dir
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHomeLinks(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if _, ok := body["_links"]; !ok {
		t.Fatalf("response missing _links: %s", rec.Body.String())
	}
}

func TestCreateAndGetImposter(t *testing.T) {
	s, _ := newTestServer(t)

	createBody := map[string]interface{}{
		"port":     6000,
		"protocol": "http",
		"stubs": []map[string]interface{}{
			{
				"predicates": map[string]interface{}{"equals": map[string]interface{}{"path": "/hello"}},
				"responses":  []map[string]interface{}{{"is": map[string]interface{}{"statusCode": 200}}},
			},
		},
	}
	rec := doRequest(t, s, http.MethodPost, "/imposters", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /imposters status = %d, body = %s", rec.Code, rec.Body.String())
	}
	defer s.imposters.StopAll()

	rec = doRequest(t, s, http.MethodGet, "/imposters/6000", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /imposters/6000 status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var imp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &imp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	stubs, ok := imp["stubs"].([]interface{})
	if !ok || len(stubs) != 1 {
		t.Fatalf("imposter stubs = %v, want one stub", imp["stubs"])
	}
}

func TestCreateImposterPortConflict(t *testing.T) {
	s, _ := newTestServer(t)

	body := map[string]interface{}{"port": 6001, "protocol": "http"}
	rec := doRequest(t, s, http.MethodPost, "/imposters", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first POST /imposters status = %d, body = %s", rec.Code, rec.Body.String())
	}
	defer s.imposters.StopAll()

	rec = doRequest(t, s, http.MethodPost, "/imposters", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second POST /imposters status = %d, want 400", rec.Code)
	}
}

func TestDeleteImposterIsIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodDelete, "/imposters/9999", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE on a non-existent imposter status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "{}\n" {
		t.Fatalf("DELETE on a non-existent imposter body = %q, want %q", rec.Body.String(), "{}\n")
	}
}

func TestAddStubWireFormat(t *testing.T) {
	s, _ := newTestServer(t)
	createBody := map[string]interface{}{"port": 6002, "protocol": "http"}
	rec := doRequest(t, s, http.MethodPost, "/imposters", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /imposters status = %d, body = %s", rec.Code, rec.Body.String())
	}
	defer s.imposters.StopAll()

	addBody := map[string]interface{}{
		"stub": map[string]interface{}{
			"predicates": map[string]interface{}{"equals": map[string]interface{}{"path": "/x"}},
			"responses":  []map[string]interface{}{{"is": map[string]interface{}{"statusCode": 204}}},
		},
	}
	rec = doRequest(t, s, http.MethodPost, "/imposters/6002/stubs", addBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /imposters/6002/stubs status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var imp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &imp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	stubs, ok := imp["stubs"].([]interface{})
	if !ok || len(stubs) != 1 {
		t.Fatalf("imposter stubs = %v, want one stub", imp["stubs"])
	}
}

func TestLoadImpostersRestoresFromDatadir(t *testing.T) {
	s, dir := newTestServer(t)

	createBody := map[string]interface{}{"port": 6003, "protocol": "http"}
	rec := doRequest(t, s, http.MethodPost, "/imposters", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /imposters status = %d, body = %s", rec.Code, rec.Body.String())
	}
	s.imposters.StopAll()

	s2, err := NewServer(Options{Datadir: dir}, "test")
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := s2.LoadImposters(); err != nil {
		t.Fatalf("LoadImposters() error = %v", err)
	}
	defer s2.imposters.StopAll()

	rec = doRequest(t, s2, http.MethodGet, "/imposters/6003", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /imposters/6003 after reload status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGetConfig(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /config status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["version"] != "test" {
		t.Fatalf("config version = %v, want test", body["version"])
	}
}

func TestAPIKeyAuthRejectsMissingKey(t *testing.T) {
	dir := t.TempDir()
	s, err := NewServer(Options{Datadir: dir, APIKey: "secret"}, "test")
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	rec := doRequest(t, s, http.MethodGet, "/imposters", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("GET /imposters without api key status = %d, want 401", rec.Code)
	}
}

func TestCreateImposterPersistsUnderPortDirectory(t *testing.T) {
	s, dir := newTestServer(t)
	createBody := map[string]interface{}{"port": 6004, "protocol": "http"}
	rec := doRequest(t, s, http.MethodPost, "/imposters", createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /imposters status = %d, body = %s", rec.Code, rec.Body.String())
	}
	defer s.imposters.StopAll()

	if _, err := os.Stat(filepath.Join(dir, "6004")); err != nil {
		t.Fatalf("expected a port-named subdirectory under datadir: %v", err)
	}
}
