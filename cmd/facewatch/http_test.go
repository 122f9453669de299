package main

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"facewatch/internal/auth"
	"facewatch/internal/config"
	"facewatch/internal/stream"
	"facewatch/internal/ws"
)

func testAPIServer(t *testing.T) *apiServer {
	t.Helper()
	t.Setenv("FACEWATCH_AUTH_ENABLED", "true")
	t.Setenv("FACEWATCH_AUTH_USERNAME", "admin")
	t.Setenv("FACEWATCH_AUTH_PASSWORD", "hunter2")
	t.Setenv("FACEWATCH_JWT_SECRET", "test-secret")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	snap := *cfg.Snapshot()
	snap.Sinks = []config.Sink{{Type: config.SinkHTTPGet, Target: "http://loxone/dev/sps/io/face/[[name]]", User: "lox", Pass: "secret"}}
	if _, err := cfg.Update(snap); err != nil {
		t.Fatalf("update config: %v", err)
	}
	return &apiServer{
		cfg:           cfg,
		authenticator: auth.NewAuthenticator(),
		broadcaster:   stream.NewBroadcaster(),
		hub:           ws.NewHub(),
	}
}

// The config snapshot carries sink credentials, so reading it must require
// a valid token just like writing it.
func TestGetConfigRequiresAuth(t *testing.T) {
	api := testAPIServer(t)
	handler := api.routes()

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated GET /api/config = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if strings.Contains(rr.Body.String(), "secret") {
		t.Fatal("sink credentials leaked without authentication")
	}

	token, _, err := api.authenticator.Login("admin", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("authenticated GET /api/config = %d, want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), "input_stream_url") {
		t.Fatalf("authenticated GET /api/config body = %q, want config snapshot", rr.Body.String())
	}
}
