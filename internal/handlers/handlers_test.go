package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aiterm/server/internal/audit"
	"github.com/aiterm/server/internal/auth"
	"github.com/aiterm/server/internal/config"
	"github.com/aiterm/server/internal/database"
	"github.com/aiterm/server/internal/middleware"
	"github.com/aiterm/server/internal/terminal"
)

// setupTest loads config, initializes auth and swaps in a fresh temp-file
// database, then wires the package globals the handlers use. Each test
// gets its own database file via t.TempDir().
func setupTest(t *testing.T) {
	t.Helper()
	config.Load()
	auth.Init()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&database.User{},
		&database.Connection{},
		&database.SessionLog{},
		&database.LLMConfig{},
		&database.Setting{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	database.DB = db

	Pool = terminal.NewPool(config.Cfg.MaxConnections)
	Audit = audit.NewStore(db, config.Cfg.LogRetentionDays)
}

// createTestUser inserts a user with an unusable password hash. Tests
// that exercise password checks hash their own.
func createTestUser(t *testing.T, username, role string) *database.User {
	t.Helper()
	user := &database.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
		Role:         role,
		IsActive:     true,
	}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return user
}

// newAuthedServer starts a test server whose middleware injects user
// into every request, standing in for RequireAuth.
func newAuthedServer(t *testing.T, user *database.User, mount func(chi.Router)) *httptest.Server {
	t.Helper()
	mux := chi.NewRouter()
	mux.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, middleware.WithUserForTest(r, user))
		})
	})
	mount(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// doJSON sends a request with an optional JSON payload and returns the
// status code and raw body.
func doJSON(t *testing.T, method, url string, payload interface{}) (int, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

// decodeMap parses a JSON object response.
func decodeMap(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

// wantDetail asserts an error response body of the form {"detail": ...}.
func wantDetail(t *testing.T, data []byte, want string) {
	t.Helper()
	m := decodeMap(t, data)
	if m["detail"] != want {
		t.Errorf("detail = %q, want %q", m["detail"], want)
	}
}
