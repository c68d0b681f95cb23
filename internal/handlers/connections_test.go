package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/aiterm/server/internal/crypto"
	"github.com/aiterm/server/internal/database"
)

func mountConnections(r chi.Router) {
	r.Route("/api/connections", func(r chi.Router) {
		r.Get("/", ListConnections)
		r.Post("/", CreateConnection)
		r.Get("/{id}", GetConnection)
		r.Put("/{id}", UpdateConnection)
		r.Delete("/{id}", DeleteConnection)
		r.Post("/{id}/test", TestConnection)
	})
}

func TestCreateConnection(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, "alice", "user")
	ts := newAuthedServer(t, user, mountConnections)

	status, body := doJSON(t, http.MethodPost, ts.URL+"/api/connections", map[string]interface{}{
		"name":     "web-1",
		"host":     "10.0.0.5",
		"username": "deploy",
		"password": "sekret",
		"tags":     []string{"prod", "web"},
	})
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", status, body)
	}
	resp := decodeMap(t, body)
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatal("missing id in response")
	}
	if resp["port"] != float64(22) || resp["protocol"] != "ssh" || resp["auth_method"] != "password" {
		t.Errorf("defaults not applied: %v", resp)
	}
	if resp["group_name"] != "default" {
		t.Errorf("group_name = %q, want default", resp["group_name"])
	}
	if resp["tags"] != "prod,web" {
		t.Errorf("tags = %q, want prod,web", resp["tags"])
	}
	if strings.Contains(string(body), "sekret") || strings.Contains(string(body), "password_enc") {
		t.Error("credentials leaked in response")
	}

	// The password is encrypted at rest and round-trips.
	stored, err := database.GetConnection(id, user.ID)
	if err != nil {
		t.Fatalf("load stored connection: %v", err)
	}
	if stored.PasswordEnc == "" || stored.PasswordEnc == "sekret" {
		t.Fatalf("password stored in the clear: %q", stored.PasswordEnc)
	}
	plain, err := crypto.Decrypt(stored.PasswordEnc)
	if err != nil {
		t.Fatalf("decrypt stored password: %v", err)
	}
	if plain != "sekret" {
		t.Errorf("decrypted password = %q, want sekret", plain)
	}
}

func TestCreateConnection_Validation(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, "alice", "user")
	ts := newAuthedServer(t, user, mountConnections)

	status, body := doJSON(t, http.MethodPost, ts.URL+"/api/connections", map[string]interface{}{
		"name": "incomplete", "username": "deploy",
	})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", status)
	}
	wantDetail(t, body, "name, host and username are required")

	payload := map[string]interface{}{"name": "web-1", "host": "10.0.0.5", "username": "deploy"}
	if status, _ := doJSON(t, http.MethodPost, ts.URL+"/api/connections", payload); status != http.StatusCreated {
		t.Fatalf("first create = %d, want 201", status)
	}
	status, body = doJSON(t, http.MethodPost, ts.URL+"/api/connections", payload)
	if status != http.StatusBadRequest {
		t.Fatalf("duplicate name status = %d, want 400", status)
	}
	wantDetail(t, body, "Connection name already exists")
}

func TestListConnections_UserScoped(t *testing.T) {
	setupTest(t)
	alice := createTestUser(t, "alice", "user")
	bob := createTestUser(t, "bob", "user")

	for _, c := range []*database.Connection{
		{UserID: alice.ID, Name: "mine", Host: "10.0.0.1", Username: "a"},
		{UserID: bob.ID, Name: "theirs", Host: "10.0.0.2", Username: "b"},
	} {
		if err := database.CreateConnection(c); err != nil {
			t.Fatalf("seed connection: %v", err)
		}
	}

	ts := newAuthedServer(t, alice, mountConnections)
	status, body := doJSON(t, http.MethodGet, ts.URL+"/api/connections", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	var conns []database.Connection
	if err := json.Unmarshal(body, &conns); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(conns) != 1 || conns[0].Name != "mine" {
		t.Errorf("list = %v, want only alice's connection", conns)
	}
}

func TestGetConnection_WrongUser(t *testing.T) {
	setupTest(t)
	alice := createTestUser(t, "alice", "user")
	bob := createTestUser(t, "bob", "user")

	conn := &database.Connection{UserID: bob.ID, Name: "theirs", Host: "10.0.0.2", Username: "b"}
	if err := database.CreateConnection(conn); err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	ts := newAuthedServer(t, alice, mountConnections)
	status, body := doJSON(t, http.MethodGet, ts.URL+"/api/connections/"+conn.ID, nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	wantDetail(t, body, "Connection not found")
}

func TestUpdateConnection(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, "alice", "user")
	ts := newAuthedServer(t, user, mountConnections)

	enc, err := crypto.Encrypt("oldpass")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	conn := &database.Connection{
		UserID: user.ID, Name: "web-1", Host: "10.0.0.5", Port: 22,
		Username: "deploy", AuthMethod: "password", PasswordEnc: enc,
	}
	if err := database.CreateConnection(conn); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	url := ts.URL + "/api/connections/" + conn.ID

	// Partial update leaves unmentioned fields alone.
	status, body := doJSON(t, http.MethodPut, url, map[string]interface{}{"host": "10.0.0.6"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", status, body)
	}
	resp := decodeMap(t, body)
	if resp["host"] != "10.0.0.6" || resp["name"] != "web-1" || resp["username"] != "deploy" {
		t.Errorf("partial update mangled fields: %v", resp)
	}
	stored, _ := database.GetConnection(conn.ID, user.ID)
	if plain, _ := crypto.Decrypt(stored.PasswordEnc); plain != "oldpass" {
		t.Errorf("password changed by unrelated update: %q", plain)
	}

	// Tags accept both an array and a pre-joined string.
	status, body = doJSON(t, http.MethodPut, url, map[string]interface{}{"tags": []string{"x", "y"}})
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, body)
	}
	if resp := decodeMap(t, body); resp["tags"] != "x,y" {
		t.Errorf("tags = %q, want x,y", resp["tags"])
	}
	status, body = doJSON(t, http.MethodPut, url, map[string]interface{}{"tags": "a,b"})
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, body)
	}
	if resp := decodeMap(t, body); resp["tags"] != "a,b" {
		t.Errorf("tags = %q, want a,b", resp["tags"])
	}

	// A new password re-encrypts; an empty one clears the stored value.
	if status, _ := doJSON(t, http.MethodPut, url, map[string]interface{}{"password": "newpass"}); status != http.StatusOK {
		t.Fatalf("password update = %d, want 200", status)
	}
	stored, _ = database.GetConnection(conn.ID, user.ID)
	if plain, _ := crypto.Decrypt(stored.PasswordEnc); plain != "newpass" {
		t.Errorf("updated password = %q, want newpass", plain)
	}
	if status, _ := doJSON(t, http.MethodPut, url, map[string]interface{}{"password": ""}); status != http.StatusOK {
		t.Fatalf("password clear = %d, want 200", status)
	}
	stored, _ = database.GetConnection(conn.ID, user.ID)
	if stored.PasswordEnc != "" {
		t.Errorf("password not cleared: %q", stored.PasswordEnc)
	}
}

func TestDeleteConnection(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, "alice", "user")
	ts := newAuthedServer(t, user, mountConnections)

	conn := &database.Connection{UserID: user.ID, Name: "web-1", Host: "10.0.0.5", Username: "deploy"}
	if err := database.CreateConnection(conn); err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	status, body := doJSON(t, http.MethodDelete, ts.URL+"/api/connections/"+conn.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if resp := decodeMap(t, body); resp["message"] != "Connection deleted successfully" {
		t.Errorf("message = %q", resp["message"])
	}

	status, body = doJSON(t, http.MethodDelete, ts.URL+"/api/connections/"+conn.ID, nil)
	if status != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", status)
	}
	wantDetail(t, body, "Connection not found")
}

func TestTestConnection(t *testing.T) {
	setupTest(t)
	user := createTestUser(t, "alice", "user")
	ts := newAuthedServer(t, user, mountConnections)
	host, port := testSSHServer(t, nil)

	seed := func(t *testing.T, name, password string) *database.Connection {
		enc, err := crypto.Encrypt(password)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		conn := &database.Connection{
			UserID: user.ID, Name: name, Host: host, Port: port,
			Username: "deploy", AuthMethod: "password", PasswordEnc: enc,
		}
		if err := database.CreateConnection(conn); err != nil {
			t.Fatalf("seed connection: %v", err)
		}
		return conn
	}

	t.Run("success", func(t *testing.T) {
		conn := seed(t, "good", "sekret")
		status, body := doJSON(t, http.MethodPost, ts.URL+"/api/connections/"+conn.ID+"/test", nil)
		if status != http.StatusOK {
			t.Fatalf("status = %d: %s", status, body)
		}
		resp := decodeMap(t, body)
		if resp["ok"] != true {
			t.Fatalf("ok = %v, body %s", resp["ok"], body)
		}
		if resp["message"] != "连接测试成功" || resp["host"] != host {
			t.Errorf("unexpected response: %v", resp)
		}
	})

	t.Run("auth failure", func(t *testing.T) {
		conn := seed(t, "bad", "wrong")
		status, body := doJSON(t, http.MethodPost, ts.URL+"/api/connections/"+conn.ID+"/test", nil)
		if status != http.StatusOK {
			t.Fatalf("status = %d: %s", status, body)
		}
		resp := decodeMap(t, body)
		if resp["ok"] != false {
			t.Fatalf("ok = %v, want false", resp["ok"])
		}
		msg, _ := resp["error"].(string)
		if !strings.HasPrefix(msg, "认证失败: deploy@") {
			t.Errorf("error = %q, want auth failure message", msg)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		status, body := doJSON(t, http.MethodPost, ts.URL+"/api/connections/no-such-id/test", nil)
		if status != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", status)
		}
		wantDetail(t, body, "Connection not found")
	})
}
