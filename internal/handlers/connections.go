package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/aiterm/server/internal/crypto"
	"github.com/aiterm/server/internal/database"
	"github.com/aiterm/server/internal/middleware"
	"github.com/aiterm/server/internal/sshdial"
)

// ListConnections handles GET /api/connections. Stored credentials never
// appear in responses; the model serializes them as json:"-".
func ListConnections(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	conns, err := database.ListConnections(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list connections")
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

// GetConnection handles GET /api/connections/{id}.
func GetConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	conn, err := database.GetConnection(chi.URLParam(r, "id"), user.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// connectionBody is the write shape shared by create and update. Pointer
// fields distinguish "absent" from "set to empty" on update.
type connectionBody struct {
	Name        *string         `json:"name"`
	GroupName   *string         `json:"group_name"`
	Host        *string         `json:"host"`
	Port        *int            `json:"port"`
	Protocol    *string         `json:"protocol"`
	AuthMethod  *string         `json:"auth_method"`
	Username    *string         `json:"username"`
	Password    *string         `json:"password"`
	PrivateKey  *string         `json:"private_key"`
	Passphrase  *string         `json:"passphrase"`
	Description *string         `json:"description"`
	Tags        json.RawMessage `json:"tags"`
}

// normalizeTags accepts either a JSON string or an array of strings and
// returns a comma-joined value for storage.
func normalizeTags(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, ",")
	}
	return ""
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// CreateConnection handles POST /api/connections. Credentials are
// encrypted before they touch the database.
func CreateConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body connectionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	name, host, username := strVal(body.Name), strVal(body.Host), strVal(body.Username)
	if name == "" || host == "" || username == "" {
		writeError(w, http.StatusUnprocessableEntity, "name, host and username are required")
		return
	}

	if _, err := database.GetConnectionByName(name, user.ID); err == nil {
		writeError(w, http.StatusBadRequest, "Connection name already exists")
		return
	}

	conn := &database.Connection{
		UserID:      user.ID,
		Name:        name,
		Host:        host,
		Username:    username,
		Port:        22,
		Protocol:    "ssh",
		AuthMethod:  "password",
		GroupName:   "default",
		Description: strVal(body.Description),
		Tags:        normalizeTags(body.Tags),
	}
	if body.Port != nil && *body.Port > 0 {
		conn.Port = *body.Port
	}
	if v := strVal(body.Protocol); v != "" {
		conn.Protocol = v
	}
	if v := strVal(body.AuthMethod); v != "" {
		conn.AuthMethod = v
	}
	if v := strVal(body.GroupName); v != "" {
		conn.GroupName = v
	}
	if err := setSecrets(conn, body); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credentials")
		return
	}

	if err := database.CreateConnection(conn); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create connection")
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

// setSecrets encrypts any credentials present in body into conn. A field
// that is present but empty clears the stored value.
func setSecrets(conn *database.Connection, body connectionBody) error {
	encrypt := func(v string) (string, error) {
		if v == "" {
			return "", nil
		}
		return crypto.Encrypt(v)
	}
	var err error
	if body.Password != nil {
		if conn.PasswordEnc, err = encrypt(*body.Password); err != nil {
			return err
		}
	}
	if body.PrivateKey != nil {
		if conn.PrivateKeyEnc, err = encrypt(*body.PrivateKey); err != nil {
			return err
		}
	}
	if body.Passphrase != nil {
		if conn.PassphraseEnc, err = encrypt(*body.Passphrase); err != nil {
			return err
		}
	}
	return nil
}

// UpdateConnection handles PUT /api/connections/{id}. Only the fields
// present in the body change; credentials are re-encrypted when sent.
func UpdateConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	conn, err := database.GetConnection(chi.URLParam(r, "id"), user.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}

	var body connectionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Name != nil {
		conn.Name = *body.Name
	}
	if body.GroupName != nil {
		conn.GroupName = *body.GroupName
	}
	if body.Host != nil {
		conn.Host = *body.Host
	}
	if body.Port != nil {
		conn.Port = *body.Port
	}
	if body.Protocol != nil {
		conn.Protocol = *body.Protocol
	}
	if body.AuthMethod != nil {
		conn.AuthMethod = *body.AuthMethod
	}
	if body.Username != nil {
		conn.Username = *body.Username
	}
	if body.Description != nil {
		conn.Description = *body.Description
	}
	if len(body.Tags) > 0 {
		conn.Tags = normalizeTags(body.Tags)
	}
	if err := setSecrets(conn, body); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credentials")
		return
	}

	if err := database.SaveConnection(conn); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update connection")
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// DeleteConnection handles DELETE /api/connections/{id}.
func DeleteConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	err := database.DeleteConnection(chi.URLParam(r, "id"), user.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete connection")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Connection deleted successfully"})
}

// TestConnection handles POST /api/connections/{id}/test: dial the host
// with the stored credentials and report whether it worked. Failures are
// part of the normal response, not an HTTP error.
func TestConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	rec, err := database.GetConnection(chi.URLParam(r, "id"), user.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}

	password, err1 := crypto.Decrypt(rec.PasswordEnc)
	privateKey, err2 := crypto.Decrypt(rec.PrivateKeyEnc)
	passphrase, err3 := crypto.Decrypt(rec.PassphraseEnc)
	if err1 != nil || err2 != nil || err3 != nil {
		writeError(w, http.StatusInternalServerError, "Failed to decrypt credentials")
		return
	}

	client, err := sshdial.Dial(r.Context(), sshdial.Target{
		Host:       rec.Host,
		Port:       rec.Port,
		Username:   rec.Username,
		AuthMethod: rec.AuthMethod,
		Password:   password,
		PrivateKey: privateKey,
		Passphrase: passphrase,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":    false,
			"error": dialErrorMessage(rec, err),
		})
		return
	}
	client.Close()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"message": "连接测试成功",
		"host":    rec.Host,
	})
}
