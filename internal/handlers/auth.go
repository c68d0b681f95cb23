package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/aiterm/server/internal/auth"
	"github.com/aiterm/server/internal/database"
	"github.com/aiterm/server/internal/middleware"
)

// Login handles POST /api/auth/login. A successful login returns an
// access and a refresh token plus the user record.
func Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	user, err := database.GetUserByUsername(body.Username)
	if err != nil || !auth.CheckPassword(body.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	if !user.IsActive {
		writeError(w, http.StatusBadRequest, "Inactive user")
		return
	}

	access, err := auth.CreateAccessToken(user.ID, user.Username, user.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not create token")
		return
	}
	refresh, err := auth.CreateRefreshToken(user.ID, user.Username, user.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not create token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"user":          user,
	})
}

// Register handles POST /api/auth/register. Registration is open; new
// accounts get the user role.
func Register(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Username == "" || body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username, email and password are required")
		return
	}

	if _, err := database.GetUserByUsername(body.Username); err == nil {
		writeError(w, http.StatusBadRequest, "Username already registered")
		return
	}
	if _, err := database.GetUserByEmail(body.Email); err == nil {
		writeError(w, http.StatusBadRequest, "Email already registered")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}
	user := &database.User{
		Username:     body.Username,
		Email:        body.Email,
		PasswordHash: hash,
		Role:         "user",
		IsActive:     true,
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Refresh handles POST /api/auth/refresh, trading a valid refresh token
// for a fresh token pair.
func Refresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	claims, err := auth.VerifyToken(body.RefreshToken, "refresh")
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	user, err := database.GetUserByUsername(claims.Subject)
	if err != nil || !user.IsActive {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	access, err := auth.CreateAccessToken(user.ID, user.Username, user.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not create token")
		return
	}
	refresh, err := auth.CreateRefreshToken(user.ID, user.Username, user.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not create token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
	})
}

// Me handles GET /api/auth/me.
func Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, middleware.GetUser(r))
}
