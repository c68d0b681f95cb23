package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aiterm/server/internal/auth"
	"github.com/aiterm/server/internal/config"
	"github.com/aiterm/server/internal/database"
	"github.com/aiterm/server/internal/middleware"
)

// ListUsers handles GET /api/admin/users.
func ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := database.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// CreateUser handles POST /api/admin/users.
func CreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
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
		writeError(w, http.StatusBadRequest, "Username already exists")
		return
	}
	if _, err := database.GetUserByEmail(body.Email); err == nil {
		writeError(w, http.StatusBadRequest, "Email already exists")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}
	role := body.Role
	if role == "" {
		role = "user"
	}
	user := &database.User{
		Username:     body.Username,
		Email:        body.Email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GetUserDetail handles GET /api/admin/users/{id}.
func GetUserDetail(w http.ResponseWriter, r *http.Request) {
	user, err := database.GetUserByID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateUser handles PUT /api/admin/users/{id}. The default admin
// account cannot be deactivated.
func UpdateUser(w http.ResponseWriter, r *http.Request) {
	user, err := database.GetUserByID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	var body struct {
		Email    *string `json:"email"`
		Role     *string `json:"role"`
		IsActive *bool   `json:"is_active"`
		Avatar   *string `json:"avatar"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.IsActive != nil && !*body.IsActive && user.Username == config.Cfg.DefaultAdminUser {
		writeError(w, http.StatusBadRequest, "不能禁用默认管理员账号")
		return
	}

	if body.Email != nil {
		user.Email = *body.Email
	}
	if body.Role != nil {
		user.Role = *body.Role
	}
	if body.IsActive != nil {
		user.IsActive = *body.IsActive
	}
	if body.Avatar != nil {
		user.Avatar = *body.Avatar
	}
	if err := database.SaveUser(user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// DeleteUser handles DELETE /api/admin/users/{id}. Admins cannot delete
// themselves or the default admin account.
func DeleteUser(w http.ResponseWriter, r *http.Request) {
	requester := middleware.GetUser(r)
	user, err := database.GetUserByID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if user.ID == requester.ID {
		writeError(w, http.StatusBadRequest, "Cannot delete yourself")
		return
	}
	if user.Username == config.Cfg.DefaultAdminUser {
		writeError(w, http.StatusBadRequest, "不能删除默认管理员账号")
		return
	}
	if err := database.DeleteUser(user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted successfully"})
}

// ResetUserPassword handles POST /api/admin/users/{id}/reset-password,
// setting the account back to the configured default password.
func ResetUserPassword(w http.ResponseWriter, r *http.Request) {
	user, err := database.GetUserByID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	hash, err := auth.HashPassword(config.Cfg.DefaultAdminPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}
	if err := database.UpdateUserPassword(user.ID, hash); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("密码已重置为 %s", config.Cfg.DefaultAdminPassword),
	})
}
