package handlers

import (
	"net/http"

	"github.com/aiterm/server/internal/database"
)

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	db := "ok"
	if sqlDB, err := database.DB.DB(); err != nil {
		db = "error"
	} else if err := sqlDB.PingContext(r.Context()); err != nil {
		db = "error"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"database":        db,
		"active_sessions": Pool.Len(),
	})
}

// Root handles GET /.
func Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to AI Terminal API"})
}
