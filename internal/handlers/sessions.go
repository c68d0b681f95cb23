package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/aiterm/server/internal/audit"
	"github.com/aiterm/server/internal/database"
	"github.com/aiterm/server/internal/middleware"
	"github.com/aiterm/server/internal/terminal"
)

// ListSessions handles GET /api/sessions. Regular users see their own
// history; admins may pass user_id= to inspect someone else's.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	q := r.URL.Query()

	opts := audit.QueryOptions{
		UserID:       user.ID,
		ConnectionID: q.Get("connection_id"),
		Type:         q.Get("type"),
	}
	if user.Role == "admin" {
		if v := q.Get("user_id"); v != "" {
			opts.UserID = v
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	// The web client sends skip=; accept offset= as well.
	if v := q.Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	} else if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	if v := q.Get("start_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start_date")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end_date")
			return
		}
		opts.Until = &t
	}

	result, err := Audit.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query sessions")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// sessionDetail is a SessionLog plus its decoded command list.
type sessionDetail struct {
	database.SessionLog
	Commands []terminal.CommandEntry `json:"commands"`
}

// GetSession handles GET /api/sessions/{id}.
func GetSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	entry, err := Audit.Get(chi.URLParam(r, "id"), user.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	detail := sessionDetail{SessionLog: *entry, Commands: []terminal.CommandEntry{}}
	if entry.CommandsJSON != "" {
		if err := json.Unmarshal([]byte(entry.CommandsJSON), &detail.Commands); err != nil {
			detail.Commands = []terminal.CommandEntry{}
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// DeleteSession handles DELETE /api/sessions/{id}.
func DeleteSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	err := Audit.Delete(chi.URLParam(r, "id"), user.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted successfully"})
}

// BulkDeleteSessions handles DELETE /api/sessions/bulk/delete. The body
// is a bare JSON array of session IDs; the batch is all-or-nothing.
func BulkDeleteSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "No session IDs provided")
		return
	}

	deleted, err := Audit.DeleteMany(ids, user.ID)
	if errors.Is(err, audit.ErrNotOwned) {
		writeError(w, http.StatusBadRequest, "Some session IDs are invalid or do not belong to you")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Deleted %d sessions successfully", deleted),
	})
}

// SessionStats handles GET /api/sessions/stats/summary.
func SessionStats(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	q := r.URL.Query()

	var since, until *time.Time
	if v := q.Get("start_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start_date")
			return
		}
		since = &t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end_date")
			return
		}
		until = &t
	}

	summary, err := Audit.Summarize(user.ID, since, until)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute statistics")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
