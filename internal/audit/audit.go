// Package audit records terminal and AI chat session history.
//
// Terminal sessions get one SessionLog row opened when the SSH connection is
// established and finalized when the session closes, carrying the executed
// command log and the session duration. Chat exchanges are stored as one row
// per message. A retention job deletes rows past the configured age.
package audit

import (
	"errors"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/aiterm/server/internal/database"
)

// ErrNotOwned is returned by DeleteMany when any requested row is missing
// or belongs to another user; in that case nothing is deleted.
var ErrNotOwned = errors.New("audit: some session logs are missing or not owned")

// Session log types.
const (
	TypeTerminal = "terminal"
	TypeAIChat   = "ai_chat"
)

// DefaultRetentionDays is how long session logs are kept when no retention
// is configured.
const DefaultRetentionDays = 90

// Store reads and writes session logs. It satisfies the terminal package's
// Auditor interface.
type Store struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewStore creates a Store backed by the given database. If retentionDays
// is 0, DefaultRetentionDays is used.
func NewStore(db *gorm.DB, retentionDays int) *Store {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Begin opens a session log row for a newly established terminal session and
// returns its ID.
func (s *Store) Begin(userID, connectionID, host, username string) (string, error) {
	now := s.nowFn()
	rec := database.SessionLog{
		UserID:       userID,
		ConnectionID: connectionID,
		Type:         TypeTerminal,
		Host:         host,
		Username:     username,
		StartTime:    &now,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		log.Printf("[audit] open session log: %v", err)
		return "", err
	}
	return rec.ID, nil
}

// CloseSession finalizes a session log row: end time, duration and the
// executed command log as a JSON array.
func (s *Store) CloseSession(logID string, endedAt time.Time, commandsJSON string) error {
	var rec database.SessionLog
	if err := s.db.First(&rec, "id = ?", logID).Error; err != nil {
		return err
	}

	updates := map[string]interface{}{
		"end_time":          endedAt,
		"commands_executed": commandsJSON,
	}
	if rec.StartTime != nil {
		updates["duration_seconds"] = endedAt.Sub(*rec.StartTime).Seconds()
	}
	if err := s.db.Model(&rec).Updates(updates).Error; err != nil {
		log.Printf("[audit] close session log %s: %v", logID, err)
		return err
	}
	return nil
}

// RecordChat stores one AI chat message for the given user. role is either
// "user" or "assistant".
func (s *Store) RecordChat(userID, role, content string) error {
	rec := database.SessionLog{
		UserID:  userID,
		Type:    TypeAIChat,
		Role:    role,
		Content: content,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		log.Printf("[audit] record chat message: %v", err)
		return err
	}
	return nil
}

// QueryOptions specifies filters for retrieving session logs.
type QueryOptions struct {
	UserID       string
	ConnectionID string
	Type         string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// QueryResult contains session log entries and pagination metadata.
type QueryResult struct {
	Entries []database.SessionLog `json:"entries"`
	Total   int64                 `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

// Query retrieves session logs matching the given options, newest first.
func (s *Store) Query(opts QueryOptions) (*QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx := s.db.Model(&database.SessionLog{})

	if opts.UserID != "" {
		tx = tx.Where("user_id = ?", opts.UserID)
	}
	if opts.ConnectionID != "" {
		tx = tx.Where("connection_id = ?", opts.ConnectionID)
	}
	if opts.Type != "" {
		tx = tx.Where("type = ?", opts.Type)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.SessionLog
	if err := tx.Order("created_at DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// Get returns one session log owned by the given user.
func (s *Store) Get(id, userID string) (*database.SessionLog, error) {
	var rec database.SessionLog
	if err := s.db.First(&rec, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes one session log owned by the given user.
func (s *Store) Delete(id, userID string) error {
	result := s.db.Where("id = ? AND user_id = ?", id, userID).Delete(&database.SessionLog{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteMany removes the given session logs in one shot. Every id must
// exist and belong to userID, otherwise ErrNotOwned is returned and no
// row is touched.
func (s *Store) DeleteMany(ids []string, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if err := s.db.Model(&database.SessionLog{}).
		Where("id IN ? AND user_id = ?", ids, userID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	if count != int64(len(ids)) {
		return 0, ErrNotOwned
	}

	result := s.db.Where("id IN ? AND user_id = ?", ids, userID).Delete(&database.SessionLog{})
	return result.RowsAffected, result.Error
}

// HostStat aggregates the terminal sessions of one host.
type HostStat struct {
	Count      int     `json:"count"`
	Duration   float64 `json:"duration"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
}

// Summary holds aggregate statistics over a user's terminal sessions.
type Summary struct {
	TotalSessions      int                 `json:"total_sessions"`
	TotalDuration      float64             `json:"total_duration"`
	AverageDuration    float64             `json:"average_duration"`
	SuccessfulSessions int                 `json:"successful_sessions"`
	FailedSessions     int                 `json:"failed_sessions"`
	SuccessRate        float64             `json:"success_rate"`
	HostStats          map[string]HostStat `json:"host_stats"`
}

// Summarize computes session statistics for one user, optionally windowed
// by start and end time. A session counts as failed when it recorded an
// error message.
func (s *Store) Summarize(userID string, since, until *time.Time) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx := s.db.Where("user_id = ? AND type = ?", userID, TypeTerminal)
	if since != nil {
		tx = tx.Where("start_time >= ?", *since)
	}
	if until != nil {
		tx = tx.Where("end_time <= ?", *until)
	}

	var rows []database.SessionLog
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}

	sum := &Summary{HostStats: make(map[string]HostStat)}
	for _, row := range rows {
		var dur float64
		if row.DurationSeconds != nil {
			dur = *row.DurationSeconds
		}
		sum.TotalSessions++
		sum.TotalDuration += dur
		if row.ErrorMessage == "" {
			sum.SuccessfulSessions++
		} else {
			sum.FailedSessions++
		}

		hs := sum.HostStats[row.Host]
		hs.Count++
		hs.Duration += dur
		if row.ErrorMessage == "" {
			hs.Successful++
		} else {
			hs.Failed++
		}
		sum.HostStats[row.Host] = hs
	}
	if sum.TotalSessions > 0 {
		sum.AverageDuration = sum.TotalDuration / float64(sum.TotalSessions)
		sum.SuccessRate = float64(sum.SuccessfulSessions) / float64(sum.TotalSessions) * 100
	}
	return sum, nil
}

// PurgeOlderThan removes session logs older than the given number of days,
// or the configured retention period when days <= 0. Returns the number of
// rows deleted.
func (s *Store) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = s.retentionDays
	}
	cutoff := s.nowFn().AddDate(0, 0, -days)
	result := s.db.Where("created_at < ?", cutoff).Delete(&database.SessionLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d session logs older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (s *Store) RetentionDays() int {
	return s.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}
