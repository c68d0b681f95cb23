package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type User struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	Email        string    `gorm:"uniqueIndex;not null;size:128" json:"email"`
	PasswordHash string    `gorm:"not null;size:256" json:"-"`
	Role         string    `gorm:"not null;default:user;size:16" json:"role"` // admin / user
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`
	Avatar       string    `gorm:"size:256" json:"avatar,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Connection is a saved SSH target. Password, private key and passphrase
// are Fernet-encrypted at rest and never serialized.
type Connection struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	UserID        string    `gorm:"not null;index;size:36" json:"user_id"`
	Name          string    `gorm:"not null;size:128" json:"name"`
	GroupName     string    `gorm:"default:default;size:64" json:"group_name"`
	Host          string    `gorm:"not null;size:256" json:"host"`
	Port          int       `gorm:"default:22" json:"port"`
	Protocol      string    `gorm:"default:ssh;size:16" json:"protocol"`
	AuthMethod    string    `gorm:"default:password;size:16" json:"auth_method"` // password / private_key
	Username      string    `gorm:"not null;size:64" json:"username"`
	PasswordEnc   string    `gorm:"type:text" json:"-"`
	PrivateKeyEnc string    `gorm:"type:text" json:"-"`
	PassphraseEnc string    `gorm:"type:text" json:"-"`
	Description   string    `gorm:"type:text" json:"description,omitempty"`
	Tags          string    `gorm:"type:text" json:"tags,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (c *Connection) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// SessionLog is the audit row for one terminal or AI chat session.
// EndTime and DurationSeconds stay nil until the session is finalized;
// evicted sessions keep them nil.
type SessionLog struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	UserID          string     `gorm:"not null;index;size:36" json:"user_id"`
	ConnectionID    string     `gorm:"index;size:36" json:"connection_id"`
	Type            string     `gorm:"not null;default:terminal;size:16" json:"type"` // terminal / ai_chat
	Content         string     `gorm:"type:text" json:"content,omitempty"`
	Role            string     `gorm:"size:16" json:"role,omitempty"` // user / assistant / system
	Host            string     `gorm:"size:256" json:"host"`
	Username        string     `gorm:"size:128" json:"username"`
	StartTime       *time.Time `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	DurationSeconds *float64   `json:"duration_seconds"`
	CommandsJSON    string     `gorm:"column:commands_executed;type:text" json:"-"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (s *SessionLog) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// LLMConfig is one user's saved assistant configuration; at most one per
// user is active at a time.
type LLMConfig struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	UserID      string    `gorm:"not null;index;size:36" json:"user_id"`
	Name        string    `gorm:"not null;size:64" json:"name"`
	Provider    string    `gorm:"default:deepseek;size:32" json:"provider"` // deepseek / openai / ollama / custom
	APIURL      string    `gorm:"size:256" json:"api_url"`
	APIKeyEnc   string    `gorm:"type:text" json:"-"`
	Model       string    `gorm:"not null;size:64" json:"model"`
	Temperature float64   `gorm:"default:0.7" json:"temperature"`
	MaxTokens   int       `gorm:"default:2048" json:"max_tokens"`
	IsActive    bool      `gorm:"default:false" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (l *LLMConfig) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
