package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Host        string `envconfig:"HOST" default:"0.0.0.0"`
	Port        int    `envconfig:"PORT" default:"8000"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:"aiterm.db"`

	// Auth settings
	SecretKey                string `envconfig:"SECRET_KEY" default:""`
	AccessTokenExpireMinutes int    `envconfig:"ACCESS_TOKEN_EXPIRE_MINUTES" default:"15"`
	RefreshTokenExpireDays   int    `envconfig:"REFRESH_TOKEN_EXPIRE_DAYS" default:"7"`
	EncryptionKey            string `envconfig:"ENCRYPTION_KEY" default:""`
	DefaultAdminUser         string `envconfig:"DEFAULT_ADMIN_USER" default:"admin"`
	DefaultAdminPassword     string `envconfig:"DEFAULT_ADMIN_PASSWORD" default:"admin!123"`
	DefaultAdminEmail        string `envconfig:"DEFAULT_ADMIN_EMAIL" default:"admin@example.com"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`

	// Terminal session settings
	MaxConnections     int    `envconfig:"MAX_CONNECTIONS" default:"100"`
	DialTimeoutSeconds int    `envconfig:"DIAL_TIMEOUT_SECONDS" default:"10"`
	KnownHostsFile     string `envconfig:"KNOWN_HOSTS" default:""`

	LogPath          string `envconfig:"LOG_PATH" default:""`
	LogRetentionDays int    `envconfig:"LOG_RETENTION_DAYS" default:"90"`

	// LLM assistant defaults, overridable per user via the llm config API
	DefaultLLMProvider string `envconfig:"DEFAULT_LLM_PROVIDER" default:"deepseek"`
	DefaultLLMAPIURL   string `envconfig:"DEFAULT_LLM_API_URL" default:"https://api.deepseek.com/v1"`
	DefaultLLMModel    string `envconfig:"DEFAULT_LLM_MODEL" default:"deepseek-chat"`
	DefaultLLMAPIKey   string `envconfig:"DEFAULT_LLM_API_KEY" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("AITERM", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
