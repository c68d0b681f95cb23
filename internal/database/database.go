package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aiterm/server/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	url := config.Cfg.DatabaseURL

	var dialector gorm.Dialector
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		dialector = postgres.Open(url)
	} else {
		if dir := filepath.Dir(url); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create db directory: %w", err)
			}
		}
		dialector = sqlite.Open(url)
	}

	var err error
	DB, err = gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	if _, ok := dialector.(*sqlite.Dialector); ok {
		sqlDB, err := DB.DB()
		if err != nil {
			return fmt.Errorf("get sql.DB: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := DB.AutoMigrate(&User{}, &Connection{}, &SessionLog{}, &LLMConfig{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id string) (*User, error) {
	var u User
	if err := DB.Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByEmail(email string) (*User, error) {
	var u User
	if err := DB.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func SaveUser(u *User) error {
	return DB.Save(u).Error
}

func DeleteUser(id string) error {
	return DB.Where("id = ?", id).Delete(&User{}).Error
}

func UpdateUserPassword(id string, hash string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("password_hash", hash).Error
}

func ListUsers() ([]User, error) {
	var users []User
	if err := DB.Order("created_at").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

// Connection helpers

func GetConnection(id, userID string) (*Connection, error) {
	var c Connection
	if err := DB.Where("id = ? AND user_id = ?", id, userID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func GetConnectionByName(name, userID string) (*Connection, error) {
	var c Connection
	if err := DB.Where("name = ? AND user_id = ?", name, userID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func ListConnections(userID string) ([]Connection, error) {
	var conns []Connection
	if err := DB.Where("user_id = ?", userID).Order("created_at").Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

func CreateConnection(c *Connection) error {
	return DB.Create(c).Error
}

func SaveConnection(c *Connection) error {
	return DB.Save(c).Error
}

func DeleteConnection(id, userID string) error {
	res := DB.Where("id = ? AND user_id = ?", id, userID).Delete(&Connection{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// LLM config helpers

func GetActiveLLMConfig(userID string) (*LLMConfig, error) {
	var cfg LLMConfig
	if err := DB.Where("user_id = ? AND is_active = ?", userID, true).First(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

func GetLLMConfig(id, userID string) (*LLMConfig, error) {
	var cfg LLMConfig
	if err := DB.Where("id = ? AND user_id = ?", id, userID).First(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ListLLMConfigs(userID string) ([]LLMConfig, error) {
	var cfgs []LLMConfig
	if err := DB.Where("user_id = ?", userID).Order("created_at").Find(&cfgs).Error; err != nil {
		return nil, err
	}
	return cfgs, nil
}

func CreateLLMConfig(cfg *LLMConfig) error {
	return DB.Create(cfg).Error
}

func SaveLLMConfig(cfg *LLMConfig) error {
	return DB.Save(cfg).Error
}

func DeleteLLMConfig(id, userID string) error {
	res := DB.Where("id = ? AND user_id = ?", id, userID).Delete(&LLMConfig{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeactivateLLMConfigs clears the active flag on all of a user's configs.
// Activation flows call it before marking the chosen config active.
func DeactivateLLMConfigs(userID string) error {
	return DB.Model(&LLMConfig{}).Where("user_id = ?", userID).Update("is_active", false).Error
}
