package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aiterm/server/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const BcryptCost = 12

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrWrongTokenType = errors.New("wrong token type")

	secret []byte
)

// Init resolves the JWT signing secret. When AITERM_SECRET_KEY is unset
// a random per-boot secret is generated; tokens then expire on restart.
func Init() {
	if config.Cfg.SecretKey != "" {
		secret = []byte(config.Cfg.SecretKey)
		return
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("generate secret key: %v", err)
	}
	secret = []byte(hex.EncodeToString(b))
	log.Println("[auth] AITERM_SECRET_KEY not set, using random per-boot secret")
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// TokenClaims mirrors the issued JWT payload. Subject carries the
// username; UserID is the stable row id.
type TokenClaims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	Type   string `json:"typ"` // "access" or "refresh"
	jwt.RegisteredClaims
}

func newToken(userID, username, role, typ string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		UserID: userID,
		Role:   role,
		Type:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func CreateAccessToken(userID, username, role string) (string, error) {
	ttl := time.Duration(config.Cfg.AccessTokenExpireMinutes) * time.Minute
	return newToken(userID, username, role, "access", ttl)
}

func CreateRefreshToken(userID, username, role string) (string, error) {
	ttl := time.Duration(config.Cfg.RefreshTokenExpireDays) * 24 * time.Hour
	return newToken(userID, username, role, "refresh", ttl)
}

// VerifyToken parses and validates a token of the given type
// ("access" or "refresh").
func VerifyToken(tokenString, typ string) (*TokenClaims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := tok.Claims.(*TokenClaims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != typ {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}
