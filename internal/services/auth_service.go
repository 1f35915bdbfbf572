package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/argus-sec/argus/backend/internal/models"
)

// ErrInvalidCredentials covers unknown clients, disabled clients and
// wrong keys alike, so responses never leak which part failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

const tokenTTL = 12 * time.Hour

// AuthService exchanges API-client keys for short-lived JWTs used on the
// ingest and control surfaces.
type AuthService struct {
	DB     *gorm.DB
	secret []byte
}

// NewAuthService builds the service around the deployment JWT secret.
func NewAuthService(db *gorm.DB, secret string) *AuthService {
	return &AuthService{DB: db, secret: []byte(secret)}
}

// Claims carried by issued tokens.
type Claims struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// CreateClient registers a machine credential and stores only the key hash.
func (s *AuthService) CreateClient(name, key, role string) (*models.APIClient, error) {
	client := &models.APIClient{Name: name, Role: role, Enabled: true}
	if err := client.SetKey(key); err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}
	if err := s.DB.Create(client).Error; err != nil {
		return nil, fmt.Errorf("create api client: %w", err)
	}
	return client, nil
}

// IssueToken verifies a client key and returns a signed JWT.
func (s *AuthService) IssueToken(name, key string) (string, error) {
	var client models.APIClient
	if err := s.DB.First(&client, "name = ? AND enabled = ?", name, true).Error; err != nil {
		return "", ErrInvalidCredentials
	}
	if !client.CheckKey(key) {
		return "", ErrInvalidCredentials
	}

	now := time.Now().UTC()
	claims := Claims{
		ClientID: client.ID,
		Role:     client.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   client.Name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	s.DB.Model(&client).Update("last_seen_at", now)
	return signed, nil
}

// VerifyToken parses and validates a JWT, returning its claims.
func (s *AuthService) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

// Enabled reports whether auth is configured; with no secret the API
// runs open, which is only acceptable for local development.
func (s *AuthService) Enabled() bool {
	return len(s.secret) > 0
}
