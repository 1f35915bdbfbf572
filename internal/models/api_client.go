package models

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// APIClient is a machine credential used by collectors and scanners to
// push into the pipeline and by operators to drive the control surface.
type APIClient struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	Name       string     `json:"name" gorm:"uniqueIndex"`
	KeyHash    string     `json:"-"` // bcrypt hash, never serialized
	Role       string     `json:"role" gorm:"default:'collector'"` // "collector", "operator"
	Enabled    bool       `json:"enabled" gorm:"default:true"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (c *APIClient) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return
}

// SetKey hashes and stores the client's API key.
func (c *APIClient) SetKey(key string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	c.KeyHash = string(hash)
	return nil
}

// CheckKey compares the provided key with the stored hash.
func (c *APIClient) CheckKey(key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(c.KeyHash), []byte(key)) == nil
}
