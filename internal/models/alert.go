package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AlertStatus tracks the investigation lifecycle of an alert. Transitions
// move forward only, except an explicit reopen back to active when new
// correlated evidence arrives.
type AlertStatus string

const (
	AlertActive        AlertStatus = "active"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
)

// Alert is a correlated, user-facing security signal built from one or
// more events and findings sharing a correlation key.
type Alert struct {
	ID              string      `json:"id" gorm:"primaryKey"`
	Name            string      `json:"name"`
	Category        string      `json:"category" gorm:"index"`
	CorrelationKey  string      `json:"correlation_key" gorm:"index"`
	RuleID          string      `json:"rule_id" gorm:"index"`
	Severity        Severity    `json:"severity" gorm:"index"`
	Status          AlertStatus `json:"status" gorm:"index"`
	FirstSeen       time.Time   `json:"first_seen"`
	LastSeen        time.Time   `json:"last_seen"`
	Confidence      int         `json:"confidence"` // 0-100, non-decreasing across merges
	EvidenceCount   int         `json:"evidence_count"`
	SourceEventIDs  StringList  `json:"source_event_ids" gorm:"type:text"`
	Indicators      StringList  `json:"indicators" gorm:"type:text"`
	ResolveEligible bool        `json:"resolve_eligible"` // quiet period elapsed, flagged for operator review
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func (a *Alert) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = AlertActive
	}
	now := time.Now().UTC()
	if a.FirstSeen.IsZero() {
		a.FirstSeen = now
	}
	if a.LastSeen.Before(a.FirstSeen) {
		a.LastSeen = a.FirstSeen
	}
	return
}
