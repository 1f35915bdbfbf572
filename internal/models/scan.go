package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ScanType enumerates the supported kinds of security scan.
type ScanType string

const (
	ScanVulnerability ScanType = "vulnerability"
	ScanMalware       ScanType = "malware"
	ScanNetwork       ScanType = "network"
	ScanCompliance    ScanType = "compliance"
	ScanPenetration   ScanType = "penetration"
	ScanFirewall      ScanType = "firewall"
)

var knownScanTypes = map[ScanType]bool{
	ScanVulnerability: true,
	ScanMalware:       true,
	ScanNetwork:       true,
	ScanCompliance:    true,
	ScanPenetration:   true,
	ScanFirewall:      true,
}

// Valid reports whether the scan type is one of the supported kinds.
func (t ScanType) Valid() bool {
	return knownScanTypes[t]
}

// ScanStatus tracks the scan lifecycle. Terminal states are final.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// Terminal reports whether the status permits no further mutation.
func (s ScanStatus) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed || s == ScanCancelled
}

// Scan is a tracked unit of scanning work against a single target.
type Scan struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	Type       ScanType   `json:"type" gorm:"index"`
	Target     string     `json:"target" gorm:"index"`
	Status     ScanStatus `json:"status" gorm:"index"`
	Progress   int        `json:"progress"`
	FailReason string     `json:"fail_reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Findings   []Finding  `json:"findings,omitempty" gorm:"foreignKey:ScanID"`
}

func (s *Scan) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = ScanPending
	}
	return
}

// FindingStatus tracks operator triage of a single finding.
type FindingStatus string

const (
	FindingOpen         FindingStatus = "open"
	FindingAcknowledged FindingStatus = "acknowledged"
	FindingResolved     FindingStatus = "resolved"
)

// Finding is a single result produced by a scan. Owned by the scan that
// emitted it; the correlation engine only ever reads findings.
type Finding struct {
	ID               string        `json:"id" gorm:"primaryKey"`
	ScanID           string        `json:"scan_id" gorm:"index"`
	Target           string        `json:"target" gorm:"index"`
	Severity         Severity      `json:"severity" gorm:"index"`
	Description      string        `json:"description" gorm:"type:text"`
	Remediation      string        `json:"remediation" gorm:"type:text"`
	Status           FindingStatus `json:"status"`
	ComplianceImpact StringList    `json:"compliance_impact" gorm:"type:text"`
	CreatedAt        time.Time     `json:"created_at" gorm:"index"`
}

func (f *Finding) BeforeCreate(tx *gorm.DB) (err error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Status == "" {
		f.Status = FindingOpen
	}
	return
}
