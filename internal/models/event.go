package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SourceKind discriminates the origin of a normalized event.
type SourceKind string

const (
	SourceLog     SourceKind = "log"
	SourceNetwork SourceKind = "network"
	SourceScan    SourceKind = "scan"
)

// FeatureMap holds the named numeric attributes used for anomaly scoring.
// Stored as a JSON text column.
type FeatureMap map[string]float64

func (f FeatureMap) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal feature map: %w", err)
	}
	return string(b), nil
}

func (f *FeatureMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*f = FeatureMap{}
		return nil
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	default:
		return fmt.Errorf("unsupported feature map source type %T", src)
	}
}

// StringList is a JSON-encoded list column used for tags and indicators.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(b), nil
}

func (l *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = StringList{}
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported string list source type %T", src)
	}
}

// Contains reports whether the list holds s.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// Event is one normalized observation from a monitored source. Created by
// the normalizer, scored exactly once, immutable afterwards.
type Event struct {
	ID            string     `json:"id" gorm:"primaryKey"`
	Sequence      int64      `json:"sequence" gorm:"uniqueIndex"`
	Source        SourceKind `json:"source" gorm:"index"`
	StreamKey     string     `json:"stream_key" gorm:"index"` // device+metric identity used by the scorer and correlator
	Timestamp     time.Time  `json:"timestamp" gorm:"index"`
	RawPayload    string     `json:"raw_payload" gorm:"type:text"`
	Features      FeatureMap `json:"features" gorm:"type:text"`
	AnomalyScore  *float64   `json:"anomaly_score"`
	LowConfidence bool       `json:"low_confidence"`
	Tags          StringList `json:"tags" gorm:"type:text"`
	Severity      Severity   `json:"severity" gorm:"index"`
	CreatedAt     time.Time  `json:"created_at" gorm:"index"`
}

func (e *Event) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return
}

// Scored reports whether the scorer has annotated this event.
func (e *Event) Scored() bool {
	return e.AnomalyScore != nil
}
