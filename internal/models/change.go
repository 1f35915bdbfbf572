package models

import "time"

// ChangeKind names the entity a change record refers to.
type ChangeKind string

const (
	ChangeEvent      ChangeKind = "event"
	ChangeAlert      ChangeKind = "alert"
	ChangeFinding    ChangeKind = "finding"
	ChangeScanStatus ChangeKind = "scanStatus"
)

// ChangeRecord is one entry in the global append-ordered change feed.
// The broadcaster delivers live changes from memory and replays missed
// ones from this table on reconnect; retention purges old rows together
// with their events.
type ChangeRecord struct {
	Sequence  int64      `json:"sequence" gorm:"primaryKey;autoIncrement:false"`
	Kind      ChangeKind `json:"kind" gorm:"index"`
	EntityID  string     `json:"entity_id" gorm:"index"`
	Severity  Severity   `json:"severity"`
	Source    SourceKind `json:"source"`
	Category  string     `json:"category"`
	Payload   string     `json:"payload" gorm:"type:text"`
	CreatedAt time.Time  `json:"created_at" gorm:"index"`
}
