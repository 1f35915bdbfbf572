package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/argus-sec/argus/backend/internal/models"
)

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Source    models.SourceKind
	Severity  models.Severity
	StreamKey string
	MinScore  float64
}

// ListEvents returns events with sequence > cursor, oldest first, capped
// at limit. The last returned sequence is the next cursor.
func (s *Store) ListEvents(filter EventFilter, cursor int64, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	q := s.db.Where("sequence > ?", cursor).Order("sequence asc").Limit(limit)
	if filter.Source != "" {
		q = q.Where("source = ?", filter.Source)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.StreamKey != "" {
		q = q.Where("stream_key = ?", filter.StreamKey)
	}
	if filter.MinScore > 0 {
		q = q.Where("anomaly_score >= ?", filter.MinScore)
	}

	var events []models.Event
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return events, nil
}

// GetEvent fetches a single event by ID.
func (s *Store) GetEvent(id string) (*models.Event, error) {
	var event models.Event
	if err := s.db.First(&event, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &event, nil
}

// GetScan fetches a scan with its findings preloaded.
func (s *Store) GetScan(id string) (*models.Scan, error) {
	var scan models.Scan
	if err := s.db.Preload("Findings").First(&scan, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &scan, nil
}

// ListScans returns scans newest first, paginated by offset.
func (s *Store) ListScans(status models.ScanStatus, offset, limit int) ([]models.Scan, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := s.db.Order("created_at desc").Offset(offset).Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var scans []models.Scan
	if err := q.Find(&scans).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return scans, nil
}

// AlertFilter narrows ListAlerts. Zero values match everything.
type AlertFilter struct {
	Status   models.AlertStatus
	Severity models.Severity
	Category string
}

// ListAlerts returns alerts most recently seen first, paginated by offset.
func (s *Store) ListAlerts(filter AlertFilter, offset, limit int) ([]models.Alert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := s.db.Order("last_seen desc").Offset(offset).Limit(limit)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}

	var alerts []models.Alert
	if err := q.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return alerts, nil
}

// GetAlert fetches a single alert by ID.
func (s *Store) GetAlert(id string) (*models.Alert, error) {
	var alert models.Alert
	if err := s.db.First(&alert, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &alert, nil
}

// FindOpenAlertByKey returns the non-resolved alert for a correlation key
// and rule, if one exists. The correlation engine merges into it.
func (s *Store) FindOpenAlertByKey(ruleID, key string) (*models.Alert, error) {
	var alert models.Alert
	err := s.db.Where("rule_id = ? AND correlation_key = ? AND status <> ?",
		ruleID, key, models.AlertResolved).First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &alert, nil
}

// ListUnresolvedAlerts returns every alert still active or investigating.
// Used by the quiet-period sweep.
func (s *Store) ListUnresolvedAlerts() ([]models.Alert, error) {
	var alerts []models.Alert
	err := s.db.Where("status IN ?",
		[]models.AlertStatus{models.AlertActive, models.AlertInvestigating}).Find(&alerts).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return alerts, nil
}

// ListFindings returns the findings owned by a scan, oldest first.
func (s *Store) ListFindings(scanID string) ([]models.Finding, error) {
	var findings []models.Finding
	err := s.db.Where("scan_id = ?", scanID).Order("created_at asc").Find(&findings).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return findings, nil
}
