package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/argus-sec/argus/backend/internal/logger"
	"github.com/argus-sec/argus/backend/internal/metrics"
	"github.com/argus-sec/argus/backend/internal/models"
)

// ErrUnavailable wraps storage failures so callers can distinguish them
// from not-found and apply their retry/buffer policy.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// ChangeListener receives every appended change record, in sequence order.
type ChangeListener func(models.ChangeRecord)

// Store is the single source of truth for events, scans, findings and
// alerts. All writes funnel through a single append path guarded by one
// mutex, which is what makes the global sequence gap-free; reads go
// straight to the database.
type Store struct {
	db *gorm.DB

	mu        sync.Mutex
	nextSeq   atomic.Int64 // next sequence to assign; reads never need mu
	listeners []ChangeListener
}

// New migrates the schema and initializes the append sequence from the
// highest persisted change record.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&models.Event{},
		&models.Scan{},
		&models.Finding{},
		&models.Alert{},
		&models.ChangeRecord{},
		&models.APIClient{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	var last int64
	row := db.Model(&models.ChangeRecord{}).Select("COALESCE(MAX(sequence), 0)").Row()
	if err := row.Scan(&last); err != nil {
		return nil, fmt.Errorf("load last sequence: %w", err)
	}

	s := &Store{db: db}
	s.nextSeq.Store(last + 1)
	return s, nil
}

// OnChange registers a listener invoked synchronously, in order, for each
// appended change. Register before the pipeline starts; not safe to call
// concurrently with writes.
func (s *Store) OnChange(fn ChangeListener) {
	s.listeners = append(s.listeners, fn)
}

// LatestSequence returns the highest sequence number assigned so far.
// Lock-free so the broadcaster may call it from inside a change listener.
func (s *Store) LatestSequence() int64 {
	return s.nextSeq.Load() - 1
}

// append writes the change record inside the caller's transaction. The
// counter advances in commit, after the whole transaction succeeded, so a
// rolled-back write never burns a sequence number.
func (s *Store) append(tx *gorm.DB, rec *models.ChangeRecord) error {
	rec.Sequence = s.nextSeq.Load()
	rec.CreatedAt = time.Now().UTC()
	if err := tx.Create(rec).Error; err != nil {
		return fmt.Errorf("append change record: %w", err)
	}
	return nil
}

// commit advances the sequence counter and notifies listeners. Caller
// holds s.mu and the transaction has committed.
func (s *Store) commit(rec models.ChangeRecord) {
	s.nextSeq.Add(1)
	s.notify(rec)
}

func (s *Store) notify(recs ...models.ChangeRecord) {
	for _, rec := range recs {
		metrics.IncChangePublished()
		for _, fn := range s.listeners {
			fn(rec)
		}
	}
}

func marshalPayload(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		logger.WithComponent("store").WithError(err).Warn("marshal change payload")
		return "{}"
	}
	return string(b)
}

// AppendEvent persists a scored event and its change record under one
// sequence number.
func (s *Store) AppendEvent(event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec models.ChangeRecord
	err := s.db.Transaction(func(tx *gorm.DB) error {
		event.Sequence = s.nextSeq.Load()
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("create event: %w", err)
		}
		rec = models.ChangeRecord{
			Kind:     models.ChangeEvent,
			EntityID: event.ID,
			Severity: event.Severity,
			Source:   event.Source,
			Payload:  marshalPayload(event),
		}
		return s.append(tx, &rec)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.commit(rec)
	return nil
}

// SaveScan upserts a scan and appends a scanStatus change record.
func (s *Store) SaveScan(scan *models.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec models.ChangeRecord
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(scan).Error; err != nil {
			return fmt.Errorf("save scan: %w", err)
		}
		rec = models.ChangeRecord{
			Kind:     models.ChangeScanStatus,
			EntityID: scan.ID,
			Source:   models.SourceScan,
			Category: string(scan.Type),
			Payload:  marshalPayload(scan),
		}
		return s.append(tx, &rec)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.commit(rec)
	return nil
}

// AppendFinding persists a finding under its owning scan.
func (s *Store) AppendFinding(finding *models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec models.ChangeRecord
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(finding).Error; err != nil {
			return fmt.Errorf("create finding: %w", err)
		}
		rec = models.ChangeRecord{
			Kind:     models.ChangeFinding,
			EntityID: finding.ID,
			Severity: finding.Severity,
			Source:   models.SourceScan,
			Payload:  marshalPayload(finding),
		}
		return s.append(tx, &rec)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.commit(rec)
	return nil
}

// SaveAlert upserts an alert and appends an alert change record.
func (s *Store) SaveAlert(alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec models.ChangeRecord
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(alert).Error; err != nil {
			return fmt.Errorf("save alert: %w", err)
		}
		rec = models.ChangeRecord{
			Kind:     models.ChangeAlert,
			EntityID: alert.ID,
			Severity: alert.Severity,
			Category: alert.Category,
			Payload:  marshalPayload(alert),
		}
		return s.append(tx, &rec)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.refreshAlertGauge()
	s.commit(rec)
	return nil
}

func (s *Store) refreshAlertGauge() {
	var open int64
	if err := s.db.Model(&models.Alert{}).
		Where("status IN ?", []models.AlertStatus{models.AlertActive, models.AlertInvestigating}).
		Count(&open).Error; err == nil {
		metrics.SetAlertsOpen(int(open))
	}
}

// ChangesSince returns up to limit change records strictly after seq, in
// sequence order. Used for reconnect replay.
func (s *Store) ChangesSince(seq int64, limit int) ([]models.ChangeRecord, error) {
	var recs []models.ChangeRecord
	q := s.db.Where("sequence > ?", seq).Order("sequence asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return recs, nil
}

// OldestRetainedSequence returns the lowest sequence still present in the
// change feed, or 0 when the feed is empty. A reconnecting subscriber whose
// resume point predates this must fetch a full snapshot instead.
func (s *Store) OldestRetainedSequence() (int64, error) {
	var oldest int64
	row := s.db.Model(&models.ChangeRecord{}).Select("COALESCE(MIN(sequence), 0)").Row()
	if err := row.Scan(&oldest); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return oldest, nil
}

// PurgeBefore removes events and change records older than cutoff. Scans,
// findings and alerts are kept; only the high-volume collections age out.
func (s *Store) PurgeBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", cutoff).Delete(&models.Event{})
		if res.Error != nil {
			return res.Error
		}
		purged = res.RowsAffected
		return tx.Where("created_at < ?", cutoff).Delete(&models.ChangeRecord{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return purged, nil
}
