package scans

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/argus-sec/argus/backend/internal/logger"
	"github.com/argus-sec/argus/backend/internal/metrics"
	"github.com/argus-sec/argus/backend/internal/models"
	"github.com/argus-sec/argus/backend/internal/store"
)

var (
	// ErrEmptyTarget rejects a schedule request without a target.
	ErrEmptyTarget = errors.New("scan target is empty")
	// ErrUnknownType rejects a schedule request with an unsupported scan type.
	ErrUnknownType = errors.New("unknown scan type")
	// ErrNotFound is returned for operations on scans the orchestrator does not track.
	ErrNotFound = errors.New("scan not found")
)

// TransitionError reports an illegal state transition attempt. The scan
// state is left unchanged; the attempt itself is logged as an anomaly of
// the orchestrator.
type TransitionError struct {
	ScanID string
	From   models.ScanStatus
	Op     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("scan %s: illegal %s while %s", e.ScanID, e.Op, e.From)
}

// FindingSink receives every finding as it is appended, so the
// correlation engine sees scan evidence live.
type FindingSink func(models.Finding)

// entry pairs a scan with the lock that makes its driver the single
// writer for the scan's lifetime.
type entry struct {
	mu      sync.Mutex
	scan    *models.Scan
	timeout *time.Timer
}

// Orchestrator owns the lifecycle of every scan: scheduling, progress,
// findings emission, cancellation and the wall-clock timeout watchdog.
type Orchestrator struct {
	store       *store.Store
	maxDuration time.Duration
	sink        FindingSink

	mu     sync.Mutex
	active map[string]*entry
}

// New builds an orchestrator. sink may be nil when no correlation engine
// is attached.
func New(st *store.Store, maxDuration time.Duration, sink FindingSink) *Orchestrator {
	if maxDuration <= 0 {
		maxDuration = 30 * time.Minute
	}
	return &Orchestrator{
		store:       st,
		maxDuration: maxDuration,
		sink:        sink,
		active:      make(map[string]*entry),
	}
}

// Schedule validates and registers a new pending scan.
func (o *Orchestrator) Schedule(scanType models.ScanType, target string) (string, error) {
	if target == "" {
		return "", ErrEmptyTarget
	}
	if !scanType.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, scanType)
	}

	scan := &models.Scan{Type: scanType, Target: target, Status: models.ScanPending, CreatedAt: time.Now().UTC()}
	if err := o.store.SaveScan(scan); err != nil {
		return "", err
	}

	o.mu.Lock()
	o.active[scan.ID] = &entry{scan: scan}
	o.mu.Unlock()

	logger.WithComponent("scans").WithFields(map[string]interface{}{
		"scan_id": scan.ID, "type": scanType, "target": target,
	}).Info("scan scheduled")
	return scan.ID, nil
}

func (o *Orchestrator) lookup(id string) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.active[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// untracked resolves an operation on a scan the orchestrator no longer
// tracks in memory. Finished scans are evicted from the active set, so a
// late tick or start against one still reports the terminal status it
// would have seen, instead of pretending the scan never existed.
func (o *Orchestrator) untracked(id, op string) error {
	scan, err := o.store.GetScan(id)
	if err != nil || !scan.Status.Terminal() {
		return ErrNotFound
	}
	return o.reject(scan, op)
}

// Start moves a pending scan to running and arms its timeout watchdog.
func (o *Orchestrator) Start(id string) error {
	e, err := o.lookup(id)
	if err != nil {
		return o.untracked(id, "start")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scan.Status != models.ScanPending {
		return o.reject(e.scan, "start")
	}

	now := time.Now().UTC()
	e.scan.Status = models.ScanRunning
	e.scan.StartedAt = &now
	if err := o.store.SaveScan(e.scan); err != nil {
		e.scan.Status = models.ScanPending
		e.scan.StartedAt = nil
		return err
	}

	e.timeout = time.AfterFunc(o.maxDuration, func() { o.timeoutScan(id) })
	return nil
}

// Tick advances a running scan and appends any new findings. Calls
// against a scan that is not running are no-ops reported as transition
// errors; the scan state never changes.
func (o *Orchestrator) Tick(id string, progressDelta int, findings []models.Finding) error {
	e, err := o.lookup(id)
	if err != nil {
		return o.untracked(id, "tick")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scan.Status != models.ScanRunning {
		return o.reject(e.scan, "tick")
	}
	if progressDelta < 0 {
		return o.reject(e.scan, "negative progress tick")
	}

	for i := range findings {
		findings[i].ScanID = e.scan.ID
		if findings[i].Target == "" {
			findings[i].Target = e.scan.Target
		}
		if err := o.store.AppendFinding(&findings[i]); err != nil {
			return err
		}
		if o.sink != nil {
			o.sink(findings[i])
		}
	}

	e.scan.Progress += progressDelta
	if e.scan.Progress >= 100 {
		e.scan.Progress = 100
		return o.finalize(e, models.ScanCompleted, "")
	}
	return o.store.SaveScan(e.scan)
}

// Fail moves a running scan to failed with a reason.
func (o *Orchestrator) Fail(id, reason string) error {
	e, err := o.lookup(id)
	if err != nil {
		return o.untracked(id, "fail")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scan.Status != models.ScanRunning {
		return o.reject(e.scan, "fail")
	}
	return o.finalize(e, models.ScanFailed, reason)
}

// Cancel requests cancellation. Best-effort: a scan that already reached
// a terminal state is left untouched and no error is raised.
func (o *Orchestrator) Cancel(id string) error {
	e, err := o.lookup(id)
	if err != nil {
		// Finished scans are evicted from the active set; cancelling them
		// stays an idempotent no-op.
		if scan, serr := o.store.GetScan(id); serr == nil && scan.Status.Terminal() {
			return nil
		}
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scan.Status.Terminal() {
		return nil // idempotent
	}
	return o.finalize(e, models.ScanCancelled, "")
}

// finalize commits exactly one terminal state. Caller holds e.mu.
func (o *Orchestrator) finalize(e *entry, status models.ScanStatus, reason string) error {
	now := time.Now().UTC()
	prev := e.scan.Status
	e.scan.Status = status
	e.scan.FailReason = reason
	e.scan.FinishedAt = &now
	if err := o.store.SaveScan(e.scan); err != nil {
		e.scan.Status = prev
		e.scan.FailReason = ""
		e.scan.FinishedAt = nil
		return err
	}

	if e.timeout != nil {
		e.timeout.Stop()
	}

	// A terminal scan needs no driver; keeping it tracked would grow the
	// active set without bound. Late operations fall through to the store.
	o.mu.Lock()
	delete(o.active, e.scan.ID)
	o.mu.Unlock()

	metrics.IncScanTransition(string(status))
	logger.WithComponent("scans").WithFields(map[string]interface{}{
		"scan_id": e.scan.ID, "status": status, "reason": reason,
	}).Info("scan finished")
	return nil
}

func (o *Orchestrator) timeoutScan(id string) {
	e, err := o.lookup(id)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.scan.Status != models.ScanRunning {
		return
	}
	if err := o.finalize(e, models.ScanFailed, "timeout"); err != nil {
		logger.WithComponent("scans").WithError(err).WithField("scan_id", id).Error("timeout finalize failed")
	}
}

func (o *Orchestrator) reject(scan *models.Scan, op string) error {
	err := &TransitionError{ScanID: scan.ID, From: scan.Status, Op: op}
	logger.WithComponent("scans").WithFields(map[string]interface{}{
		"scan_id": scan.ID, "status": scan.Status, "op": op,
	}).Warn("rejected scan transition")
	return err
}

// Recover re-adopts scans a previous process left non-terminal. Pending
// scans become controllable again; running scans get their watchdog
// re-armed for the time they have left, and those already past the
// deadline fail immediately with the timeout reason. Call once at
// startup, before the API starts taking traffic.
func (o *Orchestrator) Recover() error {
	var orphans []models.Scan
	for _, status := range []models.ScanStatus{models.ScanPending, models.ScanRunning} {
		for offset := 0; ; {
			batch, err := o.store.ListScans(status, offset, 200)
			if err != nil {
				return err
			}
			orphans = append(orphans, batch...)
			if len(batch) < 200 {
				break
			}
			offset += len(batch)
		}
	}

	for i := range orphans {
		scan := orphans[i]
		e := &entry{scan: &scan}
		o.mu.Lock()
		o.active[scan.ID] = e
		o.mu.Unlock()

		if scan.Status != models.ScanRunning {
			continue
		}

		remaining := o.maxDuration
		if scan.StartedAt != nil {
			remaining = o.maxDuration - time.Since(*scan.StartedAt)
		}
		if remaining <= 0 {
			e.mu.Lock()
			err := o.finalize(e, models.ScanFailed, "timeout")
			e.mu.Unlock()
			if err != nil {
				return err
			}
			continue
		}
		id := scan.ID
		e.timeout = time.AfterFunc(remaining, func() { o.timeoutScan(id) })
		logger.WithComponent("scans").WithFields(map[string]interface{}{
			"scan_id": id, "remaining": remaining.String(),
		}).Info("recovered running scan")
	}
	return nil
}

// ScheduleRecurring registers a cron expression that schedules and starts
// a fresh scan of the given type on every fire.
func (o *Orchestrator) ScheduleRecurring(c *cron.Cron, spec string, scanType models.ScanType, target string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		id, err := o.Schedule(scanType, target)
		if err != nil {
			logger.WithComponent("scans").WithError(err).Warn("recurring scan schedule failed")
			return
		}
		if err := o.Start(id); err != nil {
			logger.WithComponent("scans").WithError(err).WithField("scan_id", id).Warn("recurring scan start failed")
		}
	})
}
