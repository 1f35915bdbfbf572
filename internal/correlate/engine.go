package correlate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/argus-sec/argus/backend/internal/logger"
	"github.com/argus-sec/argus/backend/internal/models"
	"github.com/argus-sec/argus/backend/internal/store"
)

// ErrBackwardTransition rejects alert status changes that move backwards.
var ErrBackwardTransition = errors.New("alert status may only move forward")

// AlertSink is notified after every alert create or merge, off the hot
// path concerns of the engine (external push, audit).
type AlertSink func(models.Alert)

// Options carries the deployment-configurable correlation parameters.
type Options struct {
	Window      time.Duration // max evidence age per key
	WindowMax   int           // max inputs retained per key
	QuietPeriod time.Duration
	AutoClose   bool
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 10 * time.Minute
	}
	if o.WindowMax <= 0 {
		o.WindowMax = 256
	}
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = 30 * time.Minute
	}
	return o
}

// Engine groups related events and findings into alerts. It keeps one
// bounded sliding window per correlation key and evaluates each rule
// incrementally as inputs arrive, so cost per input is proportional to
// the window, never to history.
type Engine struct {
	store *store.Store
	opts  Options
	sink  AlertSink
	now   func() time.Time

	mu      sync.Mutex
	rules   []Rule
	windows map[string][]Input
	emit    map[string]*sync.Mutex // serializes fire() per correlation key
}

// New builds an engine with the default rule set. sink may be nil.
func New(st *store.Store, opts Options, sink AlertSink) *Engine {
	return &Engine{
		store:   st,
		opts:    opts.withDefaults(),
		sink:    sink,
		now:     time.Now,
		rules:   DefaultRules(),
		windows: make(map[string][]Input),
		emit:    make(map[string]*sync.Mutex),
	}
}

// Register adds a correlation rule. Call before the pipeline starts.
func (e *Engine) Register(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
}

// SubmitEvent feeds one scored event into the correlation windows.
func (e *Engine) SubmitEvent(event *models.Event) {
	score := 0.0
	if event.AnomalyScore != nil {
		score = *event.AnomalyScore
	}
	e.process(Input{
		ID:        event.ID,
		Key:       event.StreamKey,
		Source:    event.Source,
		Severity:  event.Severity,
		Score:     score,
		Timestamp: event.Timestamp,
	})
}

// SubmitFinding feeds one scan finding into the correlation windows,
// keyed by the scanned target.
func (e *Engine) SubmitFinding(finding models.Finding) {
	e.process(Input{
		ID:        finding.ID,
		Key:       finding.Target,
		Source:    models.SourceScan,
		Severity:  finding.Severity,
		Timestamp: finding.CreatedAt,
	})
}

func (e *Engine) process(in Input) {
	if in.Key == "" {
		return
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = e.now().UTC()
	}

	e.mu.Lock()
	window := e.prune(append(e.windows[in.Key], in))
	e.windows[in.Key] = window

	type firing struct {
		rule    Rule
		matched []Input
	}
	var firings []firing
	for _, rule := range e.rules {
		var matched []Input
		for _, w := range window {
			if rule.Predicate(w) {
				matched = append(matched, w)
			}
		}
		if len(matched) >= rule.Threshold {
			firings = append(firings, firing{rule: rule, matched: matched})
		}
	}
	e.mu.Unlock()

	if len(firings) == 0 {
		return
	}

	// Emission is serialized per key: fire() runs a find-then-save against
	// the store, and concurrent submitters for the same key must merge into
	// one alert rather than each creating its own.
	lock := e.emitLock(in.Key)
	lock.Lock()
	defer lock.Unlock()

	for _, f := range firings {
		if err := e.fire(f.rule, in.Key, f.matched); err != nil {
			logger.WithComponent("correlate").WithError(err).WithFields(map[string]interface{}{
				"rule": f.rule.ID, "key": in.Key,
			}).Error("alert emission failed")
		}
	}
}

func (e *Engine) emitLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.emit[key]
	if !ok {
		l = &sync.Mutex{}
		e.emit[key] = l
	}
	return l
}

// prune drops evidence older than the window duration and clips the
// window to its count bound, oldest first. Caller holds e.mu.
func (e *Engine) prune(window []Input) []Input {
	cutoff := e.now().Add(-e.opts.Window)
	kept := window[:0]
	for _, in := range window {
		if !in.Timestamp.Before(cutoff) {
			kept = append(kept, in)
		}
	}
	if len(kept) > e.opts.WindowMax {
		kept = kept[len(kept)-e.opts.WindowMax:]
	}
	return kept
}

// fire creates a new alert for the rule and key, or merges the matched
// evidence into the existing non-resolved one.
func (e *Engine) fire(rule Rule, key string, matched []Input) error {
	now := e.now().UTC()

	alert, err := e.store.FindOpenAlertByKey(rule.ID, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		alert = &models.Alert{
			Name:           rule.Name,
			Category:       rule.Category,
			CorrelationKey: key,
			RuleID:         rule.ID,
			Status:         models.AlertActive,
			FirstSeen:      now,
			LastSeen:       now,
		}
	case err != nil:
		return err
	default:
		// New correlated evidence reopens an alert under investigation.
		if alert.Status == models.AlertInvestigating {
			alert.Status = models.AlertActive
		}
		if now.After(alert.LastSeen) {
			alert.LastSeen = now
		}
	}
	alert.ResolveEligible = false

	for _, in := range matched {
		if !alert.SourceEventIDs.Contains(in.ID) {
			alert.SourceEventIDs = append(alert.SourceEventIDs, in.ID)
			alert.EvidenceCount++
		}
		for _, ioc := range in.Indicators {
			if !alert.Indicators.Contains(ioc) {
				alert.Indicators = append(alert.Indicators, ioc)
			}
		}
		// Ties keep the most recent contributor's label.
		alert.Severity = models.MaxSeverity(alert.Severity, in.Severity)
	}

	// Confidence grows with evidence and never decreases across merges.
	if c := confidence(alert.EvidenceCount); c > alert.Confidence {
		alert.Confidence = c
	}

	if err := e.store.SaveAlert(alert); err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	if e.sink != nil {
		e.sink(*alert)
	}
	return nil
}

// confidence maps evidence count onto 0-100, capped at 95 so a machine
// correlation never reads as certainty.
func confidence(evidence int) int {
	c := 40 + 10*evidence
	if c > 95 {
		c = 95
	}
	return c
}

// Sweep flags unresolved alerts quiet past the configured period as
// resolve-eligible; with auto-close enabled they are resolved outright.
// Run periodically from the cron scheduler.
func (e *Engine) Sweep() error {
	alerts, err := e.store.ListUnresolvedAlerts()
	if err != nil {
		return err
	}

	cutoff := e.now().Add(-e.opts.QuietPeriod)
	for i := range alerts {
		alert := &alerts[i]
		if alert.LastSeen.After(cutoff) {
			continue
		}
		if e.opts.AutoClose {
			alert.Status = models.AlertResolved
		} else if alert.ResolveEligible {
			continue // already flagged, nothing to write
		}
		alert.ResolveEligible = true
		if err := e.store.SaveAlert(alert); err != nil {
			return err
		}
	}
	return nil
}

// SetStatus applies an operator-driven status change. Transitions only
// move forward (active -> investigating -> resolved).
func (e *Engine) SetStatus(alertID string, status models.AlertStatus) (*models.Alert, error) {
	alert, err := e.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}

	rank := map[models.AlertStatus]int{
		models.AlertActive:        1,
		models.AlertInvestigating: 2,
		models.AlertResolved:      3,
	}
	if rank[status] == 0 || rank[status] < rank[alert.Status] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, alert.Status, status)
	}
	if status == alert.Status {
		return alert, nil
	}

	alert.Status = status
	if err := e.store.SaveAlert(alert); err != nil {
		return nil, err
	}
	return alert, nil
}
