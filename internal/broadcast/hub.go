package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argus-sec/argus/backend/internal/logger"
	"github.com/argus-sec/argus/backend/internal/metrics"
	"github.com/argus-sec/argus/backend/internal/models"
	"github.com/argus-sec/argus/backend/internal/store"
)

// ReplayStatus tells a connecting subscriber how its session begins.
type ReplayStatus string

const (
	// ReplayLive means the subscription starts at the feed head.
	ReplayLive ReplayStatus = "live"
	// ReplayBacklog means missed changes were queued ahead of live ones.
	ReplayBacklog ReplayStatus = "backlog"
	// ReplaySnapshot means the gap exceeded retention; the client must
	// fetch a full snapshot through the query API before consuming.
	ReplaySnapshot ReplayStatus = "snapshot"
)

// Subscription is one live dashboard connection's view of the change
// feed. The consumer reads C and acknowledges delivered sequences; the
// hub is the only writer.
type Subscription struct {
	ID      string
	Filters Filters
	C       <-chan models.ChangeRecord

	hub *Hub
	out chan models.ChangeRecord

	mu            sync.Mutex
	degraded      bool
	lastEnqueued  int64
	lastDelivered int64
}

// Ack records that every change up to seq reached the client. The resume
// point survives disconnects for the grace period.
func (s *Subscription) Ack(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastDelivered {
		s.lastDelivered = seq
	}
}

// Degraded reports whether the backlog overflowed or a delivery timed
// out. A degraded subscription receives no further incremental changes;
// the client must resync from its last acknowledged sequence.
func (s *Subscription) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// MarkDegraded is called by the stream handler when writing to the
// client takes longer than the delivery timeout, so a stuck socket never
// blocks the pipeline. Degrading is one-way; the client resyncs through
// a fresh subscription.
func (s *Subscription) MarkDegraded() {
	s.mu.Lock()
	if s.degraded {
		s.mu.Unlock()
		return
	}
	s.degraded = true
	s.mu.Unlock()
	metrics.IncSubscriberDegraded()
}

// LastDelivered returns the highest acknowledged sequence.
func (s *Subscription) LastDelivered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelivered
}

// parked remembers a disconnected subscription during the grace period.
type parked struct {
	filters       Filters
	lastDelivered int64
	expires       time.Time
}

// Hub fans persisted changes out to live subscriptions. Delivery to each
// subscriber is in strictly increasing sequence order with no gaps; a
// subscriber that cannot keep up is degraded and forced to resync, never
// silently skipped.
type Hub struct {
	store   *store.Store
	backlog int
	grace   time.Duration

	mu     sync.Mutex
	subs   map[string]*Subscription
	parked map[string]parked
}

// NewHub builds a hub and registers it on the store's change feed.
func NewHub(st *store.Store, backlog int, grace time.Duration) *Hub {
	if backlog <= 0 {
		backlog = 256
	}
	h := &Hub{
		store:   st,
		backlog: backlog,
		grace:   grace,
		subs:    make(map[string]*Subscription),
		parked:  make(map[string]parked),
	}
	st.OnChange(h.Publish)
	return h
}

// Publish enqueues a change record to every matching live subscription.
// Called synchronously from the store's append path, so records arrive
// here in global sequence order.
func (h *Hub) Publish(rec models.ChangeRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		sub.mu.Lock()
		switch {
		case sub.degraded:
			// Overflow already happened; the client resyncs on reconnect.
		case rec.Sequence <= sub.lastEnqueued:
			// Already covered by replay; dropping the duplicate keeps the
			// per-subscriber sequence strictly increasing.
		case !sub.Filters.Match(rec):
		default:
			select {
			case sub.out <- rec:
				sub.lastEnqueued = rec.Sequence
			default:
				sub.degraded = true
				metrics.IncSubscriberDegraded()
				logger.WithComponent("broadcast").WithFields(map[string]interface{}{
					"subscription": sub.ID, "sequence": rec.Sequence,
				}).Warn("subscriber backlog overflow, forcing resync")
			}
		}
		sub.mu.Unlock()
	}
}

// Subscribe registers a live subscription. A client reconnecting with a
// prior acknowledged sequence passes it as since; changes after it are
// replayed ahead of live delivery, or a snapshot is demanded when the
// gap exceeds retention.
func (h *Hub) Subscribe(filters Filters, since int64) (*Subscription, ReplayStatus, error) {
	out := make(chan models.ChangeRecord, h.backlog)
	sub := &Subscription{
		ID:            uuid.New().String(),
		Filters:       filters,
		C:             out,
		out:           out,
		lastEnqueued:  since,
		lastDelivered: since,
	}

	status := ReplayLive
	h.mu.Lock()
	defer h.mu.Unlock()

	if since > 0 {
		oldest, err := h.store.OldestRetainedSequence()
		if err != nil {
			return nil, "", err
		}
		if oldest > since+1 || (oldest == 0 && h.store.LatestSequence() > since) {
			// The resume point aged out of retention.
			status = ReplaySnapshot
			sub.lastEnqueued = h.store.LatestSequence()
		} else {
			missed, err := h.store.ChangesSince(since, h.backlog+1)
			if err != nil {
				return nil, "", err
			}
			if len(missed) > h.backlog {
				// More missed changes than the backlog can hold; replaying
				// a prefix would stall immediately, so demand a snapshot.
				status = ReplaySnapshot
				sub.lastEnqueued = h.store.LatestSequence()
			} else {
				for _, rec := range missed {
					if filters.Match(rec) {
						out <- rec
					}
					sub.lastEnqueued = rec.Sequence
				}
				if len(missed) > 0 {
					status = ReplayBacklog
				}
			}
		}
	}

	h.subs[sub.ID] = sub
	return sub, status, nil
}

// Resume revives a subscription parked within the grace period, keeping
// its filters and replaying from its acknowledged position.
func (h *Hub) Resume(id string) (*Subscription, ReplayStatus, error) {
	h.mu.Lock()
	p, ok := h.parked[id]
	if ok {
		delete(h.parked, id)
	}
	h.mu.Unlock()

	if !ok || time.Now().After(p.expires) {
		return nil, "", store.ErrNotFound
	}
	return h.Subscribe(p.filters, p.lastDelivered)
}

// Unsubscribe detaches a subscription. Its resume point is parked for
// the grace period so a reconnecting dashboard can replay the gap.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	close(sub.out)
	h.parked[sub.ID] = parked{
		filters:       sub.Filters,
		lastDelivered: sub.LastDelivered(),
		expires:       time.Now().Add(h.grace),
	}
}

// SweepParked drops parked resume points past the grace period. Run
// periodically from the cron scheduler.
func (h *Hub) SweepParked() {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, p := range h.parked {
		if now.After(p.expires) {
			delete(h.parked, id)
		}
	}
}

// Active returns the number of live subscriptions.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
