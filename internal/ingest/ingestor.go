package ingest

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argus-sec/argus/backend/internal/correlate"
	"github.com/argus-sec/argus/backend/internal/logger"
	"github.com/argus-sec/argus/backend/internal/metrics"
	"github.com/argus-sec/argus/backend/internal/models"
	"github.com/argus-sec/argus/backend/internal/normalize"
	"github.com/argus-sec/argus/backend/internal/scoring"
	"github.com/argus-sec/argus/backend/internal/store"
)

// ErrClosed is returned when records are pushed after shutdown began.
var ErrClosed = errors.New("ingestor closed")

// Options bounds the ingestion layer.
type Options struct {
	QueueSize  int // bounded queue per source kind
	BufferCap  int // local buffer while the store is unavailable
	RetryEvery time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.BufferCap <= 0 {
		o.BufferCap = 4096
	}
	if o.RetryEvery <= 0 {
		o.RetryEvery = 2 * time.Second
	}
	return o
}

// Ingestor is the entry point of the pipeline: it normalizes raw records
// on the caller's goroutine, then hands events to one worker per source
// kind, which feeds the scoring pool. Scored events are appended to the
// store and submitted to the correlation engine. While the store is
// unavailable, scored events accumulate in a bounded local buffer that
// sheds oldest-first with a counted loss.
type Ingestor struct {
	norm   *normalize.Normalizer
	pool   *scoring.Pool
	store  *store.Store
	engine *correlate.Engine
	opts   Options

	queues map[models.SourceKind]chan *models.Event

	bufMu  sync.Mutex
	buffer []*models.Event

	closeMu   sync.RWMutex
	closed    bool
	stop      chan struct{}
	workersWG sync.WaitGroup
	retryWG   sync.WaitGroup
}

// New wires the ingestion layer and starts its workers. engine may be nil.
func New(norm *normalize.Normalizer, st *store.Store, engine *correlate.Engine, scorerOpts scoring.Options, workers int, opts Options) *Ingestor {
	opts = opts.withDefaults()

	ing := &Ingestor{
		norm:   norm,
		store:  st,
		engine: engine,
		opts:   opts,
		queues: make(map[models.SourceKind]chan *models.Event),
		stop:   make(chan struct{}),
	}
	ing.pool = scoring.NewPool(scorerOpts, workers, opts.QueueSize, ing.persist)

	for _, kind := range []models.SourceKind{models.SourceLog, models.SourceNetwork, models.SourceScan} {
		q := make(chan *models.Event, opts.QueueSize)
		ing.queues[kind] = q
		ing.workersWG.Add(1)
		go ing.worker(q)
	}

	ing.retryWG.Add(1)
	go ing.retryLoop()

	return ing
}

// Ingest normalizes one raw record and queues it for scoring and
// persistence. Malformed input returns a NormalizationError and is
// counted; it never stops the stream. The returned ID identifies the
// event once it lands in the store.
func (ing *Ingestor) Ingest(kind models.SourceKind, payload []byte) (string, error) {
	// The read lock spans the enqueue so Close cannot close the queues
	// while a send is in flight.
	ing.closeMu.RLock()
	defer ing.closeMu.RUnlock()
	if ing.closed {
		return "", ErrClosed
	}

	event, nerr := ing.norm.Normalize(payload, kind)
	if nerr != nil {
		metrics.IncNormalizationError(string(kind))
		return "", nerr
	}

	event.ID = uuid.New().String()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	metrics.IncIngested(string(kind))

	q, ok := ing.queues[event.Source]
	if !ok {
		q = ing.queues[kind]
	}
	q <- event
	return event.ID, nil
}

// worker preserves per-source arrival order into the scoring pool. The
// pool hashes by stream key, so per-stream order survives end to end.
func (ing *Ingestor) worker(q chan *models.Event) {
	defer ing.workersWG.Done()
	for event := range q {
		ing.pool.Submit(event)
	}
}

// persist runs on a scoring worker goroutine after an event is scored.
func (ing *Ingestor) persist(event *models.Event) {
	if err := ing.store.AppendEvent(event); err != nil {
		ing.bufferEvent(event)
		return
	}
	if ing.engine != nil {
		ing.engine.SubmitEvent(event)
	}
}

func (ing *Ingestor) bufferEvent(event *models.Event) {
	ing.bufMu.Lock()
	defer ing.bufMu.Unlock()

	if len(ing.buffer) >= ing.opts.BufferCap {
		// Shed oldest-first; the loss is counted, never silent.
		shed := len(ing.buffer) - ing.opts.BufferCap + 1
		ing.buffer = ing.buffer[shed:]
		for i := 0; i < shed; i++ {
			metrics.IncShed()
		}
		logger.WithComponent("ingest").WithField("shed", shed).Warn("ingest buffer overflow, shedding oldest events")
	}
	ing.buffer = append(ing.buffer, event)
}

// retryLoop drains the local buffer once the store recovers.
func (ing *Ingestor) retryLoop() {
	defer ing.retryWG.Done()

	ticker := time.NewTicker(ing.opts.RetryEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ing.stop:
			ing.drainBuffer()
			return
		case <-ticker.C:
			ing.drainBuffer()
		}
	}
}

func (ing *Ingestor) drainBuffer() {
	for {
		ing.bufMu.Lock()
		if len(ing.buffer) == 0 {
			ing.bufMu.Unlock()
			return
		}
		event := ing.buffer[0]
		ing.bufMu.Unlock()

		if err := ing.store.AppendEvent(event); err != nil {
			return // still down, keep buffering
		}

		ing.bufMu.Lock()
		// The head may have been shed while the append was in flight.
		if len(ing.buffer) > 0 && ing.buffer[0] == event {
			ing.buffer = ing.buffer[1:]
		}
		ing.bufMu.Unlock()

		if ing.engine != nil {
			ing.engine.SubmitEvent(event)
		}
	}
}

// Buffered returns the number of events waiting on store recovery.
func (ing *Ingestor) Buffered() int {
	ing.bufMu.Lock()
	defer ing.bufMu.Unlock()
	return len(ing.buffer)
}

// Close stops accepting records, drains the workers and flushes what the
// store will still take.
func (ing *Ingestor) Close() {
	ing.closeMu.Lock()
	if ing.closed {
		ing.closeMu.Unlock()
		return
	}
	ing.closed = true
	// Taking the write lock waited out every Ingest still holding its read
	// lock across an enqueue; once it is released, new calls see closed and
	// bail before touching a queue, so the closes below cannot race a send.
	ing.closeMu.Unlock()

	// Order matters: drain the source workers into the pool, then the
	// pool into the store, then flush the recovery buffer.
	for _, q := range ing.queues {
		close(q)
	}
	ing.workersWG.Wait()
	ing.pool.Close()
	close(ing.stop)
	ing.retryWG.Wait()
}
