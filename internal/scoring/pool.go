package scoring

import (
	"sync"

	"github.com/argus-sec/argus/backend/internal/models"
)

// Sink receives each scored event, on the worker goroutine that scored it.
type Sink func(*models.Event)

// Pool fans events out to N scoring workers. Events for the same stream
// key always hash to the same worker, so every per-key model has exactly
// one owner and per-stream ordering survives the fan-out.
type Pool struct {
	inputs []chan *models.Event
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewPool starts n workers, each owning a private Scorer, delivering
// scored events to sink.
func NewPool(opts Options, n int, queue int, sink Sink) *Pool {
	if n <= 0 {
		n = 1
	}
	if queue <= 0 {
		queue = 64
	}

	p := &Pool{inputs: make([]chan *models.Event, n)}
	for i := 0; i < n; i++ {
		ch := make(chan *models.Event, queue)
		p.inputs[i] = ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			scorer := NewScorer(opts)
			var sinceSweep int
			for event := range ch {
				scorer.Score(event)
				sink(event)
				if sinceSweep++; sinceSweep >= 256 {
					scorer.EvictIdle()
					sinceSweep = 0
				}
			}
		}()
	}
	return p
}

// Submit queues an event for scoring. Blocks when the owning worker's
// queue is full, which backpressures the ingestion worker upstream.
func (p *Pool) Submit(event *models.Event) {
	idx := int(keyHash(event.StreamKey)) % len(p.inputs)
	if idx < 0 {
		idx = -idx
	}
	p.inputs[idx] <- event
}

// Close drains the workers and waits for them to exit.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		for _, ch := range p.inputs {
			close(ch)
		}
	})
	p.wg.Wait()
}
