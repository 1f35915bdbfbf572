package scoring

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/argus-sec/argus/backend/internal/metrics"
	"github.com/argus-sec/argus/backend/internal/models"
)

// Options tunes the keyed scorer. All values come from deployment config.
type Options struct {
	WarmThreshold int           // samples before a stream starts scoring
	IdleEviction  time.Duration // silent streams older than this are discarded
	Trees         int
	Subsample     int
	RetainWindow  int // sliding sample window per stream
}

func (o Options) withDefaults() Options {
	if o.WarmThreshold <= 0 {
		o.WarmThreshold = 64
	}
	if o.IdleEviction <= 0 {
		o.IdleEviction = 30 * time.Minute
	}
	if o.Trees <= 0 {
		o.Trees = 50
	}
	if o.Subsample <= 0 {
		o.Subsample = 256
	}
	if o.RetainWindow < o.WarmThreshold {
		o.RetainWindow = o.WarmThreshold * 2
	}
	return o
}

// stream holds the per-key state machine: cold while accumulating
// baseline samples, warm once a model is trained, back to cold when
// evicted after going silent.
type stream struct {
	dims     []string
	samples  [][]float64
	model    *forest
	rng      *rand.Rand
	seen     int
	lastSeen time.Time
}

// Scorer is a single-owner keyed anomaly scorer. It is not safe for
// concurrent use; each pool worker owns exactly one instance, which is
// what keeps in-progress models from ever being shared across goroutines.
type Scorer struct {
	opts    Options
	streams map[string]*stream
	now     func() time.Time
}

// NewScorer builds a keyed scorer with the given options.
func NewScorer(opts Options) *Scorer {
	return &Scorer{
		opts:    opts.withDefaults(),
		streams: make(map[string]*stream),
		now:     time.Now,
	}
}

// Score annotates the event with an anomaly score in [0,1]. Events with
// missing or invalid feature dimensions get score 0 and the low
// confidence flag; scoring never fails and never blocks ingestion.
func (s *Scorer) Score(event *models.Event) {
	neutral := 0.0
	now := s.now()

	st, ok := s.streams[event.StreamKey]
	if !ok {
		st = &stream{
			rng: rand.New(rand.NewSource(int64(keyHash(event.StreamKey)))),
		}
		s.streams[event.StreamKey] = st
	}
	st.lastSeen = now

	vec, valid := st.vector(event.Features)
	if !valid {
		event.AnomalyScore = &neutral
		event.LowConfidence = true
		metrics.IncLowConfidence()
		return
	}

	score := neutral
	if st.model != nil {
		score = st.model.score(vec)
		if math.IsNaN(score) || score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
	}
	event.AnomalyScore = &score
	event.LowConfidence = st.model == nil // cold streams score neutrally
	metrics.IncScored()

	st.absorb(vec)
	st.seen++
	if st.seen >= s.opts.WarmThreshold && st.seen%s.opts.WarmThreshold == 0 {
		// Retrain on the current window; the new forest replaces the old
		// one only after it is fully built.
		st.model = buildForest(st.samples, s.opts.Trees, s.opts.Subsample, st.rng)
	}
	if len(st.samples) > s.opts.RetainWindow {
		st.samples = st.samples[len(st.samples)-s.opts.RetainWindow:]
	}
}

// EvictIdle discards models for streams silent past the idle timeout,
// bounding memory. Evicted streams restart cold.
func (s *Scorer) EvictIdle() int {
	cutoff := s.now().Add(-s.opts.IdleEviction)
	var evicted int
	for key, st := range s.streams {
		if st.lastSeen.Before(cutoff) {
			delete(s.streams, key)
			evicted++
		}
	}
	return evicted
}

// Warm reports whether the stream key has a trained model.
func (s *Scorer) Warm(key string) bool {
	st, ok := s.streams[key]
	return ok && st.model != nil
}

// vector projects a feature map onto the stream's fixed dimension order,
// locking the order in on first observation.
func (st *stream) vector(features models.FeatureMap) ([]float64, bool) {
	if len(features) == 0 {
		return nil, false
	}
	if st.dims == nil {
		for k := range features {
			st.dims = append(st.dims, k)
		}
		sort.Strings(st.dims)
	}

	vec := make([]float64, len(st.dims))
	for i, dim := range st.dims {
		v, ok := features[dim]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		vec[i] = v
	}
	return vec, true
}

func (st *stream) absorb(vec []float64) {
	st.samples = append(st.samples, vec)
}

func keyHash(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
