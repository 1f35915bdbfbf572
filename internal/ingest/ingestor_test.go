package ingest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/argus-sec/argus/backend/internal/models"
	"github.com/argus-sec/argus/backend/internal/normalize"
	"github.com/argus-sec/argus/backend/internal/scoring"
	"github.com/argus-sec/argus/backend/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	st, err := store.New(db)
	require.NoError(t, err)
	return st
}

func newTestIngestor(t *testing.T, st *store.Store, opts Options) *Ingestor {
	t.Helper()
	norm, err := normalize.New("")
	require.NoError(t, err)
	return New(norm, st, nil, scoring.Options{WarmThreshold: 10, Trees: 10, Subsample: 16}, 2, opts)
}

func TestIngestFlowsThroughScoringToStore(t *testing.T) {
	st := setupTestStore(t)
	ing := newTestIngestor(t, st, Options{})

	var ids []string
	for i := 0; i < 25; i++ {
		raw := fmt.Sprintf(`{"device":"fw-1","metric":"conn_rate","features":{"rate":%d}}`, 10+i%4)
		id, err := ing.Ingest(models.SourceLog, []byte(raw))
		require.NoError(t, err)
		require.NotEmpty(t, id)
		ids = append(ids, id)
	}
	ing.Close()

	events, err := st.ListEvents(store.EventFilter{}, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 25)

	byID := make(map[string]models.Event, len(events))
	for _, e := range events {
		require.NotNil(t, e.AnomalyScore)
		byID[e.ID] = e
	}
	for _, id := range ids {
		require.Contains(t, byID, id)
	}
	// The stream warms partway through, so the tail is scored with
	// confidence.
	last := byID[ids[len(ids)-1]]
	require.False(t, last.LowConfidence)
}

func TestMalformedRecordIsRejectedWithoutStoppingTheStream(t *testing.T) {
	st := setupTestStore(t)
	ing := newTestIngestor(t, st, Options{})

	_, err := ing.Ingest(models.SourceLog, []byte(`{"device":`))
	var nerr *normalize.NormalizationError
	require.ErrorAs(t, err, &nerr)
	require.NotEmpty(t, nerr.Reason)
	require.NotEmpty(t, nerr.Fragment)

	// The stream keeps accepting valid records afterwards.
	_, err = ing.Ingest(models.SourceLog, []byte(`{"device":"fw-1","metric":"m","features":{"v":1}}`))
	require.NoError(t, err)
	ing.Close()

	events, err := st.ListEvents(store.EventFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestIngestAfterCloseReturnsErrClosed(t *testing.T) {
	ing := newTestIngestor(t, setupTestStore(t), Options{})
	ing.Close()

	_, err := ing.Ingest(models.SourceLog, []byte(`{"device":"d","metric":"m","features":{"v":1}}`))
	require.ErrorIs(t, err, ErrClosed)

	// Close is idempotent.
	ing.Close()
}

func TestCloseDuringConcurrentIngestIsClean(t *testing.T) {
	ing := newTestIngestor(t, setupTestStore(t), Options{})

	// Shutdown races the senders: every in-flight Ingest either lands or
	// reports ErrClosed, and none of them may panic on a closed queue.
	raw := []byte(`{"device":"fw-1","metric":"m","features":{"v":1}}`)
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		unexpected []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := ing.Ingest(models.SourceLog, raw)
				if err == nil {
					continue
				}
				if !errors.Is(err, ErrClosed) {
					mu.Lock()
					unexpected = append(unexpected, err)
					mu.Unlock()
				}
				return
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	ing.Close()
	wg.Wait()

	require.Empty(t, unexpected)
	_, err := ing.Ingest(models.SourceLog, raw)
	require.ErrorIs(t, err, ErrClosed)
}

func TestBufferShedsOldestFirstAtCapacity(t *testing.T) {
	st := setupTestStore(t)
	ing := newTestIngestor(t, st, Options{BufferCap: 2, RetryEvery: time.Hour})
	defer ing.Close()

	for i := 0; i < 4; i++ {
		ing.bufferEvent(&models.Event{ID: fmt.Sprintf("ev-%d", i), Source: models.SourceLog, StreamKey: "k"})
	}
	require.Equal(t, 2, ing.Buffered())

	// The two oldest were shed; the survivors drain in arrival order.
	ing.drainBuffer()
	require.Zero(t, ing.Buffered())

	events, err := st.ListEvents(store.EventFilter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "ev-2", events[0].ID)
	require.Equal(t, "ev-3", events[1].ID)
}
