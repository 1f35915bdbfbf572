package broadcast

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/argus-sec/argus/backend/internal/models"
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

func appendEvents(t *testing.T, st *store.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.AppendEvent(&models.Event{
			Source:    models.SourceLog,
			StreamKey: "host/auth",
			Severity:  models.SeverityLow,
		}))
	}
}

func drain(sub *Subscription) []int64 {
	var seqs []int64
	for {
		select {
		case rec := <-sub.C:
			seqs = append(seqs, rec.Sequence)
			sub.Ack(rec.Sequence)
		default:
			return seqs
		}
	}
}

func TestDeliveryIsOrderedAndGapFree(t *testing.T) {
	st := setupTestStore(t)
	h := NewHub(st, 64, time.Minute)

	sub, status, err := h.Subscribe(Filters{}, 0)
	require.NoError(t, err)
	require.Equal(t, ReplayLive, status)

	appendEvents(t, st, 20)

	seqs := drain(sub)
	require.Len(t, seqs, 20)
	for i, seq := range seqs {
		require.Equal(t, int64(i+1), seq)
	}
}

func TestFiltersNarrowDeliveryWithoutBreakingOrder(t *testing.T) {
	st := setupTestStore(t)
	h := NewHub(st, 64, time.Minute)

	sub, _, err := h.Subscribe(Filters{Kinds: []models.ChangeKind{models.ChangeAlert}}, 0)
	require.NoError(t, err)

	appendEvents(t, st, 3)
	require.NoError(t, st.SaveAlert(&models.Alert{Name: "burst", RuleID: "r1", CorrelationKey: "k", Severity: models.SeverityHigh}))
	appendEvents(t, st, 2)

	seqs := drain(sub)
	require.Len(t, seqs, 1)
	require.Equal(t, int64(4), seqs[0])
}

func TestMarkDegradedStopsIncrementalDelivery(t *testing.T) {
	st := setupTestStore(t)
	h := NewHub(st, 64, time.Minute)

	sub, _, err := h.Subscribe(Filters{}, 0)
	require.NoError(t, err)

	appendEvents(t, st, 2)
	require.Len(t, drain(sub), 2)

	// A delivery that times out on the wire degrades the subscription;
	// from then on the hub withholds changes until the client resyncs.
	sub.MarkDegraded()
	require.True(t, sub.Degraded())

	appendEvents(t, st, 3)
	require.Empty(t, drain(sub))
	require.Equal(t, int64(2), sub.LastDelivered())
}

func TestSlowSubscriberDegradesInsteadOfSilentLoss(t *testing.T) {
	st := setupTestStore(t)
	h := NewHub(st, 10, time.Minute)

	sub, _, err := h.Subscribe(Filters{}, 0)
	require.NoError(t, err)

	// Eleven changes against a backlog of ten: the eleventh cannot be
	// enqueued, so the subscription is degraded rather than skipped over.
	appendEvents(t, st, 11)

	require.True(t, sub.Degraded())
	seqs := drain(sub)
	require.Len(t, seqs, 10)
	require.Equal(t, int64(10), seqs[9])

	// Nothing further is delivered on the degraded subscription.
	appendEvents(t, st, 1)
	require.Empty(t, drain(sub))

	// Resync from the last acknowledged sequence picks up exactly the
	// missed changes.
	h.Unsubscribe(sub)
	resynced, status, err := h.Subscribe(sub.Filters, sub.LastDelivered())
	require.NoError(t, err)
	require.Equal(t, ReplayBacklog, status)
	require.Equal(t, []int64{11, 12}, drain(resynced))
}

func TestReconnectReplaysOnlyMissedChanges(t *testing.T) {
	st := setupTestStore(t)
	h := NewHub(st, 64, time.Minute)

	sub, _, err := h.Subscribe(Filters{}, 0)
	require.NoError(t, err)
	appendEvents(t, st, 5)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, drain(sub))

	h.Unsubscribe(sub)
	appendEvents(t, st, 3)

	again, status, err := h.Subscribe(Filters{}, 5)
	require.NoError(t, err)
	require.Equal(t, ReplayBacklog, status)

	appendEvents(t, st, 2)

	// Replay plus live delivery, no duplicates and no gaps.
	require.Equal(t, []int64{6, 7, 8, 9, 10}, drain(again))
}

func TestResumeWithinGraceKeepsFiltersAndPosition(t *testing.T) {
	st := setupTestStore(t)
	h := NewHub(st, 64, time.Minute)

	sub, _, err := h.Subscribe(Filters{Sources: []models.SourceKind{models.SourceLog}}, 0)
	require.NoError(t, err)
	appendEvents(t, st, 4)
	drain(sub)
	h.Unsubscribe(sub)

	appendEvents(t, st, 2)

	resumed, status, err := h.Resume(sub.ID)
	require.NoError(t, err)
	require.Equal(t, ReplayBacklog, status)
	require.Equal(t, sub.Filters, resumed.Filters)
	require.Equal(t, []int64{5, 6}, drain(resumed))

	// A resume point is single-use.
	_, _, err = h.Resume(sub.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepParkedDropsExpiredResumePoints(t *testing.T) {
	st := setupTestStore(t)
	h := NewHub(st, 64, time.Millisecond)

	sub, _, err := h.Subscribe(Filters{}, 0)
	require.NoError(t, err)
	h.Unsubscribe(sub)

	time.Sleep(5 * time.Millisecond)
	h.SweepParked()

	_, _, err = h.Resume(sub.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGapBeyondBacklogDemandsSnapshot(t *testing.T) {
	st := setupTestStore(t)
	h := NewHub(st, 10, time.Minute)

	appendEvents(t, st, 30)

	sub, status, err := h.Subscribe(Filters{}, 5)
	require.NoError(t, err)
	require.Equal(t, ReplaySnapshot, status)
	require.Empty(t, drain(sub))

	// After the snapshot the subscription continues from the feed head.
	appendEvents(t, st, 1)
	require.Equal(t, []int64{31}, drain(sub))
}

func TestGapBeyondRetentionDemandsSnapshot(t *testing.T) {
	st := setupTestStore(t)
	h := NewHub(st, 64, time.Minute)

	appendEvents(t, st, 5)
	_, err := st.PurgeBefore(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	appendEvents(t, st, 3)

	// Sequences 1-5 aged out; a client resuming from 2 cannot be replayed.
	sub, status, err := h.Subscribe(Filters{}, 2)
	require.NoError(t, err)
	require.Equal(t, ReplaySnapshot, status)

	appendEvents(t, st, 1)
	require.Equal(t, []int64{9}, drain(sub))
}

func TestUnsubscribeClosesChannelAndDropsSubscription(t *testing.T) {
	st := setupTestStore(t)
	h := NewHub(st, 64, time.Minute)

	sub, _, err := h.Subscribe(Filters{}, 0)
	require.NoError(t, err)
	require.Equal(t, 1, h.Active())

	h.Unsubscribe(sub)
	require.Zero(t, h.Active())

	_, open := <-sub.C
	require.False(t, open)

	// A second unsubscribe is a no-op.
	h.Unsubscribe(sub)
}
