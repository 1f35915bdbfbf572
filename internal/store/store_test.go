package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/argus-sec/argus/backend/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	st, err := New(db)
	require.NoError(t, err)
	return st
}

func TestAppendEventAssignsGaplessSequence(t *testing.T) {
	st := setupTestStore(t)

	for i := 0; i < 5; i++ {
		event := &models.Event{
			Source:    models.SourceLog,
			StreamKey: "host-a/auth",
			Severity:  models.SeverityLow,
		}
		require.NoError(t, st.AppendEvent(event))
		require.Equal(t, int64(i+1), event.Sequence)
	}
	require.Equal(t, int64(5), st.LatestSequence())

	recs, err := st.ChangesSince(0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i, rec := range recs {
		require.Equal(t, int64(i+1), rec.Sequence)
		require.Equal(t, models.ChangeEvent, rec.Kind)
	}
}

func TestChangeListenersSeeEveryAppendInOrder(t *testing.T) {
	st := setupTestStore(t)

	var seen []int64
	st.OnChange(func(rec models.ChangeRecord) {
		seen = append(seen, rec.Sequence)
	})

	require.NoError(t, st.AppendEvent(&models.Event{Source: models.SourceLog, StreamKey: "k"}))
	scan := &models.Scan{Type: models.ScanVulnerability, Target: "10.0.0.5"}
	require.NoError(t, st.SaveScan(scan))
	require.NoError(t, st.AppendFinding(&models.Finding{ScanID: scan.ID, Target: scan.Target, Severity: models.SeverityHigh}))

	require.Equal(t, []int64{1, 2, 3}, seen)
}

func TestChangesSinceReturnsOnlyNewer(t *testing.T) {
	st := setupTestStore(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, st.AppendEvent(&models.Event{Source: models.SourceNetwork, StreamKey: "n"}))
	}

	recs, err := st.ChangesSince(2, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, int64(3), recs[0].Sequence)
	require.Equal(t, int64(4), recs[1].Sequence)
}

func TestListEventsFiltersAndPaginates(t *testing.T) {
	st := setupTestStore(t)

	score := 0.9
	require.NoError(t, st.AppendEvent(&models.Event{Source: models.SourceLog, StreamKey: "a", Severity: models.SeverityHigh, AnomalyScore: &score}))
	require.NoError(t, st.AppendEvent(&models.Event{Source: models.SourceNetwork, StreamKey: "b", Severity: models.SeverityLow}))
	require.NoError(t, st.AppendEvent(&models.Event{Source: models.SourceLog, StreamKey: "a", Severity: models.SeverityLow}))

	events, err := st.ListEvents(EventFilter{Source: models.SourceLog}, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	events, err = st.ListEvents(EventFilter{MinScore: 0.5}, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "a", events[0].StreamKey)

	// Cursor pagination walks forward without overlap.
	first, err := st.ListEvents(EventFilter{}, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	rest, err := st.ListEvents(EventFilter{}, first[1].Sequence, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Greater(t, rest[0].Sequence, first[1].Sequence)
}

func TestFindOpenAlertByKeyIgnoresResolved(t *testing.T) {
	st := setupTestStore(t)

	alert := &models.Alert{Name: "burst", RuleID: "r1", CorrelationKey: "10.0.0.5", Severity: models.SeverityHigh}
	require.NoError(t, st.SaveAlert(alert))

	found, err := st.FindOpenAlertByKey("r1", "10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, alert.ID, found.ID)

	alert.Status = models.AlertResolved
	require.NoError(t, st.SaveAlert(alert))

	_, err = st.FindOpenAlertByKey("r1", "10.0.0.5")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeBeforeDropsOldEventsAndChanges(t *testing.T) {
	st := setupTestStore(t)

	require.NoError(t, st.AppendEvent(&models.Event{Source: models.SourceLog, StreamKey: "old"}))
	require.NoError(t, st.AppendEvent(&models.Event{Source: models.SourceLog, StreamKey: "old"}))

	purged, err := st.PurgeBefore(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), purged)

	oldest, err := st.OldestRetainedSequence()
	require.NoError(t, err)
	require.Zero(t, oldest)

	// The sequence counter never rewinds after a purge.
	event := &models.Event{Source: models.SourceLog, StreamKey: "new"}
	require.NoError(t, st.AppendEvent(event))
	require.Equal(t, int64(3), event.Sequence)
}

func TestGetScanPreloadsFindings(t *testing.T) {
	st := setupTestStore(t)

	scan := &models.Scan{Type: models.ScanNetwork, Target: "10.0.0.9"}
	require.NoError(t, st.SaveScan(scan))
	require.NoError(t, st.AppendFinding(&models.Finding{ScanID: scan.ID, Target: scan.Target, Severity: models.SeverityMedium, Description: "open telnet"}))

	got, err := st.GetScan(scan.ID)
	require.NoError(t, err)
	require.Len(t, got.Findings, 1)
	require.Equal(t, "open telnet", got.Findings[0].Description)

	_, err = st.GetScan("missing")
	require.ErrorIs(t, err, ErrNotFound)
}
