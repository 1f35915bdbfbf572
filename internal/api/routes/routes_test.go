package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/argus-sec/argus/backend/internal/broadcast"
	"github.com/argus-sec/argus/backend/internal/config"
	"github.com/argus-sec/argus/backend/internal/correlate"
	"github.com/argus-sec/argus/backend/internal/ingest"
	"github.com/argus-sec/argus/backend/internal/metrics"
	"github.com/argus-sec/argus/backend/internal/models"
	"github.com/argus-sec/argus/backend/internal/normalize"
	"github.com/argus-sec/argus/backend/internal/scans"
	"github.com/argus-sec/argus/backend/internal/scoring"
	"github.com/argus-sec/argus/backend/internal/services"
	"github.com/argus-sec/argus/backend/internal/store"
)

type testAPI struct {
	router *gin.Engine
	store  *store.Store
	engine *correlate.Engine
	db     *gorm.DB
}

func setupAPI(t *testing.T, jwtSecret string) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	st, err := store.New(db)
	require.NoError(t, err)

	engine := correlate.New(st, correlate.Options{}, nil)
	orchestrator := scans.New(st, time.Minute, engine.SubmitFinding)
	hub := broadcast.NewHub(st, 64, time.Minute)

	norm, err := normalize.New("")
	require.NoError(t, err)
	ingestor := ingest.New(norm, st, engine, scoring.Options{WarmThreshold: 10, Trees: 10, Subsample: 16}, 2, ingest.Options{})
	t.Cleanup(ingestor.Close)

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	var auth *services.AuthService
	if jwtSecret != "" {
		auth = services.NewAuthService(db, jwtSecret)
	}

	router := gin.New()
	Register(router, Deps{
		Config:       config.Config{DeliveryTimeout: time.Second},
		Store:        st,
		Ingestor:     ingestor,
		Orchestrator: orchestrator,
		Engine:       engine,
		Hub:          hub,
		Auth:         auth,
		Registry:     registry,
	})

	return &testAPI{router: router, store: st, engine: engine, db: db}
}

func (a *testAPI) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	api := setupAPI(t, "")

	w := api.do(http.MethodGet, "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	api := setupAPI(t, "")

	w := api.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "argus_")
}

func TestIngestPushAcceptsAndRejects(t *testing.T) {
	api := setupAPI(t, "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/log",
		bytes.NewBufferString(`{"device":"fw-1","metric":"conn_rate","features":{"rate":12}}`))
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotEmpty(t, decode(t, w)["event_id"])

	req = httptest.NewRequest(http.MethodPost, "/api/v1/ingest/log", bytes.NewBufferString(`{"device":`))
	w = httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode(t, w)
	require.NotEmpty(t, body["reason"])
	require.NotEmpty(t, body["offending_fragment"])
}

func TestScanLifecycleOverHTTP(t *testing.T) {
	api := setupAPI(t, "")

	w := api.do(http.MethodPost, "/api/v1/scans", gin.H{
		"type": "vulnerability", "target": "10.0.0.5", "start": true,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id, _ := decode(t, w)["scan_id"].(string)
	require.NotEmpty(t, id)

	w = api.do(http.MethodPost, "/api/v1/scans/"+id+"/tick", gin.H{
		"progress_delta": 100,
		"findings": []gin.H{
			{"severity": "high", "description": "CVE-2025-1111"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(http.MethodGet, "/api/v1/scans/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, "completed", body["status"])
	require.Equal(t, float64(100), body["progress"])

	// Cancelling a finished scan is a no-op, not an error.
	w = api.do(http.MethodPost, "/api/v1/scans/"+id+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Restarting it is an illegal transition.
	w = api.do(http.MethodPost, "/api/v1/scans/"+id+"/start", nil, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = api.do(http.MethodGet, "/api/v1/scans/"+id+"/findings", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(http.MethodGet, "/api/v1/scans/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleValidation(t *testing.T) {
	api := setupAPI(t, "")

	w := api.do(http.MethodPost, "/api/v1/scans", gin.H{"type": "vulnerability"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(http.MethodPost, "/api/v1/scans", gin.H{"type": "quantum", "target": "x"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlertStatusTransitionsOverHTTP(t *testing.T) {
	api := setupAPI(t, "")

	// Three correlated high-severity findings raise one alert.
	for i := 0; i < 3; i++ {
		api.engine.SubmitFinding(models.Finding{
			ID:        fmt.Sprintf("f-%d", i),
			Target:    "10.0.0.5",
			Severity:  models.SeverityHigh,
			CreatedAt: time.Now().UTC(),
		})
	}

	w := api.do(http.MethodGet, "/api/v1/alerts", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	alerts, _ := decode(t, w)["alerts"].([]any)
	require.Len(t, alerts, 1)
	id, _ := alerts[0].(map[string]any)["id"].(string)
	require.NotEmpty(t, id)

	w = api.do(http.MethodPost, "/api/v1/alerts/"+id+"/status", gin.H{"status": "investigating"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(http.MethodPost, "/api/v1/alerts/"+id+"/status", gin.H{"status": "active"}, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = api.do(http.MethodPost, "/api/v1/alerts/missing/status", gin.H{"status": "resolved"}, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventQueryEndpoints(t *testing.T) {
	api := setupAPI(t, "")

	event := &models.Event{Source: models.SourceLog, StreamKey: "host/auth", Severity: models.SeverityLow}
	require.NoError(t, api.store.AppendEvent(event))

	w := api.do(http.MethodGet, "/api/v1/events?source=log", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	events, _ := decode(t, w)["events"].([]any)
	require.Len(t, events, 1)

	w = api.do(http.MethodGet, "/api/v1/events/"+event.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(http.MethodGet, "/api/v1/events/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthProtectsRoutesWhenConfigured(t *testing.T) {
	api := setupAPI(t, "test-secret")

	w := api.do(http.MethodGet, "/api/v1/events", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	auth := services.NewAuthService(api.db, "test-secret")
	_, err := auth.CreateClient("scanner-1", "s3cr3t-key", "ingest")
	require.NoError(t, err)

	w = api.do(http.MethodPost, "/api/v1/auth/token", gin.H{"name": "scanner-1", "key": "wrong"}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = api.do(http.MethodPost, "/api/v1/auth/token", gin.H{"name": "scanner-1", "key": "s3cr3t-key"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	token, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)

	w = api.do(http.MethodGet, "/api/v1/events", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	require.Equal(t, http.StatusOK, w.Code)
}
