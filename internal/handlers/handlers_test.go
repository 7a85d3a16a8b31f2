package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-monitor-service/internal/ingest"
	"iot-monitor-service/internal/jobs"
	"iot-monitor-service/internal/models"
)

const (
	apiToken   = "device-secret"
	cronSecret = "cron-secret"
)

type fakeIngester struct {
	readings []models.Reading
	err      error
}

func (f *fakeIngester) Ingest(_ context.Context, r models.Reading) (models.QueueEntry, error) {
	if err := ingest.Validate(r); err != nil {
		return models.QueueEntry{}, err
	}
	if f.err != nil {
		return models.QueueEntry{}, f.err
	}
	f.readings = append(f.readings, r)
	return models.QueueEntry{DeviceID: r.DeviceID}, nil
}

type fakeStore struct {
	views   map[string]models.DeviceView
	pingErr error
}

func (f *fakeStore) DeviceViews(context.Context) (map[string]models.DeviceView, error) {
	return f.views, nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeCycles struct {
	syncCalls  int
	alertCalls int
	syncErr    error
}

func (f *fakeCycles) SyncCycle(context.Context) (jobs.SyncResult, error) {
	f.syncCalls++
	return jobs.SyncResult{SyncReport: models.SyncReport{DevicesProcessed: 1, RecordsSynced: 3}}, f.syncErr
}

func (f *fakeCycles) AlertCycle(context.Context) (models.CheckReport, error) {
	f.alertCalls++
	return models.CheckReport{AlertsSent: 2}, nil
}

type fakeSettings struct{ cleared int }

func (f *fakeSettings) ClearCache() { f.cleared++ }

type fixture struct {
	h        *Handler
	ingester *fakeIngester
	store    *fakeStore
	cycles   *fakeCycles
	settings *fakeSettings
}

func newFixture() *fixture {
	f := &fixture{
		ingester: &fakeIngester{},
		store:    &fakeStore{views: map[string]models.DeviceView{}},
		cycles:   &fakeCycles{},
		settings: &fakeSettings{},
	}
	f.h = NewHandler(f.ingester, f.store, f.cycles, f.settings, Secrets{APIToken: apiToken, CronSecret: cronSecret})
	return f
}

func TestUploadHandler(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		header     string
		wantStatus int
		wantWrites int
	}{
		{"valid token in body", http.MethodPost, `{"deviceId":"D1","temperature":25.3,"light":300,"timestamp":1735689600000,"token":"device-secret"}`, "", http.StatusOK, 1},
		{"valid token in header", http.MethodPost, `{"deviceId":"D1","temperature":"25.3","timestamp":"2025-01-01T00:00:00Z"}`, apiToken, http.StatusOK, 1},
		{"wrong token", http.MethodPost, `{"deviceId":"D1","timestamp":1,"token":"nope"}`, "", http.StatusUnauthorized, 0},
		{"wrong token with invalid reading", http.MethodPost, `{"timestamp":1,"token":"nope"}`, "", http.StatusUnauthorized, 0},
		{"missing device", http.MethodPost, `{"timestamp":1,"token":"device-secret"}`, "", http.StatusBadRequest, 0},
		{"missing timestamp", http.MethodPost, `{"deviceId":"D1","token":"device-secret"}`, "", http.StatusBadRequest, 0},
		{"bad device id", http.MethodPost, `{"deviceId":"a/b","timestamp":1,"token":"device-secret"}`, "", http.StatusBadRequest, 0},
		{"malformed json", http.MethodPost, `{"deviceId":`, "", http.StatusBadRequest, 0},
		{"wrong verb", http.MethodGet, ``, "", http.StatusMethodNotAllowed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := httptest.NewRequest(tt.method, "/api/upload", strings.NewReader(tt.body))
			if tt.header != "" {
				req.Header.Set("X-API-Token", tt.header)
			}
			rec := httptest.NewRecorder()

			f.h.UploadHandler(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Len(t, f.ingester.readings, tt.wantWrites)
		})
	}
}

func TestUploadHandler_StoreFailure(t *testing.T) {
	f := newFixture()
	f.ingester.err = errors.New("redis: connection refused")

	req := httptest.NewRequest(http.MethodPost, "/api/upload",
		strings.NewReader(`{"deviceId":"D1","timestamp":1,"token":"device-secret"}`))
	rec := httptest.NewRecorder()
	f.h.UploadHandler(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "redis")
}

func TestCronEndpointsRequireBearer(t *testing.T) {
	f := newFixture()

	for _, auth := range []string{"", "Bearer wrong", cronSecret, "bearer " + cronSecret} {
		req := httptest.NewRequest(http.MethodGet, "/api/syncToSheets", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		f.h.SyncHandler(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "auth %q", auth)
	}
	assert.Zero(t, f.cycles.syncCalls)

	req := httptest.NewRequest(http.MethodPost, "/api/checkAlerts", nil)
	rec := httptest.NewRecorder()
	f.h.AlertsHandler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.cycles.alertCalls)
}

func TestSyncHandler(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodPost, "/api/syncToSheets", nil)
	req.Header.Set("Authorization", "Bearer "+cronSecret)
	rec := httptest.NewRecorder()

	f.h.SyncHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["recordsSynced"])
	assert.Contains(t, body, "stats")
	assert.Equal(t, 1, f.cycles.syncCalls)
}

func TestSyncHandler_Failure(t *testing.T) {
	f := newFixture()
	f.cycles.syncErr = errors.New("all devices failed")
	req := httptest.NewRequest(http.MethodGet, "/api/syncToSheets", nil)
	req.Header.Set("Authorization", "Bearer "+cronSecret)
	rec := httptest.NewRecorder()

	f.h.SyncHandler(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAlertsHandler(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodGet, "/api/checkAlerts", nil)
	req.Header.Set("Authorization", "Bearer "+cronSecret)
	rec := httptest.NewRecorder()

	f.h.AlertsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var report models.CheckReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.AlertsSent)

	req = httptest.NewRequest(http.MethodDelete, "/api/checkAlerts", nil)
	rec = httptest.NewRecorder()
	f.h.AlertsHandler(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDevicesHandler(t *testing.T) {
	f := newFixture()
	avg := 21.5
	f.store.views = map[string]models.DeviceView{
		"D1": {
			LastData: &models.DeviceLastState{Temperature: models.Float(22), Timestamp: 100},
			Stats:    models.DeviceStats{AvgTemp: &avg, DataCount: 4},
		},
		"D2": {},
	}

	rec := httptest.NewRecorder()
	f.h.DevicesHandler(rec, httptest.NewRequest(http.MethodGet, "/api/devices", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Devices map[string]struct {
			LastData map[string]interface{} `json:"lastData"`
			Stats    map[string]interface{} `json:"stats"`
		} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Devices, 2)
	assert.Equal(t, 21.5, body.Devices["D1"].Stats["avgTemp"])
	assert.Equal(t, float64(22), body.Devices["D1"].LastData["temperature"])

	d2 := body.Devices["D2"].Stats
	assert.Contains(t, d2, "avgTemp")
	assert.Nil(t, d2["avgTemp"])
	assert.Equal(t, float64(0), d2["dataCount"])
}

func TestLogHandler(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodPost, "/api/log",
		strings.NewReader(`{"deviceId":"D1","timestamp":1735689600000,"msg":"boot"}`))
	req.Header.Set("X-API-Token", apiToken)
	req.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.1")
	rec := httptest.NewRecorder()

	f.h.LogHandler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/log", strings.NewReader(`{"msg":"x","token":"device-secret"}`))
	rec = httptest.NewRecorder()
	f.h.LogHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/log", strings.NewReader(`{"deviceId":"D1","timestamp":1}`))
	rec = httptest.NewRecorder()
	f.h.LogHandler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/log", nil)
	req.RemoteAddr = "192.168.1.5:51234"
	assert.Equal(t, "192.168.1.5", clientIP(req))

	req.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.1")
	assert.Equal(t, "10.0.0.7", clientIP(req))
}

func TestRefreshSettingsHandler(t *testing.T) {
	f := newFixture()

	rec := httptest.NewRecorder()
	f.h.RefreshSettingsHandler(rec, httptest.NewRequest(http.MethodPost, "/api/settings/refresh", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.settings.cleared)

	req := httptest.NewRequest(http.MethodPost, "/api/settings/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+cronSecret)
	rec = httptest.NewRecorder()
	f.h.RefreshSettingsHandler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.settings.cleared)
}

func TestHealthHandler(t *testing.T) {
	f := newFixture()
	rec := httptest.NewRecorder()
	f.h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var status models.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "connected", status.Redis)

	f.store.pingErr = errors.New("down")
	rec = httptest.NewRecorder()
	f.h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "disconnected", status.Redis)
}

func TestSecretEqual(t *testing.T) {
	assert.True(t, secretEqual("abc", "abc"))
	assert.False(t, secretEqual("abc", "abd"))
	assert.False(t, secretEqual("", ""), "unset secret must reject everything")
}
