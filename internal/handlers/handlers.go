// Package handlers содержит HTTP обработчики для API
package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"iot-monitor-service/internal/jobs"
	"iot-monitor-service/internal/metrics"
	"iot-monitor-service/internal/models"
)

const maxBodyBytes = 1 << 20

// Ingester принимает показания устройств
type Ingester interface {
	Ingest(ctx context.Context, r models.Reading) (models.QueueEntry, error)
}

// DeviceStore хранилище состояния устройств
type DeviceStore interface {
	DeviceViews(ctx context.Context) (map[string]models.DeviceView, error)
	Ping(ctx context.Context) error
}

// Cycles периодические циклы, запускаемые по расписанию
type Cycles interface {
	SyncCycle(ctx context.Context) (jobs.SyncResult, error)
	AlertCycle(ctx context.Context) (models.CheckReport, error)
}

// SettingsCache кэш настроек устройств
type SettingsCache interface {
	ClearCache()
}

// Secrets секреты для проверки запросов
type Secrets struct {
	APIToken   string
	CronSecret string
}

// Handler содержит зависимости для HTTP обработчиков
type Handler struct {
	ingester  Ingester
	store     DeviceStore
	cycles    Cycles
	settings  SettingsCache
	secrets   Secrets
	startTime time.Time
}

// NewHandler создает новый обработчик
func NewHandler(ingester Ingester, store DeviceStore, cycles Cycles, settings SettingsCache, secrets Secrets) *Handler {
	return &Handler{
		ingester:  ingester,
		store:     store,
		cycles:    cycles,
		settings:  settings,
		secrets:   secrets,
		startTime: time.Now(),
	}
}

type uploadRequest struct {
	models.Reading
	Token string `json:"token"`
}

// UploadHandler обрабатывает POST /api/upload - прием показаний
func (h *Handler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/upload"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	if r.Method != http.MethodPost {
		h.respondError(w, "Method not allowed", http.StatusMethodNotAllowed)
		h.count(endpoint, r, http.StatusMethodNotAllowed)
		return
	}

	var req uploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		h.count(endpoint, r, http.StatusBadRequest)
		return
	}

	// Авторизация до любой записи в хранилище
	if err := h.checkAPIToken(r, req.Token); err != nil {
		h.fail(w, endpoint, r, err)
		return
	}

	if _, err := h.ingester.Ingest(r.Context(), req.Reading); err != nil {
		h.fail(w, endpoint, r, err)
		return
	}

	h.count(endpoint, r, http.StatusOK)
	h.respondJSON(w, map[string]string{"status": "Data uploaded"}, http.StatusOK)
}

type logRequest struct {
	DeviceID  string           `json:"deviceId"`
	Msg       string           `json:"msg"`
	Timestamp models.Timestamp `json:"timestamp"`
	Token     string           `json:"token"`
}

// LogHandler обрабатывает POST /api/log - журнал устройства
func (h *Handler) LogHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/log"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	if r.Method != http.MethodPost {
		h.respondError(w, "Method not allowed", http.StatusMethodNotAllowed)
		h.count(endpoint, r, http.StatusMethodNotAllowed)
		return
	}

	var req logRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		h.count(endpoint, r, http.StatusBadRequest)
		return
	}

	if err := h.checkAPIToken(r, req.Token); err != nil {
		h.fail(w, endpoint, r, err)
		return
	}

	if req.DeviceID == "" || req.Timestamp <= 0 {
		h.fail(w, endpoint, r, &models.ValidationError{Field: "deviceId, timestamp", Reason: "required"})
		return
	}

	entry := models.DeviceLog{
		DeviceID:  req.DeviceID,
		Msg:       req.Msg,
		Timestamp: req.Timestamp,
		CreatedAt: time.Now().UnixMilli(),
		IP:        clientIP(r),
	}
	data, _ := json.Marshal(entry)
	log.Printf("Device log: %s", data)

	h.count(endpoint, r, http.StatusOK)
	h.respondJSON(w, map[string]bool{"success": true}, http.StatusOK)
}

// SyncHandler обрабатывает /api/syncToSheets - агрегация и выгрузка очереди
func (h *Handler) SyncHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/syncToSheets"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	if !h.cronRequest(w, endpoint, r) {
		return
	}

	result, err := h.cycles.SyncCycle(r.Context())
	if err != nil {
		log.Printf("Sync cycle failed: %v", err)
		h.count(endpoint, r, http.StatusInternalServerError)
		h.respondJSON(w, map[string]interface{}{
			"error":  "Sync failed",
			"result": result,
		}, http.StatusInternalServerError)
		return
	}

	h.count(endpoint, r, http.StatusOK)
	h.respondJSON(w, result, http.StatusOK)
}

// AlertsHandler обрабатывает /api/checkAlerts - проверка предупреждений
func (h *Handler) AlertsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/checkAlerts"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	if !h.cronRequest(w, endpoint, r) {
		return
	}

	report, err := h.cycles.AlertCycle(r.Context())
	if err != nil {
		h.fail(w, endpoint, r, err)
		return
	}

	h.count(endpoint, r, http.StatusOK)
	h.respondJSON(w, report, http.StatusOK)
}

// RefreshSettingsHandler обрабатывает POST /api/settings/refresh - сброс кэша настроек
func (h *Handler) RefreshSettingsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/settings/refresh"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	if r.Method != http.MethodPost {
		h.respondError(w, "Method not allowed", http.StatusMethodNotAllowed)
		h.count(endpoint, r, http.StatusMethodNotAllowed)
		return
	}
	if err := h.checkBearer(r); err != nil {
		h.fail(w, endpoint, r, err)
		return
	}

	h.settings.ClearCache()
	log.Println("Settings cache cleared")

	h.count(endpoint, r, http.StatusOK)
	h.respondJSON(w, map[string]bool{"success": true}, http.StatusOK)
}

// DevicesHandler обрабатывает GET /api/devices - состояние и статистика устройств
func (h *Handler) DevicesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/devices"
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues(endpoint, r.Method))
	defer timer.ObserveDuration()

	if r.Method != http.MethodGet {
		h.respondError(w, "Method not allowed", http.StatusMethodNotAllowed)
		h.count(endpoint, r, http.StatusMethodNotAllowed)
		return
	}

	views, err := h.store.DeviceViews(r.Context())
	if err != nil {
		log.Printf("Error fetching devices: %v", err)
		h.fail(w, endpoint, r, err)
		return
	}

	h.count(endpoint, r, http.StatusOK)
	h.respondJSON(w, map[string]interface{}{"devices": views}, http.StatusOK)
}

// HealthHandler обрабатывает GET /health - проверка здоровья
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disconnected"
	status := "degraded"
	if h.store != nil && h.store.Ping(r.Context()) == nil {
		redisStatus = "connected"
		status = "healthy"
	}

	h.respondJSON(w, models.HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Redis:     redisStatus,
		Uptime:    time.Since(h.startTime).String(),
	}, http.StatusOK)
}

// cronRequest проверяет метод и bearer токен планировщика
func (h *Handler) cronRequest(w http.ResponseWriter, endpoint string, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.respondError(w, "Method not allowed", http.StatusMethodNotAllowed)
		h.count(endpoint, r, http.StatusMethodNotAllowed)
		return false
	}
	if err := h.checkBearer(r); err != nil {
		h.fail(w, endpoint, r, err)
		return false
	}
	return true
}

func (h *Handler) checkAPIToken(r *http.Request, bodyToken string) error {
	token := r.Header.Get("X-API-Token")
	if token == "" {
		token = bodyToken
	}
	if !secretEqual(token, h.secrets.APIToken) {
		return &models.AuthError{Reason: "Invalid API token"}
	}
	return nil
}

func (h *Handler) checkBearer(r *http.Request) error {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || !secretEqual(token, h.secrets.CronSecret) {
		return &models.AuthError{Reason: "Unauthorized"}
	}
	return nil
}

// secretEqual сравнивает за постоянное время; пустой секрет не совпадает ни с чем
func secretEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// clientIP первый адрес из X-Forwarded-For или адрес соединения
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// fail отображает ошибку на HTTP статус. Подробности внутренних ошибок
// клиенту не возвращаются.
func (h *Handler) fail(w http.ResponseWriter, endpoint string, r *http.Request, err error) {
	var (
		verr *models.ValidationError
		aerr *models.AuthError
	)
	switch {
	case errors.As(err, &verr):
		h.respondError(w, verr.Error(), http.StatusBadRequest)
		h.count(endpoint, r, http.StatusBadRequest)
	case errors.As(err, &aerr):
		h.respondError(w, aerr.Error(), http.StatusUnauthorized)
		h.count(endpoint, r, http.StatusUnauthorized)
	default:
		log.Printf("Internal error on %s: %v", endpoint, err)
		h.respondError(w, "Internal server error", http.StatusInternalServerError)
		h.count(endpoint, r, http.StatusInternalServerError)
	}
}

func (h *Handler) count(endpoint string, r *http.Request, status int) {
	metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(status)).Inc()
}

// respondJSON отправляет JSON ответ
func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError отправляет ошибку в JSON формате
func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
