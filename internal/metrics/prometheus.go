// Package metrics реализует экспорт метрик в Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики
var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration длительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iot_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	// ReadingsIngested количество принятых показаний
	ReadingsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_readings_ingested_total",
			Help: "Total number of sensor readings written to the queue",
		},
	)

	// RecordsSynced количество строк, выгруженных в таблицы
	RecordsSynced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_records_synced_total",
			Help: "Total number of queue entries appended to spreadsheets",
		},
	)

	// RecordsDropped записи устройств без настроенной таблицы
	RecordsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_records_dropped_total",
			Help: "Total number of queue entries discarded for unconfigured devices",
		},
	)

	// QueueDeadLetters нераспознанные записи, убранные из очереди
	QueueDeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_queue_dead_letters_total",
			Help: "Total number of undecodable queue entries moved out of the queue",
		},
	)

	// SyncFailures ошибки выгрузки по устройствам
	SyncFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_sync_failures_total",
			Help: "Total number of failed device partition flushes",
		},
		[]string{"device"},
	)

	// StatsUpdated количество пересчетов статистики устройств
	StatsUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_stats_updated_total",
			Help: "Total number of device statistics recomputed",
		},
	)

	// AlertsTriggered сработавшие правила по типу
	AlertsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_alerts_triggered_total",
			Help: "Total number of triggered alert rules",
		},
		[]string{"kind"},
	)

	// NotificationsSent отправленные уведомления
	NotificationsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_notifications_sent_total",
			Help: "Total number of alert notifications delivered",
		},
	)

	// NotificationFailures ошибки отправки уведомлений
	NotificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_notification_failures_total",
			Help: "Total number of rejected alert notifications",
		},
	)

	// SettingsReloads перезагрузки таблицы настроек
	SettingsReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_settings_reloads_total",
			Help: "Total number of full settings table reloads",
		},
	)

	// SettingsCacheHits попадания в кэш настроек
	SettingsCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_settings_cache_hits_total",
			Help: "Total number of settings cache hits",
		},
	)

	// SettingsCacheMisses промахи кэша настроек
	SettingsCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_settings_cache_misses_total",
			Help: "Total number of settings cache misses",
		},
	)

	// QueueDepth размер очереди перед последней выгрузкой
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iot_queue_depth",
			Help: "Number of pending queue entries seen by the last sync cycle",
		},
	)

	// CycleDuration длительность периодических циклов
	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iot_cycle_duration_seconds",
			Help:    "Duration of periodic sync and alert cycles",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"cycle"},
	)

	// InFlightRequests запросы в обработке
	InFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iot_in_flight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// ActiveGoroutines количество активных горутин
	ActiveGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iot_active_goroutines",
			Help: "Number of active goroutines",
		},
	)
)

// ObserveSync обновляет метрики по итогам выгрузки
func ObserveSync(queued, synced, dropped int) {
	QueueDepth.Set(float64(queued))
	RecordsSynced.Add(float64(synced))
	RecordsDropped.Add(float64(dropped))
}
