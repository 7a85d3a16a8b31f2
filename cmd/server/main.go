// Package main запускает сервис мониторинга IoT устройств
// Сервис реализует:
// - HTTP API для приема показаний датчиков (температура, освещенность)
// - Очередь показаний и последнее состояние устройств в Redis
// - Статистику по скользящему окну 10 минут
// - Выгрузку очереди в Google Sheets по вкладкам дней
// - Предупреждения в Discord по порогам из таблицы настроек
// - Экспорт метрик в Prometheus
package main

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iot-monitor-service/internal/alerting"
	"iot-monitor-service/internal/analytics"
	"iot-monitor-service/internal/config"
	"iot-monitor-service/internal/format"
	"iot-monitor-service/internal/handlers"
	"iot-monitor-service/internal/ingest"
	"iot-monitor-service/internal/jobs"
	"iot-monitor-service/internal/metrics"
	"iot-monitor-service/internal/settings"
	"iot-monitor-service/internal/sheets"
	"iot-monitor-service/internal/store"
	"iot-monitor-service/internal/syncer"
)

func main() {
	log.Println("Starting IoT Monitor Service...")
	log.Printf("Go version: %s", runtime.Version())
	log.Printf("NumCPU: %d", runtime.NumCPU())

	// Загружаем конфигурацию
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	formatter, err := format.NewFormatter(cfg.Timezone)
	if err != nil {
		log.Fatalf("Failed to load timezone: %v", err)
	}

	// Подключаемся к Redis с повторами
	var redisStore *store.RedisStore
	for i := 0; i < 5; i++ {
		redisStore, err = store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err == nil {
			log.Printf("Connected to Redis at %s", cfg.Redis.Addr)
			break
		}
		log.Printf("Redis connection attempt %d failed: %v", i+1, err)
		if i < 4 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sheetsClient, err := sheets.NewClient(ctx, cfg.Sheets.CredentialsJSON, cfg.Sheets.CredentialsFile)
	if err != nil {
		log.Fatalf("Failed to init Google Sheets client: %v", err)
	}

	provider := settings.NewProvider(sheetsClient, cfg.Sheets.SettingSheetID,
		settings.WithTTL(cfg.Sheets.SettingsTTL),
		settings.WithRange(cfg.Sheets.SettingRange),
	)

	// Прогреваем кэш настроек; ошибка не фатальна, таблица перечитается при первом запросе
	if list, err := provider.All(ctx); err != nil {
		log.Printf("Warning: failed to preload device settings: %v", err)
	} else {
		log.Printf("Loaded settings for %d devices", len(list))
	}

	writer := ingest.NewWriter(redisStore, formatter)
	aggregator := analytics.NewAggregator(redisStore)
	engine := syncer.NewEngine(redisStore, provider, sheetsClient)
	checker := alerting.NewChecker(redisStore, provider, alerting.NewDiscordNotifier(nil, formatter))
	runner := jobs.NewRunner(redisStore, aggregator, engine, checker)

	// Создаем обработчики
	handler := handlers.NewHandler(writer, redisStore, runner, provider, handlers.Secrets{
		APIToken:   cfg.Auth.APIToken,
		CronSecret: cfg.Auth.CronSecret,
	})

	// Настраиваем маршруты; проверка метода внутри обработчиков,
	// чтобы 405 возвращался в JSON
	router := mux.NewRouter()

	router.HandleFunc("/api/upload", handler.UploadHandler)
	router.HandleFunc("/api/log", handler.LogHandler)
	router.HandleFunc("/api/syncToSheets", handler.SyncHandler)
	router.HandleFunc("/api/checkAlerts", handler.AlertsHandler)
	router.HandleFunc("/api/devices", handler.DevicesHandler)
	router.HandleFunc("/api/settings/refresh", handler.RefreshSettingsHandler)
	router.HandleFunc("/health", handler.HealthHandler).Methods("GET")

	// Prometheus метрики
	router.Handle("/prometheus", promhttp.Handler())

	// pprof для профилирования
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	router.Use(loggingMiddleware)
	router.Use(metricsMiddleware)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go updateMetricsLoop(ctx)

	// Встроенный планировщик; при нулевых интервалах циклы запускает внешний cron
	var jobsWG sync.WaitGroup
	jobsWG.Add(1)
	go func() {
		defer jobsWG.Done()
		runner.Start(ctx, cfg.Jobs.SyncInterval, cfg.Jobs.AlertInterval)
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server listening on %s", cfg.Server.Addr)
		log.Printf("Endpoints:")
		log.Printf("  POST     /api/upload           - Submit sensor reading")
		log.Printf("  POST     /api/log              - Submit device log line")
		log.Printf("  GET/POST /api/syncToSheets     - Aggregate and flush queue (cron)")
		log.Printf("  GET/POST /api/checkAlerts      - Evaluate alerts (cron)")
		log.Printf("  GET      /api/devices          - Device state and statistics")
		log.Printf("  POST     /api/settings/refresh - Drop settings cache")
		log.Printf("  GET      /health               - Health check")
		log.Printf("  GET      /prometheus           - Prometheus metrics")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Завершаем HTTP сервер, затем фоновые циклы
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	cancel()
	jobsWG.Wait()

	if err := redisStore.Close(); err != nil {
		log.Printf("Redis close error: %v", err)
	}

	log.Println("Server stopped")
}

// loggingMiddleware логирует HTTP запросы
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// metricsMiddleware учитывает запросы в обработке
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.InFlightRequests.Inc()
		defer metrics.InFlightRequests.Dec()
		next.ServeHTTP(w, r)
	})
}

// updateMetricsLoop периодически обновляет метрики Prometheus
func updateMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
