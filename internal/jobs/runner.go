// Package jobs запускает периодические циклы: агрегация и выгрузка очереди,
// проверка предупреждений
package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"iot-monitor-service/internal/metrics"
	"iot-monitor-service/internal/models"
)

// QueueReader читает снимок очереди
type QueueReader interface {
	Queue(ctx context.Context) (map[string][]models.QueueEntry, error)
}

// Aggregator пересчитывает статистику устройств
type Aggregator interface {
	Run(ctx context.Context, queue map[string][]models.QueueEntry, now time.Time) (models.AggregateReport, error)
}

// Flusher выгружает снимок очереди
type Flusher interface {
	FlushQueue(ctx context.Context, queue map[string][]models.QueueEntry) (models.SyncReport, error)
}

// AlertChecker проверяет устройства
type AlertChecker interface {
	Run(ctx context.Context, now time.Time) (models.CheckReport, error)
}

// SyncResult итог цикла синхронизации
type SyncResult struct {
	models.SyncReport
	Stats models.AggregateReport `json:"stats"`
}

// Runner выполняет циклы. Циклы одного вида не пересекаются:
// параллельная выгрузка одного снимка дала бы дубли строк.
type Runner struct {
	queue      QueueReader
	aggregator Aggregator
	flusher    Flusher
	checker    AlertChecker
	now        func() time.Time

	syncMu  sync.Mutex
	alertMu sync.Mutex
}

// NewRunner создает Runner
func NewRunner(queue QueueReader, aggregator Aggregator, flusher Flusher, checker AlertChecker) *Runner {
	return &Runner{
		queue:      queue,
		aggregator: aggregator,
		flusher:    flusher,
		checker:    checker,
		now:        time.Now,
	}
}

// SyncCycle читает очередь один раз, пересчитывает статистику по этому
// снимку и выгружает его. Ошибка агрегации не останавливает выгрузку.
func (r *Runner) SyncCycle(ctx context.Context) (SyncResult, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	timer := prometheus.NewTimer(metrics.CycleDuration.WithLabelValues("sync"))
	defer timer.ObserveDuration()

	var result SyncResult
	queue, err := r.queue.Queue(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read queue: %w", err)
	}

	stats, err := r.aggregator.Run(ctx, queue, r.now())
	if err != nil {
		log.Printf("Aggregation failed: %v", err)
		stats.Errors = append(stats.Errors, err.Error())
	}
	result.Stats = stats

	report, err := r.flusher.FlushQueue(ctx, queue)
	result.SyncReport = report
	if err != nil {
		return result, err
	}

	log.Printf("Sync cycle completed: %d devices, %d records synced, %d devices dropped, %d errors",
		report.DevicesProcessed, report.RecordsSynced, report.DevicesDropped, len(report.Errors))
	return result, nil
}

// AlertCycle проверяет все устройства
func (r *Runner) AlertCycle(ctx context.Context) (models.CheckReport, error) {
	r.alertMu.Lock()
	defer r.alertMu.Unlock()

	timer := prometheus.NewTimer(metrics.CycleDuration.WithLabelValues("alerts"))
	defer timer.ObserveDuration()

	return r.checker.Run(ctx, r.now())
}

// Start запускает встроенный планировщик. Нулевой интервал отключает цикл;
// тогда циклы запускаются внешним cron через HTTP. Возвращается после
// отмены ctx и завершения текущих циклов.
func (r *Runner) Start(ctx context.Context, syncInterval, alertInterval time.Duration) {
	var wg sync.WaitGroup

	if syncInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, syncInterval, func(ctx context.Context) error {
				_, err := r.SyncCycle(ctx)
				return err
			}, "sync")
		}()
		log.Printf("Sync cycle scheduled every %s", syncInterval)
	}

	if alertInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, alertInterval, func(ctx context.Context) error {
				_, err := r.AlertCycle(ctx)
				return err
			}, "alerts")
		}()
		log.Printf("Alert check scheduled every %s", alertInterval)
	}

	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, interval time.Duration, cycle func(context.Context) error, name string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cycle(ctx); err != nil {
				log.Printf("Scheduled %s cycle failed: %v", name, err)
			}
		}
	}
}
