// Package analytics вычисляет статистику показаний устройств
// за скользящее окно, отсчитываемое от текущего момента
package analytics

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"iot-monitor-service/internal/metrics"
	"iot-monitor-service/internal/models"
)

const (
	// WindowDuration длительность окна агрегации
	WindowDuration = 10 * time.Minute
	// rangeQueryConcurrency число одновременных запросов к очереди
	rangeQueryConcurrency = 8
)

// Series накапливает количество, сумму, минимум и максимум ряда значений
type Series struct {
	count int
	sum   float64
	min   float64
	max   float64
}

// Add добавляет значение в ряд
func (s *Series) Add(value float64) {
	if s.count == 0 || value < s.min {
		s.min = value
	}
	if s.count == 0 || value > s.max {
		s.max = value
	}
	s.count++
	s.sum += value
}

// Count возвращает количество значений
func (s *Series) Count() int {
	return s.count
}

// Mean возвращает среднее или nil для пустого ряда
func (s *Series) Mean() *float64 {
	if s.count == 0 {
		return nil
	}
	v := s.sum / float64(s.count)
	return &v
}

// Min возвращает минимум или nil для пустого ряда
func (s *Series) Min() *float64 {
	if s.count == 0 {
		return nil
	}
	v := s.min
	return &v
}

// Max возвращает максимум или nil для пустого ряда
func (s *Series) Max() *float64 {
	if s.count == 0 {
		return nil
	}
	v := s.max
	return &v
}

// ComputeStats считает статистику по записям с timestamp >= windowStart.
// DataCount равен числу всех записей окна, включая записи без числовых значений.
func ComputeStats(entries []models.QueueEntry, windowStart int64, now time.Time) models.DeviceStats {
	var temp, light Series
	count := 0

	for _, e := range entries {
		if int64(e.Timestamp) < windowStart {
			continue
		}
		count++
		if v, ok := e.Temperature.Get(); ok {
			temp.Add(v)
		}
		if v, ok := e.Light.Get(); ok {
			light.Add(v)
		}
	}

	return models.DeviceStats{
		AvgTemp:     temp.Mean(),
		MaxTemp:     temp.Max(),
		MinTemp:     temp.Min(),
		AvgLight:    light.Mean(),
		MaxLight:    light.Max(),
		MinLight:    light.Min(),
		DataCount:   count,
		LastUpdated: now.UnixMilli(),
	}
}

// Store источник записей очереди и приемник статистики
type Store interface {
	Devices(ctx context.Context) ([]string, error)
	QueueSince(ctx context.Context, deviceID string, since int64) ([]models.QueueEntry, error)
	SaveStats(ctx context.Context, stats map[string]models.DeviceStats) error
}

// Aggregator пересчитывает статистику устройств
type Aggregator struct {
	store  Store
	window time.Duration
}

// NewAggregator создает агрегатор с окном WindowDuration
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store, window: WindowDuration}
}

// WindowStart начало окна для момента now
func (a *Aggregator) WindowStart(now time.Time) int64 {
	return now.Add(-a.window).UnixMilli()
}

// ComputeStats считает статистику одного устройства. Если queue != nil,
// используются уже прочитанные записи, иначе выполняется запрос по диапазону.
func (a *Aggregator) ComputeStats(ctx context.Context, deviceID string, windowStart int64, queue map[string][]models.QueueEntry, now time.Time) (models.DeviceStats, error) {
	if queue != nil {
		return ComputeStats(queue[deviceID], windowStart, now), nil
	}
	entries, err := a.store.QueueSince(ctx, deviceID, windowStart)
	if err != nil {
		return models.DeviceStats{}, fmt.Errorf("stats for %s: %w", deviceID, err)
	}
	return ComputeStats(entries, windowStart, now), nil
}

// Run пересчитывает статистику всех известных устройств и сохраняет ее
// одной записью. Ошибка одного устройства не мешает остальным.
func (a *Aggregator) Run(ctx context.Context, queue map[string][]models.QueueEntry, now time.Time) (models.AggregateReport, error) {
	var report models.AggregateReport

	devices, err := a.store.Devices(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list devices: %w", err)
	}
	devices = union(devices, queue)
	windowStart := a.WindowStart(now)

	var (
		mu    sync.Mutex
		stats = make(map[string]models.DeviceStats, len(devices))
		errs  []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rangeQueryConcurrency)
	for _, id := range devices {
		id := id
		g.Go(func() error {
			s, err := a.ComputeStats(gctx, id, windowStart, queue, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("Aggregation error for device %s: %v", id, err)
				errs = append(errs, err.Error())
				return nil
			}
			stats[id] = s
			return nil
		})
	}
	_ = g.Wait()

	if err := a.store.SaveStats(ctx, stats); err != nil {
		return report, err
	}

	sort.Strings(errs)
	report.DevicesUpdated = len(stats)
	report.Errors = errs
	metrics.StatsUpdated.Add(float64(len(stats)))
	return report, nil
}

func union(devices []string, queue map[string][]models.QueueEntry) []string {
	seen := make(map[string]struct{}, len(devices)+len(queue))
	out := make([]string, 0, len(devices)+len(queue))
	for _, id := range devices {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for id := range queue {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
