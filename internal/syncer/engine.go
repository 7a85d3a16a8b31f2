// Package syncer выгружает очередь показаний в таблицы: одна вкладка
// на устройство и календарный день. Очередь устройства очищается
// только после успешной выгрузки всех его дней.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"iot-monitor-service/internal/metrics"
	"iot-monitor-service/internal/models"
)

// HeaderRow заголовок вкладки; порядок и текст колонок менять нельзя
var HeaderRow = []string{"溫度", "光度", "時間", "時間戳"}

const deviceConcurrency = 8

// Queue очередь показаний
type Queue interface {
	Queue(ctx context.Context) (map[string][]models.QueueEntry, error)
	RemoveEntries(ctx context.Context, deviceID string, keys []string) error
}

// Settings источник настроек устройств
type Settings interface {
	Get(ctx context.Context, deviceID string) (*models.DeviceSetting, error)
}

// Sink табличное хранилище
type Sink interface {
	ListTabs(ctx context.Context, sheetID string) ([]string, error)
	CreateTab(ctx context.Context, sheetID, name string, header []string) error
	AppendRows(ctx context.Context, sheetID, tab string, rows [][]interface{}) error
}

// Engine движок выгрузки
type Engine struct {
	queue    Queue
	settings Settings
	sink     Sink

	tabLocks sync.Map // sheetID -> *sync.Mutex
}

// NewEngine создает движок выгрузки
func NewEngine(queue Queue, settings Settings, sink Sink) *Engine {
	return &Engine{queue: queue, settings: settings, sink: sink}
}

// Flush читает всю очередь и выгружает ее
func (e *Engine) Flush(ctx context.Context) (models.SyncReport, error) {
	queue, err := e.queue.Queue(ctx)
	if err != nil {
		return models.SyncReport{}, fmt.Errorf("failed to read queue: %w", err)
	}
	return e.FlushQueue(ctx, queue)
}

// FlushQueue выгружает заранее прочитанный снимок очереди.
// Устройства обрабатываются независимо; ошибка возвращается,
// только если не удалось выгрузить ни одно устройство.
func (e *Engine) FlushQueue(ctx context.Context, queue map[string][]models.QueueEntry) (models.SyncReport, error) {
	var (
		report   models.SyncReport
		mu       sync.Mutex
		failures []error
		queued   int
		dropped  int
	)

	devices := make([]string, 0, len(queue))
	for id, entries := range queue {
		if len(entries) > 0 {
			devices = append(devices, id)
			queued += len(entries)
		}
	}
	sort.Strings(devices)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deviceConcurrency)
	for _, id := range devices {
		id, entries := id, queue[id]
		g.Go(func() error {
			synced, skipped, err := e.flushDevice(gctx, id, entries)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				log.Printf("Sync error for device %s: %v", id, err)
				metrics.SyncFailures.WithLabelValues(id).Inc()
				failures = append(failures, err)
				report.Errors = append(report.Errors, err.Error())
			case skipped:
				report.DevicesDropped++
				dropped += len(entries)
			default:
				report.DevicesProcessed++
				report.RecordsSynced += synced
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Errors)
	metrics.ObserveSync(queued, report.RecordsSynced, dropped)

	if len(failures) > 0 && len(failures) == len(devices) {
		return report, errors.Join(failures...)
	}
	return report, nil
}

// flushDevice выгружает очередь одного устройства. skipped == true,
// если у устройства нет таблицы и его записи отброшены.
func (e *Engine) flushDevice(ctx context.Context, deviceID string, entries []models.QueueEntry) (int, bool, error) {
	keys := make([]string, len(entries))
	for i, en := range entries {
		keys[i] = en.Key
	}

	setting, err := e.settings.Get(ctx, deviceID)
	if err != nil {
		return 0, false, &models.SyncError{DeviceID: deviceID, Err: err}
	}
	if setting == nil || setting.DataSheetFileID == "" {
		log.Printf("No sheet configured for device %s, discarding %d queued records", deviceID, len(entries))
		if err := e.queue.RemoveEntries(ctx, deviceID, keys); err != nil {
			return 0, false, &models.SyncError{DeviceID: deviceID, Err: err}
		}
		return 0, true, nil
	}

	days := GroupByDay(entries)
	names := make([]string, 0, len(days))
	for day := range days {
		names = append(names, day)
	}
	sort.Strings(names)

	g, gctx := errgroup.WithContext(ctx)
	for _, day := range names {
		day, rows := day, days[day]
		g.Go(func() error {
			return e.flushDay(gctx, setting.DataSheetFileID, day, rows)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, false, &models.SyncError{DeviceID: deviceID, Err: err}
	}

	if err := e.queue.RemoveEntries(ctx, deviceID, keys); err != nil {
		return 0, false, &models.SyncError{DeviceID: deviceID, Err: fmt.Errorf("synced but failed to clear queue: %w", err)}
	}

	log.Printf("Processed %d records for device %s", len(entries), deviceID)
	return len(entries), false, nil
}

func (e *Engine) flushDay(ctx context.Context, sheetID, day string, entries []models.QueueEntry) error {
	if err := e.ensureTab(ctx, sheetID, day); err != nil {
		return fmt.Errorf("tab %s: %w", day, err)
	}
	if err := e.sink.AppendRows(ctx, sheetID, day, Rows(entries)); err != nil {
		return fmt.Errorf("append to tab %s: %w", day, err)
	}
	log.Printf("Synced %d records to sheet %s", len(entries), day)
	return nil
}

// ensureTab создает вкладку с заголовком, если ее еще нет
func (e *Engine) ensureTab(ctx context.Context, sheetID, name string) error {
	l, _ := e.tabLocks.LoadOrStore(sheetID, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	tabs, err := e.sink.ListTabs(ctx, sheetID)
	if err != nil {
		return err
	}
	for _, t := range tabs {
		if t == name {
			return nil
		}
	}
	if err := e.sink.CreateTab(ctx, sheetID, name, HeaderRow); err != nil {
		return err
	}
	log.Printf("Created new sheet tab: %s", name)
	return nil
}

// GroupByDay группирует записи по DateFormatted, сохраняя порядок внутри дня
func GroupByDay(entries []models.QueueEntry) map[string][]models.QueueEntry {
	days := make(map[string][]models.QueueEntry)
	for _, en := range entries {
		days[en.DateFormatted] = append(days[en.DateFormatted], en)
	}
	return days
}

// Rows строки таблицы: температура, освещенность, время, метка времени
func Rows(entries []models.QueueEntry) [][]interface{} {
	rows := make([][]interface{}, len(entries))
	for i, en := range entries {
		rows[i] = []interface{}{
			cell(en.Temperature),
			cell(en.Light),
			en.TimeFormatted,
			int64(en.Timestamp),
		}
	}
	return rows
}

func cell(v models.Value) interface{} {
	if f, ok := v.Get(); ok {
		return f
	}
	return ""
}
