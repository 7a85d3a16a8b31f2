package alerting

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

const checkConcurrency = 8

// StateStore источник последних состояний устройств
type StateStore interface {
	LastStates(ctx context.Context) (map[string]models.DeviceLastState, error)
}

// Settings источник настроек устройств
type Settings interface {
	Get(ctx context.Context, deviceID string) (*models.DeviceSetting, error)
}

// Notifier приемник уведомлений
type Notifier interface {
	Notify(ctx context.Context, endpoint string, n Notification) error
}

// Checker проверяет все устройства. Состояние между циклами не хранится,
// поэтому сохраняющееся нарушение повторяется в каждом цикле.
type Checker struct {
	store    StateStore
	settings Settings
	notifier Notifier
}

// NewChecker создает Checker
func NewChecker(store StateStore, settings Settings, notifier Notifier) *Checker {
	return &Checker{store: store, settings: settings, notifier: notifier}
}

// Run проверяет все устройства. Ошибка одного устройства
// записывается в отчет и не влияет на остальные.
func (c *Checker) Run(ctx context.Context, now time.Time) (models.CheckReport, error) {
	var report models.CheckReport

	states, err := c.store.LastStates(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to read device states: %w", err)
	}

	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkConcurrency)
	for _, id := range ids {
		id, last := id, states[id]
		g.Go(func() error {
			sent, skipped, err := c.checkDevice(gctx, id, last, now)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				log.Printf("Error checking device %s: %v", id, err)
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", id, err))
			case skipped:
				report.DevicesSkipped++
			case sent:
				report.AlertsSent++
			}
			if !skipped {
				report.DevicesChecked++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Errors)
	log.Printf("Alert check completed: %d alerts sent, %d errors", report.AlertsSent, len(report.Errors))
	return report, nil
}

func (c *Checker) checkDevice(ctx context.Context, id string, last models.DeviceLastState, now time.Time) (sent, skipped bool, err error) {
	if last.Timestamp <= 0 {
		log.Printf("No lastData found for device %s", id)
		return false, true, nil
	}

	setting, err := c.settings.Get(ctx, id)
	if err != nil {
		return false, false, err
	}
	if setting == nil {
		log.Printf("No setting found for device %s", id)
		return false, true, nil
	}

	alerts := Evaluate(id, last, *setting, now)
	for _, a := range alerts {
		metrics.AlertsTriggered.WithLabelValues(string(a.Kind)).Inc()
	}
	if len(alerts) == 0 || setting.DiscordWebhookToken == "" {
		return false, false, nil
	}

	err = c.notifier.Notify(ctx, setting.DiscordWebhookToken, Notification{
		DeviceID:    id,
		FactoryName: setting.FactoryName,
		Alerts:      alerts,
		Snapshot:    last,
		SentAt:      now,
	})
	if err != nil {
		metrics.NotificationFailures.Inc()
		return false, false, err
	}
	metrics.NotificationsSent.Inc()
	log.Printf("Sent %d alerts for device %s", len(alerts), id)
	return true, false, nil
}
