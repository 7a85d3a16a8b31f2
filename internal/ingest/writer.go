// Package ingest принимает показания устройств и записывает их в хранилище
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"iot-monitor-service/internal/format"
	"iot-monitor-service/internal/metrics"
	"iot-monitor-service/internal/models"
)

// Store атомарная запись последнего состояния и элемента очереди
type Store interface {
	Ingest(ctx context.Context, last models.DeviceLastState, entry models.QueueEntry) error
}

// Writer записывает показания
type Writer struct {
	store     Store
	formatter *format.Formatter
	now       func() time.Time
	newSuffix func() string
}

// NewWriter создает Writer
func NewWriter(store Store, formatter *format.Formatter) *Writer {
	return &Writer{
		store:     store,
		formatter: formatter,
		now:       time.Now,
		newSuffix: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] },
	}
}

// Validate проверяет обязательные поля показания
func Validate(r models.Reading) error {
	if r.DeviceID == "" {
		return &models.ValidationError{Field: "deviceId", Reason: "required"}
	}
	if !format.ValidDeviceID(r.DeviceID) {
		return &models.ValidationError{Field: "deviceId", Reason: "must match [a-zA-Z0-9_-]+"}
	}
	if r.Timestamp <= 0 {
		return &models.ValidationError{Field: "timestamp", Reason: "required"}
	}
	return nil
}

// Ingest записывает показание. Строки даты и времени вычисляются один раз
// и сохраняются в записи очереди как есть.
func (w *Writer) Ingest(ctx context.Context, r models.Reading) (models.QueueEntry, error) {
	if err := Validate(r); err != nil {
		return models.QueueEntry{}, err
	}

	now := w.now()
	recorded := r.Timestamp.Time()

	entry := models.QueueEntry{
		Key:           w.insertionKey(now),
		DeviceID:      r.DeviceID,
		Temperature:   r.Temperature,
		Light:         r.Light,
		Timestamp:     r.Timestamp,
		TimeFormatted: w.formatter.Time(recorded),
		DateFormatted: w.formatter.Date(recorded),
		CreatedAt:     now.UnixMilli(),
	}
	last := models.DeviceLastState{
		Temperature: r.Temperature,
		Light:       r.Light,
		Timestamp:   r.Timestamp,
	}

	if err := w.store.Ingest(ctx, last, entry); err != nil {
		return models.QueueEntry{}, fmt.Errorf("ingest %s: %w", r.DeviceID, err)
	}

	metrics.ReadingsIngested.Inc()
	return entry, nil
}

// insertionKey сортируемый ключ: время приема в мс и случайный суффикс
func (w *Writer) insertionKey(now time.Time) string {
	return fmt.Sprintf("%013d-%s", now.UnixMilli(), w.newSuffix())
}
