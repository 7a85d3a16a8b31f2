package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-monitor-service/internal/format"
	"iot-monitor-service/internal/models"
)

type recordingStore struct {
	mu      sync.Mutex
	last    map[string]models.DeviceLastState
	entries map[string]models.QueueEntry
	err     error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		last:    map[string]models.DeviceLastState{},
		entries: map[string]models.QueueEntry{},
	}
}

func (s *recordingStore) Ingest(_ context.Context, last models.DeviceLastState, e models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.last[e.DeviceID] = last
	s.entries[e.Key] = e
	return nil
}

func newTestWriter(t *testing.T, s Store) *Writer {
	t.Helper()
	f, err := format.NewFormatter("Asia/Taipei")
	require.NoError(t, err)
	return NewWriter(s, f)
}

func TestWriter_Validation(t *testing.T) {
	s := newRecordingStore()
	w := newTestWriter(t, s)

	cases := []struct {
		name    string
		reading models.Reading
		field   string
	}{
		{"missing device", models.Reading{Timestamp: 1}, "deviceId"},
		{"bad device", models.Reading{DeviceID: "a b", Timestamp: 1}, "deviceId"},
		{"missing timestamp", models.Reading{DeviceID: "D1"}, "timestamp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := w.Ingest(context.Background(), tc.reading)
			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
	assert.Empty(t, s.entries)
}

func TestWriter_FormatsOnceInFixedZone(t *testing.T) {
	s := newRecordingStore()
	w := newTestWriter(t, s)
	fixed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	ts := time.Date(2025, 2, 28, 16, 30, 0, 0, time.UTC)
	e, err := w.Ingest(context.Background(), models.Reading{
		DeviceID:    "D1",
		Temperature: models.Float(25.5),
		Timestamp:   models.Timestamp(ts.UnixMilli()),
	})
	require.NoError(t, err)

	assert.Equal(t, "2025/03/01", e.DateFormatted)
	assert.Equal(t, "2025/03/01 00:30:00", e.TimeFormatted)
	assert.Equal(t, fixed.UnixMilli(), e.CreatedAt)
	assert.True(t, strings.HasPrefix(e.Key, "1740787200000-"), e.Key)
	_, ok := e.Light.Get()
	assert.False(t, ok)
}

func TestWriter_LastStateReflectsLatest(t *testing.T) {
	s := newRecordingStore()
	w := newTestWriter(t, s)

	for i := 1; i <= 5; i++ {
		_, err := w.Ingest(context.Background(), models.Reading{
			DeviceID:    "D1",
			Temperature: models.Float(float64(i)),
			Light:       models.Float(float64(i * 10)),
			Timestamp:   models.Timestamp(int64(i) * 1000),
		})
		require.NoError(t, err)
	}

	last := s.last["D1"]
	temp, _ := last.Temperature.Get()
	light, _ := last.Light.Get()
	assert.Equal(t, 5.0, temp)
	assert.Equal(t, 50.0, light)
	assert.Equal(t, models.Timestamp(5000), last.Timestamp)
	assert.Len(t, s.entries, 5)
}

func TestWriter_UniqueKeysWithinSameMillisecond(t *testing.T) {
	s := newRecordingStore()
	w := newTestWriter(t, s)
	fixed := time.Now()
	w.now = func() time.Time { return fixed }

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Ingest(context.Background(), models.Reading{DeviceID: "D1", Timestamp: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, s.entries, 200)
}

func TestWriter_StoreFailure(t *testing.T) {
	s := newRecordingStore()
	s.err = errors.New("redis down")
	w := newTestWriter(t, s)

	_, err := w.Ingest(context.Background(), models.Reading{DeviceID: "D1", Timestamp: 1})
	require.Error(t, err)
	var ve *models.ValidationError
	assert.False(t, errors.As(err, &ve))
}
