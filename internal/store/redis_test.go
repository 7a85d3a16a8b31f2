package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-monitor-service/internal/models"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func entry(device, key string, ts int64, temp float64) models.QueueEntry {
	return models.QueueEntry{
		Key:           key,
		DeviceID:      device,
		Temperature:   models.Float(temp),
		Timestamp:     models.Timestamp(ts),
		TimeFormatted: "2025/01/01 08:00:00",
		DateFormatted: "2025/01/01",
		CreatedAt:     ts,
	}
}

func ingest(t *testing.T, s *RedisStore, e models.QueueEntry) {
	t.Helper()
	last := models.DeviceLastState{Temperature: e.Temperature, Light: e.Light, Timestamp: e.Timestamp}
	require.NoError(t, s.Ingest(context.Background(), last, e))
}

func TestRedisStore_IngestWritesLastStateAndQueue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ingest(t, s, entry("D1", fmt.Sprintf("k%d", i), int64(1000+i), float64(20+i)))
	}

	last, err := s.LastState(ctx, "D1")
	require.NoError(t, err)
	require.NotNil(t, last)
	temp, ok := last.Temperature.Get()
	require.True(t, ok)
	assert.Equal(t, 22.0, temp)
	assert.Equal(t, models.Timestamp(1002), last.Timestamp)

	queue, err := s.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, queue["D1"], 3)
	assert.Equal(t, "k0", queue["D1"][0].Key)
	assert.Equal(t, "2025/01/01", queue["D1"][0].DateFormatted)

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"D1"}, devices)
}

func TestRedisStore_QueueSince(t *testing.T) {
	s, _ := newTestStore(t)

	ingest(t, s, entry("D1", "a", 100, 1))
	ingest(t, s, entry("D1", "b", 200, 2))
	ingest(t, s, entry("D1", "c", 300, 3))
	ingest(t, s, entry("D2", "d", 300, 4))

	got, err := s.QueueSince(context.Background(), "D1", 200)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Key)
	assert.Equal(t, "c", got[1].Key)

	got, err = s.QueueSince(context.Background(), "D3", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisStore_RemoveEntriesKeepsNewerEntries(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ingest(t, s, entry("D1", "a", 100, 1))
	ingest(t, s, entry("D1", "b", 200, 2))

	queue, err := s.Queue(ctx)
	require.NoError(t, err)

	// arrives after the flush read the queue
	ingest(t, s, entry("D1", "c", 300, 3))

	keys := []string{}
	for _, e := range queue["D1"] {
		keys = append(keys, e.Key)
	}
	require.NoError(t, s.RemoveEntries(ctx, "D1", keys))

	queue, err = s.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, queue["D1"], 1)
	assert.Equal(t, "c", queue["D1"][0].Key)
	assert.True(t, mr.Exists(QueueIndexKey("D1")))

	require.NoError(t, s.RemoveEntries(ctx, "D1", []string{"c"}))
	queue, err = s.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)

	members, err := mr.Members(QueuesKey)
	if err == nil {
		assert.NotContains(t, members, "D1")
	}
	assert.True(t, mr.Exists(LastStateKey("D1")), "last state survives queue removal")
}

func TestRedisStore_Stats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	ingest(t, s, entry("D1", "a", 100, 1))
	ingest(t, s, entry("D2", "b", 100, 1))

	avg := 21.5
	require.NoError(t, s.SaveStats(ctx, map[string]models.DeviceStats{
		"D1": {AvgTemp: &avg, DataCount: 2, LastUpdated: 123},
	}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Contains(t, stats, "D1")
	assert.NotContains(t, stats, "D2")
	require.NotNil(t, stats["D1"].AvgTemp)
	assert.Equal(t, 21.5, *stats["D1"].AvgTemp)
	assert.Nil(t, stats["D1"].MinLight)

	states, err := s.LastStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestRedisStore_DeviceViews(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	ingest(t, s, entry("D1", "a", 100, 20))
	ingest(t, s, entry("D2", "b", 200, 30))

	avg := 20.0
	require.NoError(t, s.SaveStats(ctx, map[string]models.DeviceStats{
		"D1": {AvgTemp: &avg, DataCount: 1},
	}))
	mr.Del(LastStateKey("D2"))

	views, err := s.DeviceViews(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	require.NotNil(t, views["D1"].LastData)
	assert.Equal(t, models.Timestamp(100), views["D1"].LastData.Timestamp)
	assert.Equal(t, 1, views["D1"].Stats.DataCount)

	assert.Nil(t, views["D2"].LastData)
	assert.Zero(t, views["D2"].Stats.DataCount)
	assert.Nil(t, views["D2"].Stats.AvgTemp)
}

func TestRedisStore_QueueDrainsUndecodableEntries(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	ingest(t, s, entry("D1", "good", 100, 20))

	mr.HSet(QueueKey("D1"), "bad", "{not json")
	_, err := mr.ZAdd(QueueIndexKey("D1"), 100, "bad")
	require.NoError(t, err)

	queue, err := s.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, queue["D1"], 1)
	assert.Equal(t, "good", queue["D1"][0].Key)

	assert.Equal(t, "{not json", mr.HGet(DeadLetterKey("D1"), "bad"))
	keys, err := mr.HKeys(QueueKey("D1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, keys)

	require.NoError(t, s.RemoveEntries(ctx, "D1", []string{"good"}))
	assert.False(t, mr.Exists(QueueKey("D1")))
	members, _ := mr.SMembers(QueuesKey)
	assert.NotContains(t, members, "D1")
}

func TestRedisStore_QueueOnlyUndecodableEntries(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.HSet(QueueKey("D2"), "bad", "[]x")
	_, err := mr.SAdd(QueuesKey, "D2")
	require.NoError(t, err)

	queue, err := s.Queue(ctx)
	require.NoError(t, err)
	assert.NotContains(t, queue, "D2")
	assert.False(t, mr.Exists(QueueKey("D2")))
	members, _ := mr.SMembers(QueuesKey)
	assert.NotContains(t, members, "D2")
}

func TestRedisStore_Ping(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
