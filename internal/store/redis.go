// Package store реализует долговременное хранилище показаний в Redis:
// последнее состояние устройств, очередь на выгрузку и статистику
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"iot-monitor-service/internal/metrics"
	"iot-monitor-service/internal/models"
)

const (
	// DevicesKey множество известных устройств
	DevicesKey = "devices"
	// QueuesKey множество устройств с непустой очередью
	QueuesKey = "queues"
)

// LastStateKey ключ последнего состояния устройства
func LastStateKey(deviceID string) string { return "device:" + deviceID + ":last" }

// StatsKey ключ статистики устройства
func StatsKey(deviceID string) string { return "device:" + deviceID + ":stats" }

// QueueKey хэш очереди устройства: поле = ключ вставки, значение = запись
func QueueKey(deviceID string) string { return "queue:" + deviceID }

// QueueIndexKey индекс очереди по времени показания
func QueueIndexKey(deviceID string) string { return "queue:" + deviceID + ":idx" }

// DeadLetterKey хэш нераспознанных записей очереди устройства
func DeadLetterKey(deviceID string) string { return "queue:" + deviceID + ":dead" }

// removeEntries удаляет записи очереди и снимает устройство с учета,
// если очередь опустела. Выполняется атомарно на стороне Redis.
var removeEntries = redis.NewScript(`
for i = 1, #ARGV - 1 do
  redis.call('HDEL', KEYS[1], ARGV[i])
  redis.call('ZREM', KEYS[2], ARGV[i])
end
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[3], ARGV[#ARGV])
end
return 1
`)

// deadLetterEntries переносит записи из очереди в хэш нераспознанных
// записей и снимает устройство с учета, если очередь опустела
var deadLetterEntries = redis.NewScript(`
for i = 1, #ARGV - 1 do
  local v = redis.call('HGET', KEYS[1], ARGV[i])
  if v then
    redis.call('HSET', KEYS[4], ARGV[i], v)
  end
  redis.call('HDEL', KEYS[1], ARGV[i])
  redis.call('ZREM', KEYS[2], ARGV[i])
end
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[3], ARGV[#ARGV])
end
return 1
`)

// RedisStore хранилище показаний в Redis
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore создает новое подключение к Redis
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     50,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient оборачивает готовый клиент
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ingest одной транзакцией перезаписывает последнее состояние
// и добавляет запись в очередь устройства
func (r *RedisStore) Ingest(ctx context.Context, last models.DeviceLastState, entry models.QueueEntry) error {
	lastData, err := json.Marshal(last)
	if err != nil {
		return fmt.Errorf("failed to marshal last state: %w", err)
	}
	entryData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}

	id := entry.DeviceID
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, LastStateKey(id), lastData, 0)
		pipe.SAdd(ctx, DevicesKey, id)
		pipe.HSet(ctx, QueueKey(id), entry.Key, entryData)
		pipe.ZAdd(ctx, QueueIndexKey(id), &redis.Z{Score: float64(entry.Timestamp), Member: entry.Key})
		pipe.SAdd(ctx, QueuesKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write reading: %w", err)
	}
	return nil
}

// Devices возвращает идентификаторы всех известных устройств
func (r *RedisStore) Devices(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, DevicesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// LastStates возвращает последнее состояние всех устройств
func (r *RedisStore) LastStates(ctx context.Context) (map[string]models.DeviceLastState, error) {
	ids, err := r.Devices(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.DeviceLastState, len(ids))
	err = r.getJSON(ctx, ids, LastStateKey, func(id string, data []byte) error {
		var s models.DeviceLastState
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		out[id] = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read last states: %w", err)
	}
	return out, nil
}

// LastState возвращает последнее состояние устройства или nil
func (r *RedisStore) LastState(ctx context.Context, deviceID string) (*models.DeviceLastState, error) {
	data, err := r.client.Get(ctx, LastStateKey(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last state: %w", err)
	}
	var s models.DeviceLastState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode last state: %w", err)
	}
	return &s, nil
}

// Queue читает все ожидающие записи всех устройств.
// Записи каждого устройства упорядочены по ключу вставки.
func (r *RedisStore) Queue(ctx context.Context) (map[string][]models.QueueEntry, error) {
	ids, err := r.client.SMembers(ctx, QueuesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	if len(ids) == 0 {
		return map[string][]models.QueueEntry{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, QueueKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	out := make(map[string][]models.QueueEntry, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		entries := make([]models.QueueEntry, 0, len(fields))
		var bad []string
		for key, raw := range fields {
			if e, ok := decodeEntry(id, key, raw); ok {
				entries = append(entries, e)
			} else {
				bad = append(bad, key)
			}
		}
		// нераспознанные записи убираются из очереди, иначе она никогда не опустеет;
		// пустая очередь снимает устройство с учета
		if len(bad) > 0 || len(fields) == 0 {
			if err := r.deadLetter(ctx, id, bad); err != nil {
				log.Printf("Failed to move undecodable entries of device %s: %v", id, err)
			}
		}
		if len(entries) == 0 {
			continue
		}
		sortEntries(entries)
		out[id] = entries
	}
	return out, nil
}

// deadLetter переносит записи в DeadLetterKey атомарно
func (r *RedisStore) deadLetter(ctx context.Context, deviceID string, keys []string) error {
	args := make([]interface{}, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, deviceID)

	err := deadLetterEntries.Run(ctx, r.client,
		[]string{QueueKey(deviceID), QueueIndexKey(deviceID), QueuesKey, DeadLetterKey(deviceID)}, args...).Err()
	if err != nil && err != redis.Nil {
		return err
	}
	if len(keys) > 0 {
		metrics.QueueDeadLetters.Add(float64(len(keys)))
		log.Printf("Moved %d undecodable queue entries of device %s to %s", len(keys), deviceID, DeadLetterKey(deviceID))
	}
	return nil
}

// QueueSince возвращает записи очереди устройства с timestamp >= since
func (r *RedisStore) QueueSince(ctx context.Context, deviceID string, since int64) ([]models.QueueEntry, error) {
	keys, err := r.client.ZRangeByScore(ctx, QueueIndexKey(deviceID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query queue range: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.HMGet(ctx, QueueKey(deviceID), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue entries: %w", err)
	}

	entries := make([]models.QueueEntry, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		if e, ok := decodeEntry(deviceID, keys[i], raw); ok {
			entries = append(entries, e)
		}
	}
	sortEntries(entries)
	return entries, nil
}

// RemoveEntries удаляет из очереди устройства перечисленные записи.
// Записи, добавленные после чтения очереди, не затрагиваются.
func (r *RedisStore) RemoveEntries(ctx context.Context, deviceID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, deviceID)

	err := removeEntries.Run(ctx, r.client,
		[]string{QueueKey(deviceID), QueueIndexKey(deviceID), QueuesKey}, args...).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to remove queue entries: %w", err)
	}
	return nil
}

// SaveStats записывает статистику нескольких устройств одной транзакцией
func (r *RedisStore) SaveStats(ctx context.Context, stats map[string]models.DeviceStats) error {
	if len(stats) == 0 {
		return nil
	}
	payloads := make(map[string][]byte, len(stats))
	for id, s := range stats {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal stats for %s: %w", id, err)
		}
		payloads[id] = data
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, data := range payloads {
			pipe.Set(ctx, StatsKey(id), data, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save stats: %w", err)
	}
	return nil
}

// Stats возвращает сохраненную статистику всех известных устройств
func (r *RedisStore) Stats(ctx context.Context) (map[string]models.DeviceStats, error) {
	ids, err := r.Devices(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.DeviceStats, len(ids))
	err = r.getJSON(ctx, ids, StatsKey, func(id string, data []byte) error {
		var s models.DeviceStats
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		out[id] = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	return out, nil
}

// DeviceViews возвращает последнее состояние и статистику всех устройств.
// Устройство без сохраненной статистики получает пустую статистику.
func (r *RedisStore) DeviceViews(ctx context.Context) (map[string]models.DeviceView, error) {
	ids, err := r.Devices(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.DeviceView, len(ids))
	for _, id := range ids {
		out[id] = models.DeviceView{}
	}
	err = r.getJSON(ctx, ids, LastStateKey, func(id string, data []byte) error {
		var s models.DeviceLastState
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v := out[id]
		v.LastData = &s
		out[id] = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read last states: %w", err)
	}
	err = r.getJSON(ctx, ids, StatsKey, func(id string, data []byte) error {
		v := out[id]
		if err := json.Unmarshal(data, &v.Stats); err != nil {
			return err
		}
		out[id] = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	return out, nil
}

// getJSON читает ключи устройств одним конвейером, отсутствующие ключи пропускаются
func (r *RedisStore) getJSON(ctx context.Context, ids []string, key func(string) string, fn func(id string, data []byte) error) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return err
	}
	for i, id := range ids {
		data, err := cmds[i].Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(id, data); err != nil {
			log.Printf("Skipping undecodable value for device %s: %v", id, err)
		}
	}
	return nil
}

// Ping проверяет соединение с Redis
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединение
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func decodeEntry(deviceID, key, raw string) (models.QueueEntry, bool) {
	var e models.QueueEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		log.Printf("Skipping undecodable queue entry %s/%s: %v", deviceID, key, err)
		return e, false
	}
	e.Key = key
	if e.DeviceID == "" {
		e.DeviceID = deviceID
	}
	return e, true
}

func sortEntries(entries []models.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
