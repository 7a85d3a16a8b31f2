// Package settings загружает и кэширует настройки устройств из таблицы конфигурации
package settings

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"iot-monitor-service/internal/metrics"
	"iot-monitor-service/internal/models"
)

const (
	// DefaultTTL время жизни кэша настроек
	DefaultTTL = 5 * time.Minute
	// DefaultRange диапазон таблицы настроек
	DefaultRange = "Setting!A1:H"
	// ReloadTimeout предел одной загрузки таблицы
	ReloadTimeout = 30 * time.Second
)

// Source источник таблицы настроек. Строка 0 содержит заголовки.
type Source interface {
	ReadTable(ctx context.Context, sheetID, rng string) ([][]string, error)
}

// Cache снимок настроек всех устройств.
// Снимок заменяется целиком одной атомарной операцией.
type Cache struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	list     []models.DeviceSetting
	byID     map[string]models.DeviceSetting
	loadedAt time.Time
}

// NewCache создает пустой кэш
func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) load() *snapshot {
	return c.snap.Load()
}

func (c *Cache) store(list []models.DeviceSetting, loadedAt time.Time) *snapshot {
	s := &snapshot{
		list:     list,
		byID:     make(map[string]models.DeviceSetting, len(list)),
		loadedAt: loadedAt,
	}
	for _, st := range list {
		s.byID[st.ID] = st
	}
	c.snap.Store(s)
	return s
}

// Clear сбрасывает кэш
func (c *Cache) Clear() {
	c.snap.Store(nil)
}

// LoadedAt возвращает время последней загрузки или нулевое время
func (c *Cache) LoadedAt() time.Time {
	if s := c.load(); s != nil {
		return s.loadedAt
	}
	return time.Time{}
}

// Provider выдает настройки устройства с кэшированием на TTL
type Provider struct {
	source  Source
	sheetID string
	rng     string
	ttl     time.Duration
	cache   *Cache
	now     func() time.Time
	group   singleflight.Group
}

// Option настраивает Provider
type Option func(*Provider)

// WithTTL задает время жизни кэша
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) { p.ttl = ttl }
}

// WithRange задает диапазон таблицы настроек
func WithRange(rng string) Option {
	return func(p *Provider) { p.rng = rng }
}

// WithClock подменяет источник текущего времени
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider создает провайдер настроек
func NewProvider(source Source, sheetID string, opts ...Option) *Provider {
	p := &Provider{
		source:  source,
		sheetID: sheetID,
		rng:     DefaultRange,
		ttl:     DefaultTTL,
		cache:   NewCache(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get возвращает настройки устройства или nil, если устройство не настроено.
// Кэш перечитывается целиком, если он пуст, устарел или не содержит устройство.
func (p *Provider) Get(ctx context.Context, deviceID string) (*models.DeviceSetting, error) {
	if s := p.fresh(); s != nil {
		if st, ok := s.byID[deviceID]; ok {
			metrics.SettingsCacheHits.Inc()
			return &st, nil
		}
	}
	metrics.SettingsCacheMisses.Inc()

	s, err := p.reload(ctx)
	if err != nil {
		return nil, err
	}
	st, ok := s.byID[deviceID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// All возвращает настройки всех устройств
func (p *Provider) All(ctx context.Context) ([]models.DeviceSetting, error) {
	s := p.fresh()
	if s == nil {
		var err error
		if s, err = p.reload(ctx); err != nil {
			return nil, err
		}
	}
	out := make([]models.DeviceSetting, len(s.list))
	copy(out, s.list)
	return out, nil
}

// ClearCache сбрасывает кэш, следующий запрос перечитает таблицу
func (p *Provider) ClearCache() {
	p.cache.Clear()
}

func (p *Provider) fresh() *snapshot {
	s := p.cache.load()
	if s == nil || p.now().Sub(s.loadedAt) >= p.ttl {
		return nil
	}
	return s
}

// reload читает таблицу за один запрос. Одновременные перезагрузки схлопываются.
// Общая загрузка не зависит от отмены контекста отдельного вызывающего:
// каждый ждет результат только в пределах своего ctx.
func (p *Provider) reload(ctx context.Context) (*snapshot, error) {
	ch := p.group.DoChan("reload", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ReloadTimeout)
		defer cancel()

		rows, err := p.source.ReadTable(rctx, p.sheetID, p.rng)
		if err != nil {
			return nil, &models.ConfigSourceError{Reason: "failed to read settings table", Err: err}
		}
		list, err := ParseTable(rows)
		if err != nil {
			return nil, err
		}
		metrics.SettingsReloads.Inc()
		return p.cache.store(list, p.now()), nil
	})

	select {
	case <-ctx.Done():
		return nil, &models.ConfigSourceError{Reason: "settings reload abandoned", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			err := res.Err
			var cse *models.ConfigSourceError
			if !errors.As(err, &cse) {
				err = &models.ConfigSourceError{Reason: "failed to load settings", Err: err}
			}
			return nil, err
		}
		return res.Val.(*snapshot), nil
	}
}
