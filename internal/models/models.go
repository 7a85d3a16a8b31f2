// Package models содержит структуры данных для показаний датчиков,
// очереди синхронизации, статистики и настроек устройств
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
)

// Timestamp время показания в миллисекундах Unix.
// Из JSON принимается число, числовая строка или строка ISO-8601.
type Timestamp int64

// UnmarshalJSON разбирает время показания
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = 0
		return nil
	}

	if data[0] != '"' {
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		*t = Timestamp(int64(f))
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*t = 0
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*t = Timestamp(ms)
		return nil
	}
	parsed, err := iso8601.ParseString(s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*t = Timestamp(parsed.UnixMilli())
	return nil
}

// Time переводит метку в time.Time
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// Value необязательное числовое показание.
// Отсутствующее или нечисловое значение хранится как nil.
type Value struct {
	v *float64
}

// Float создает заполненное значение
func Float(f float64) Value {
	return Value{v: &f}
}

// Get возвращает значение и признак его наличия
func (v Value) Get() (float64, bool) {
	if v.v == nil {
		return 0, false
	}
	if math.IsNaN(*v.v) || math.IsInf(*v.v, 0) {
		return 0, false
	}
	return *v.v, true
}

// Ptr возвращает указатель на значение или nil
func (v Value) Ptr() *float64 {
	f, ok := v.Get()
	if !ok {
		return nil
	}
	return &f
}

// String форматирует значение для сообщений и таблиц
func (v Value) String() string {
	f, ok := v.Get()
	if !ok {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// MarshalJSON записывает число или null
func (v Value) MarshalJSON() ([]byte, error) {
	f, ok := v.Get()
	if !ok {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// UnmarshalJSON принимает число, числовую строку или null
func (v *Value) UnmarshalJSON(data []byte) error {
	v.v = nil
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch x := raw.(type) {
	case float64:
		v.v = &x
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			v.v = &f
		}
	}
	return nil
}

// Reading входящее показание от устройства
type Reading struct {
	DeviceID    string    `json:"deviceId"`
	Temperature Value     `json:"temperature"`
	Light       Value     `json:"light"`
	Timestamp   Timestamp `json:"timestamp"`
}

// DeviceLastState последнее известное состояние устройства
type DeviceLastState struct {
	Temperature Value     `json:"temperature"`
	Light       Value     `json:"light"`
	Timestamp   Timestamp `json:"timestamp"`
}

// QueueEntry запись очереди на выгрузку в таблицу.
// После записи не изменяется до удаления движком синхронизации.
type QueueEntry struct {
	Key           string    `json:"-"`
	DeviceID      string    `json:"deviceId"`
	Temperature   Value     `json:"temperature"`
	Light         Value     `json:"light"`
	Timestamp     Timestamp `json:"timestamp"`
	TimeFormatted string    `json:"timeFormatted"`
	DateFormatted string    `json:"dateFormatted"`
	CreatedAt     int64     `json:"createdAt"`
}

// DeviceStats статистика устройства за окно агрегации.
// Поля равны nil, если в окне нет ни одного числового значения.
type DeviceStats struct {
	AvgTemp     *float64 `json:"avgTemp"`
	MaxTemp     *float64 `json:"maxTemp"`
	MinTemp     *float64 `json:"minTemp"`
	AvgLight    *float64 `json:"avgLight"`
	MaxLight    *float64 `json:"maxLight"`
	MinLight    *float64 `json:"minLight"`
	DataCount   int      `json:"dataCount"`
	LastUpdated int64    `json:"lastUpdated"`
}

// DeviceSetting настройки устройства из таблицы конфигурации.
// Пороги равны nil, если они не заданы.
type DeviceSetting struct {
	ID                  string   `json:"Id"`
	FactoryName         string   `json:"FactoryName"`
	OverHeat            *float64 `json:"overHeat"`
	LowHeat             *float64 `json:"lowHeat"`
	OverLux             *float64 `json:"overLux"`
	DataSheetFileID     string   `json:"DataSheetFileId"`
	DiscordWebhookToken string   `json:"DiscordWebhookToken"`
	LineTokens          []string `json:"LineToken"`
}

// AlertKind тип предупреждения
type AlertKind string

const (
	AlertOffline   AlertKind = "offline"
	AlertOverHeat  AlertKind = "over_heat"
	AlertLowHeat   AlertKind = "low_heat"
	AlertOverLight AlertKind = "over_light"
)

// Alert одно сработавшее правило
type Alert struct {
	DeviceID string    `json:"deviceId"`
	Kind     AlertKind `json:"kind"`
	Message  string    `json:"message"`
}

// SyncReport итог одного цикла выгрузки
type SyncReport struct {
	DevicesProcessed int      `json:"devicesProcessed"`
	DevicesDropped   int      `json:"devicesDropped"`
	RecordsSynced    int      `json:"recordsSynced"`
	Errors           []string `json:"errors,omitempty"`
}

// AggregateReport итог одного цикла агрегации
type AggregateReport struct {
	DevicesUpdated int      `json:"devicesUpdated"`
	Errors         []string `json:"errors,omitempty"`
}

// CheckReport итог одного цикла проверки предупреждений
type CheckReport struct {
	DevicesChecked int      `json:"devicesChecked"`
	DevicesSkipped int      `json:"devicesSkipped"`
	AlertsSent     int      `json:"alertsSent"`
	Errors         []string `json:"errors,omitempty"`
}

// DeviceView элемент списка устройств
type DeviceView struct {
	LastData *DeviceLastState `json:"lastData"`
	Stats    DeviceStats      `json:"stats"`
}

// DeviceLog строка журнала, присланная устройством
type DeviceLog struct {
	DeviceID  string    `json:"deviceId"`
	Msg       string    `json:"msg"`
	Timestamp Timestamp `json:"timestamp"`
	CreatedAt int64     `json:"createdAt"`
	IP        string    `json:"ip"`
}

// HealthStatus представляет статус здоровья сервиса
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Redis     string    `json:"redis"`
	Uptime    string    `json:"uptime"`
}
