// Package format содержит функции форматирования времени и разбора значений.
// Даты всегда выводятся в фиксированном часовом поясе, независимо от локали сервера.
package format

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	// DefaultTimezone часовой пояс отображения по умолчанию
	DefaultTimezone = "Asia/Taipei"

	// DateLayout формат даты, он же имя вкладки таблицы
	DateLayout = "2006/01/02"
	// TimeLayout формат даты и времени для строки таблицы
	TimeLayout = "2006/01/02 15:04:05"
)

var deviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Formatter форматирует время в заданном часовом поясе
type Formatter struct {
	loc *time.Location
}

// NewFormatter создает форматтер для часового пояса name
func NewFormatter(name string) (*Formatter, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", name, err)
	}
	return &Formatter{loc: loc}, nil
}

// Location возвращает часовой пояс форматтера
func (f *Formatter) Location() *time.Location {
	return f.loc
}

// Date возвращает дату в формате yyyy/MM/dd
func (f *Formatter) Date(t time.Time) string {
	return t.In(f.loc).Format(DateLayout)
}

// Time возвращает дату и время в формате yyyy/MM/dd HH:mm:ss
func (f *Formatter) Time(t time.Time) string {
	return t.In(f.loc).Format(TimeLayout)
}

// ValidDeviceID проверяет идентификатор устройства
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// ParseFloat разбирает число из ячейки таблицы.
// Пустая, нечисловая или бесконечная строка (NaN, Inf) дает nil.
func ParseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// SplitList разбирает список через запятую, пропуская пустые элементы
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
