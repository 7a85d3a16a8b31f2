package settings

import (
	"fmt"
	"strings"

	"iot-monitor-service/internal/format"
	"iot-monitor-service/internal/models"
)

// Колонки таблицы настроек. Порядок колонок в таблице может быть любым,
// значения ищутся по заголовку.
const (
	ColumnID             = "Id"
	ColumnFactoryName    = "FactoryName"
	ColumnOverHeat       = "overHeat"
	ColumnLowHeat        = "lowHeat"
	ColumnOverLux        = "overLux"
	ColumnDataSheetFile  = "DataSheetFileId"
	ColumnDiscordWebhook = "DiscordWebhookToken"
	ColumnLineToken      = "LineToken"
)

// Columns документированный порядок колонок таблицы настроек (A..H)
var Columns = []string{
	ColumnID,
	ColumnFactoryName,
	ColumnOverHeat,
	ColumnLowHeat,
	ColumnOverLux,
	ColumnDataSheetFile,
	ColumnDiscordWebhook,
	ColumnLineToken,
}

var requiredColumns = []string{ColumnID}

// ParseTable разбирает таблицу настроек, первая строка содержит заголовки
func ParseTable(rows [][]string) ([]models.DeviceSetting, error) {
	if len(rows) < 2 {
		return nil, &models.ConfigSourceError{Reason: fmt.Sprintf("settings table has %d rows, need header and data", len(rows))}
	}

	index := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		index[strings.TrimSpace(h)] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, &models.ConfigSourceError{Reason: fmt.Sprintf("settings table is missing required column %q", col)}
		}
	}

	cell := func(row []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	settings := make([]models.DeviceSetting, 0, len(rows)-1)
	for _, row := range rows[1:] {
		id := cell(row, ColumnID)
		if id == "" {
			continue
		}
		settings = append(settings, models.DeviceSetting{
			ID:                  id,
			FactoryName:         cell(row, ColumnFactoryName),
			OverHeat:            format.ParseFloat(cell(row, ColumnOverHeat)),
			LowHeat:             format.ParseFloat(cell(row, ColumnLowHeat)),
			OverLux:             format.ParseFloat(cell(row, ColumnOverLux)),
			DataSheetFileID:     cell(row, ColumnDataSheetFile),
			DiscordWebhookToken: cell(row, ColumnDiscordWebhook),
			LineTokens:          format.SplitList(cell(row, ColumnLineToken)),
		})
	}
	return settings, nil
}
