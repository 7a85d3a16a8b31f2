// Package alerting проверяет последние показания устройств по порогам
// из настроек и отправляет сводное уведомление
package alerting

import (
	"fmt"
	"strconv"
	"time"

	"iot-monitor-service/internal/models"
)

// OfflineAfter устройство считается отключенным, если молчит дольше
const OfflineAfter = 60 * time.Second

// Evaluate проверяет состояние устройства. Правила независимы и
// проверяются в фиксированном порядке: связь, перегрев, переохлаждение, освещенность.
func Evaluate(deviceID string, last models.DeviceLastState, setting models.DeviceSetting, now time.Time) []models.Alert {
	var alerts []models.Alert
	name := setting.FactoryName

	add := func(kind models.AlertKind, msg string) {
		alerts = append(alerts, models.Alert{DeviceID: deviceID, Kind: kind, Message: msg})
	}

	// сравнение в миллисекундах: метка показания хранится с точностью до мс
	if offline := now.UnixMilli() - int64(last.Timestamp); offline > OfflineAfter.Milliseconds() {
		minutes := offline / time.Minute.Milliseconds()
		add(models.AlertOffline, fmt.Sprintf("⚠️ **設備離線警報** - 設備 %s (%s) 已離線 %d 分鐘", deviceID, name, minutes))
	}

	temp, hasTemp := last.Temperature.Get()
	if setting.OverHeat != nil && hasTemp && temp > *setting.OverHeat {
		add(models.AlertOverHeat, fmt.Sprintf("🔥 **溫度過高警報** - 設備 %s (%s) 溫度 %s°C 超過設定值 %s°C",
			deviceID, name, num(temp), num(*setting.OverHeat)))
	}
	if setting.LowHeat != nil && hasTemp && temp < *setting.LowHeat {
		add(models.AlertLowHeat, fmt.Sprintf("❄️ **溫度過低警報** - 設備 %s (%s) 溫度 %s°C 低於設定值 %s°C",
			deviceID, name, num(temp), num(*setting.LowHeat)))
	}

	light, hasLight := last.Light.Get()
	if setting.OverLux != nil && hasLight && light > *setting.OverLux {
		add(models.AlertOverLight, fmt.Sprintf("💡 **光照過強警報** - 設備 %s (%s) 光照 %s lux 超過設定值 %s lux",
			deviceID, name, num(light), num(*setting.OverLux)))
	}

	return alerts
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
