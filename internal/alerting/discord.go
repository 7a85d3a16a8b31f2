package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"iot-monitor-service/internal/format"
	"iot-monitor-service/internal/models"
)

const discordWebhookBase = "https://discord.com/api/webhooks/"

// Notification сводное уведомление по одному устройству
type Notification struct {
	DeviceID    string
	FactoryName string
	Alerts      []models.Alert
	Snapshot    models.DeviceLastState
	SentAt      time.Time
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields"`
	Timestamp   string         `json:"timestamp"`
	Footer      discordFooter  `json:"footer"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

// DiscordNotifier отправляет уведомления через Discord webhook
type DiscordNotifier struct {
	client    *http.Client
	formatter *format.Formatter
}

// NewDiscordNotifier создает отправителя уведомлений
func NewDiscordNotifier(client *http.Client, formatter *format.Formatter) *DiscordNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DiscordNotifier{client: client, formatter: formatter}
}

// Notify отправляет уведомление. endpoint это полный URL webhook
// или "id/token" из настроек устройства.
func (d *DiscordNotifier) Notify(ctx context.Context, endpoint string, n Notification) error {
	body, err := json.Marshal(d.payload(n))
	if err != nil {
		return &models.NotificationError{Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL(endpoint), bytes.NewReader(body))
	if err != nil {
		return &models.NotificationError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		// URL содержит токен webhook, в ошибку его не выносим
		return &models.NotificationError{Err: fmt.Errorf("post webhook: %s", redact(err))}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &models.NotificationError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (d *DiscordNotifier) payload(n Notification) discordPayload {
	lines := make([]string, len(n.Alerts))
	for i, a := range n.Alerts {
		lines[i] = a.Message
	}
	snapshot := fmt.Sprintf("溫度: %s°C\n光照: %s lux\n時間: %s",
		n.Snapshot.Temperature, n.Snapshot.Light, d.formatter.Time(n.Snapshot.Timestamp.Time()))

	return discordPayload{Embeds: []discordEmbed{{
		Title:       "🚨 IoT設備警報",
		Description: strings.Join(lines, "\n\n"),
		Color:       0xFF0000,
		Fields: []discordField{{
			Name:   "📊 當前數據",
			Value:  snapshot,
			Inline: true,
		}},
		Timestamp: n.SentAt.UTC().Format(time.RFC3339),
		Footer:    discordFooter{Text: "IoT監控系統"},
	}}}
}

func webhookURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return discordWebhookBase + strings.TrimPrefix(endpoint, "/")
}

func redact(err error) string {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok && u.Unwrap() != nil {
		return u.Unwrap().Error()
	}
	return "request failed"
}
