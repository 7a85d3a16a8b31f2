// Package config загружает конфигурацию сервиса: YAML файл (необязательный),
// затем переменные окружения, затем значения по умолчанию
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"iot-monitor-service/internal/format"
	"iot-monitor-service/internal/settings"
)

// Config содержит конфигурацию сервиса
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Redis    RedisConfig  `yaml:"redis"`
	Auth     AuthConfig   `yaml:"auth"`
	Sheets   SheetsConfig `yaml:"sheets"`
	Timezone string       `yaml:"timezone"`
	Jobs     JobsConfig   `yaml:"jobs"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	// APIToken секрет устройств для /api/upload и /api/log
	APIToken   string `yaml:"api_token"`
	// CronSecret bearer токен для запуска циклов по расписанию
	CronSecret string `yaml:"cron_secret"`
}

type SheetsConfig struct {
	SettingSheetID  string        `yaml:"setting_sheet_id"`
	SettingRange    string        `yaml:"setting_range"`
	CredentialsJSON string        `yaml:"credentials_json"`
	CredentialsFile string        `yaml:"credentials_file"`
	SettingsTTL     time.Duration `yaml:"settings_ttl"`
}

// JobsConfig интервалы встроенного планировщика; 0 отключает цикл
type JobsConfig struct {
	SyncInterval  time.Duration `yaml:"sync_interval"`
	AlertInterval time.Duration `yaml:"alert_interval"`
}

// LoadConfig читает файл, если путь задан и файл существует,
// и накладывает переменные окружения
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Auth.APIToken = getEnv("API_REQUEST_PWD", c.Auth.APIToken)
	c.Auth.CronSecret = getEnv("CRON_SECRET", c.Auth.CronSecret)
	c.Sheets.SettingSheetID = getEnv("SETTING_SHEET_ID", c.Sheets.SettingSheetID)
	c.Sheets.SettingRange = getEnv("SETTING_SHEET_RANGE", c.Sheets.SettingRange)
	c.Sheets.CredentialsJSON = getEnv("SHEET_CREDENTIAL", c.Sheets.CredentialsJSON)
	c.Sheets.CredentialsFile = getEnv("SHEET_CREDENTIAL_FILE", c.Sheets.CredentialsFile)
	c.Timezone = getEnv("TIMEZONE", c.Timezone)

	var err error
	if c.Redis.DB, err = getEnvInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.Jobs.SyncInterval, err = getEnvDuration("SYNC_INTERVAL", c.Jobs.SyncInterval); err != nil {
		return err
	}
	if c.Jobs.AlertInterval, err = getEnvDuration("ALERT_INTERVAL", c.Jobs.AlertInterval); err != nil {
		return err
	}
	if c.Sheets.SettingsTTL, err = getEnvDuration("SETTINGS_TTL", c.Sheets.SettingsTTL); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// выгрузка в таблицы идет внутри запроса /api/syncToSheets
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Sheets.SettingRange == "" {
		c.Sheets.SettingRange = settings.DefaultRange
	}
	if c.Sheets.SettingsTTL == 0 {
		c.Sheets.SettingsTTL = settings.DefaultTTL
	}
	if c.Timezone == "" {
		c.Timezone = format.DefaultTimezone
	}
}

// Validate проверяет обязательные параметры
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.APIToken == "" {
		errs = append(errs, errors.New("API_REQUEST_PWD is required"))
	}
	if c.Auth.CronSecret == "" {
		errs = append(errs, errors.New("CRON_SECRET is required"))
	}
	if c.Sheets.SettingSheetID == "" {
		errs = append(errs, errors.New("SETTING_SHEET_ID is required"))
	}
	if c.Jobs.SyncInterval < 0 || c.Jobs.AlertInterval < 0 {
		errs = append(errs, errors.New("job intervals must not be negative"))
	}
	if _, err := format.NewFormatter(c.Timezone); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// getEnv получает переменную окружения с значением по умолчанию
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt получает целочисленную переменную окружения
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// getEnvDuration получает длительность ("30s", "5m")
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
