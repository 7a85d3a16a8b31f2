package models

import "fmt"

// ValidationError некорректный входной запрос
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// AuthError неверный токен доступа
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "unauthorized: " + e.Reason
}

// ConfigSourceError источник настроек недоступен или поврежден
type ConfigSourceError struct {
	Reason string
	Err    error
}

func (e *ConfigSourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config source: %s: %v", e.Reason, e.Err)
	}
	return "config source: " + e.Reason
}

func (e *ConfigSourceError) Unwrap() error { return e.Err }

// SyncError ошибка выгрузки очереди одного устройства
type SyncError struct {
	DeviceID string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync device %s: %v", e.DeviceID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NotificationError приемник уведомлений отклонил сообщение
type NotificationError struct {
	StatusCode int
	Err        error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification failed: %v", e.Err)
	}
	return fmt.Sprintf("notification failed: status %d", e.StatusCode)
}

func (e *NotificationError) Unwrap() error { return e.Err }
