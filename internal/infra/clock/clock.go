// Package clock предоставляет текущее время ядра модерации в согласованной
// таймзоне, настраиваемой конфигурацией ролапов (см. infra/config).
package clock

import (
	"sync/atomic"
	"time"
)

var location atomic.Pointer[time.Location]

func init() {
	location.Store(time.UTC)
}

// SetLocation переключает таймзону, используемую Now(). Вызывается один раз
// при старте приложения после разбора конфигурации.
func SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	location.Store(loc)
}

// Now возвращает текущее время в настроенной таймзоне приложения.
func Now() time.Time {
	return time.Now().In(location.Load())
}
