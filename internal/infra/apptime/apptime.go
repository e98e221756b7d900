// Package apptime предоставляет вспомогательные функции форматирования
// времени в произвольной таймзоне, поверх infra/clock как единственного
// источника текущего момента приложения.
package apptime

import (
	"time"

	"moderation-core/internal/infra/clock"
	"moderation-core/internal/infra/timeutil"
)

// FormatInTimezone форматирует время t в указанной таймзоне согласно layout.
// Если timezone некорректна, используется таймзона, настроенная в clock.
func FormatInTimezone(t time.Time, timezone, layout string) string {
	loc, err := timeutil.ParseLocation(timezone)
	if err != nil {
		loc = clock.Now().Location()
	}
	return t.In(loc).Format(layout)
}

// DateKey возвращает t как ISO-дату "2006-01-02" в настроенной таймзоне
// приложения (формат ключа суточного rollup'а).
func DateKey(t time.Time) string {
	return t.In(clock.Now().Location()).Format("2006-01-02")
}
