package policy

import (
	"net/url"
	"strings"
)

// trackingParamPrefixes/trackingParamExact — хорошо известные параметры отслеживания, вычищаемые при
// нормализации URL. Список — не часть политики тенанта, это гигиена ссылок.
var trackingParamPrefixes = []string{"utm_"}
var trackingParamExact = map[string]bool{
	"fbclid": true,
	"gclid":  true,
}

// NormalizeURL приводит схему и хост к нижнему регистру и убирает параметры
// отслеживания. Путь и оставшиеся параметры запроса сохраняют регистр.
// Некорректный URL возвращается без изменений.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.RawQuery != "" {
		values := u.Query()
		for key := range values {
			lower := strings.ToLower(key)
			if trackingParamExact[lower] || hasTrackingPrefix(lower) {
				values.Del(key)
			}
		}
		u.RawQuery = values.Encode()
	}

	return u.String()
}

func hasTrackingPrefix(key string) bool {
	for _, prefix := range trackingParamPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// ExtractDomain возвращает хост URL (уже в оригинальном регистре парсера) или
// пустую строку, если URL не парсится либо не имеет хоста.
func ExtractDomain(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := u.Hostname()
	if host == "" {
		return "", false
	}
	return host, true
}

// PublicSuffixList — порт: список известных публичных суффиксов (TLD и
// производные, например "co.uk"), внедряемый вызывающей стороной. Движок
// политики не зашивает список эвристик eTLD+1 в код.
type PublicSuffixList interface {
	// IsPublicSuffix сообщает, является ли label-последовательность (без
	// ведущей точки, в нижнем регистре) зарегистрированным публичным
	// суффиксом, например "co.uk" или "com".
	IsPublicSuffix(suffix string) bool
}

// defaultSuffixList — минимальный встроенный список для тестов/развёртываний
// без внешнего источника eTLD+1. Используется только если GetETLDPlusOne
// вызывается с nil-списком.
type defaultSuffixList struct{}

func (defaultSuffixList) IsPublicSuffix(suffix string) bool {
	switch suffix {
	case "co.uk", "com.au", "co.jp", "org.uk", "gov.uk":
		return true
	}
	return false
}

// DefaultPublicSuffixList — встроенный, заведомо неполный список для удобства
// вызова без явного порта; production-код должен передать реальный список.
var DefaultPublicSuffixList PublicSuffixList = defaultSuffixList{}

// GetETLDPlusOne возвращает "зарегистрированный домен" (последние два label,
// либо три, если последние два образуют известный составной публичный
// суффикс из переданного списка) для host. Эвристика — входной порт, не
// встроенная константа.
func GetETLDPlusOne(host string, suffixes PublicSuffixList) string {
	if suffixes == nil {
		suffixes = DefaultPublicSuffixList
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}

	lastTwo := strings.Join(labels[len(labels)-2:], ".")
	if len(labels) >= 3 && suffixes.IsPublicSuffix(lastTwo) {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return lastTwo
}
