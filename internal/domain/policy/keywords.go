package policy

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// KeywordMatch — одно совпадение ключевого слова в тексте.
type KeywordMatch struct {
	Keyword string
	Start   int
	End     int
}

// KeywordMatcher — потокобезопасный набор ключевых слов для одного
// тенанта/группы, сопоставляемый по границам Unicode-слова, без учёта
// регистра. Специальные regex-символы в ключевых словах трактуются буквально.
type KeywordMatcher struct {
	mu       sync.RWMutex
	keywords map[string]*regexp.Regexp // lower(keyword) -> compiled matcher
	order    []string                  // порядок добавления, для стабильного вывода
}

// NewKeywordMatcher создаёт пустой матчер.
func NewKeywordMatcher() *KeywordMatcher {
	return &KeywordMatcher{keywords: make(map[string]*regexp.Regexp)}
}

// AddKeyword добавляет одно ключевое слово. Пустые строки игнорируются.
func (m *KeywordMatcher) AddKeyword(keyword string) {
	m.AddKeywords([]string{keyword})
}

// AddKeywords добавляет несколько ключевых слов за одну блокировку.
func (m *KeywordMatcher) AddKeywords(keywords []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		key := strings.ToLower(kw)
		if _, exists := m.keywords[key]; exists {
			continue
		}
		pattern := `(^|[^\p{L}\p{N}])(` + regexp.QuoteMeta(kw) + `)([^\p{L}\p{N}]|$)`
		m.keywords[key] = regexp.MustCompile(`(?i)` + pattern)
		m.order = append(m.order, key)
	}
}

// RemoveKeyword удаляет ключевое слово, если оно присутствует.
func (m *KeywordMatcher) RemoveKeyword(keyword string) {
	key := strings.ToLower(strings.TrimSpace(keyword))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keywords[key]; !exists {
		return
	}
	delete(m.keywords, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// HasMatch сообщает, встречается ли хотя бы одно ключевое слово в тексте.
func (m *KeywordMatcher) HasMatch(text string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, re := range m.keywords {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// FindMatches возвращает все совпадения, отсортированные слева направо по
// стартовому индексу; при равном старте побеждает более длинное ключевое
// слово (перекрывающиеся ключевые слова допускаются и оба попадают в набор
// кандидатов; сортировка их не схлопывает, дедупликации нет).
func (m *KeywordMatcher) FindMatches(text string) []KeywordMatch {
	m.mu.RLock()
	keys := make([]string, len(m.order))
	copy(keys, m.order)
	patterns := make(map[string]*regexp.Regexp, len(m.keywords))
	for k, re := range m.keywords {
		patterns[k] = re
	}
	m.mu.RUnlock()

	var matches []KeywordMatch
	for _, key := range keys {
		re := patterns[key]
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			// loc: [fullStart, fullEnd, g1Start, g1End, g2Start, g2End, g3Start, g3End]
			start, end := loc[4], loc[5]
			matches = append(matches, KeywordMatch{
				Keyword: text[start:end],
				Start:   start,
				End:     end,
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Start != matches[j].Start {
			return matches[i].Start < matches[j].Start
		}
		return (matches[i].End - matches[i].Start) > (matches[j].End - matches[j].Start)
	})

	return matches
}
