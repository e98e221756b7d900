package policy

import (
	"sync"
	"unicode"

	"moderation-core/internal/domain/model"
)

// Verdict thresholds (defaults; a shipping deployment overrides these from
// tenant policy configuration — see Thresholds / WithThresholds below).
const (
	DefaultBlockThreshold  = 80
	DefaultReviewThreshold = 40
)

// Thresholds параметризует точки перехода total score -> Verdict.
type Thresholds struct {
	Block  int
	Review int
}

// Rule — одно правило движка политики. Match — чистая функция контента.
type Rule struct {
	ID     string
	Name   string
	Weight int
	Match  func(model.NormalizedContent) bool
}

// Engine — детерминированный движок правил. Нормализует один раз, затем
// прогоняет все правила; набор правил защищён RWMutex, как
// FilterEngine в исходном боте для наборов фильтров.
type Engine struct {
	mu         sync.RWMutex
	rules      []Rule // порядок добавления; при повторном ID последний побеждает
	thresholds Thresholds
}

// NewEngine создаёт движок с порогами по умолчанию.
func NewEngine() *Engine {
	return &Engine{thresholds: Thresholds{Block: DefaultBlockThreshold, Review: DefaultReviewThreshold}}
}

// WithThresholds переопределяет пороги блокировки/ревью (из конфигурации
// политики тенанта).
func (e *Engine) WithThresholds(t Thresholds) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds = t
	return e
}

// AddRule добавляет правило. Если правило с таким ID уже существует, новое
// определение заменяет старое и считается "самым недавно добавленным" для
// целей тай-брейка в Evaluate.
func (e *Engine) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.rules {
		if existing.ID == r.ID {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			break
		}
	}
	e.rules = append(e.rules, r)
}

// RemoveRule убирает правило по ID, если оно присутствует.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.rules {
		if existing.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return
		}
	}
}

// Thresholds возвращает текущие пороги block/review — нужно вызывающей
// стороне (ModerationWorker) для пересчёта вердикта после MergeAIScore.
func (e *Engine) Thresholds() Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

// Rules возвращает защитную копию текущего набора правил.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate нормализует text один раз и прогоняет все правила, давая
// PolicyVerdict. Чистая и детерминированная функция при фиксированном
// наборе правил.
func (e *Engine) Evaluate(text string) model.PolicyVerdict {
	normalized := Normalize(text)
	return e.EvaluateNormalized(normalized)
}

// EvaluateNormalized оценивает уже нормализованный контент — используется
// ModerationWorker, который нормализует один раз и переиспользует результат
// для кэш-фингерпринта и оценки правил.
func (e *Engine) EvaluateNormalized(content model.NormalizedContent) model.PolicyVerdict {
	e.mu.RLock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	thresholds := e.thresholds
	e.mu.RUnlock()

	scores := make(map[string]int)
	var matchedNames []string

	for _, rule := range rules {
		if rule.Match == nil || !rule.Match(content) {
			continue
		}
		scores[rule.ID] = rule.Weight
		matchedNames = append(matchedNames, rule.Name)
	}

	total := 0
	for _, s := range scores {
		total += s
	}

	verdict := model.VerdictAllow
	switch {
	case total >= thresholds.Block:
		verdict = model.VerdictBlock
	case total >= thresholds.Review:
		verdict = model.VerdictReview
	}

	reason := "no rules matched"
	if len(matchedNames) > 0 {
		reason = matchedNames[len(matchedNames)-1]
	}

	return model.PolicyVerdict{
		Verdict:      verdict,
		Reason:       reason,
		Scores:       scores,
		RulesMatched: matchedNames,
	}
}

// MergeAIScore накапливает AI-оценку спама в вердикт под синтетическим
// правилом "ai.spam" с весом floor(100*score), пересчитывая total/verdict.
func MergeAIScore(v model.PolicyVerdict, spamScore float64, thresholds Thresholds) model.PolicyVerdict {
	weight := int(spamScore * 100)
	if weight < 0 {
		weight = 0
	}

	scores := make(map[string]int, len(v.Scores)+1)
	for k, val := range v.Scores {
		scores[k] = val
	}
	scores["ai.spam"] = weight

	matched := make([]string, len(v.RulesMatched))
	copy(matched, v.RulesMatched)
	if weight > 0 {
		matched = append(matched, "AI Spam Score")
	}

	total := 0
	for _, s := range scores {
		total += s
	}

	verdict := model.VerdictAllow
	switch {
	case total >= thresholds.Block:
		verdict = model.VerdictBlock
	case total >= thresholds.Review:
		verdict = model.VerdictReview
	}

	reason := v.Reason
	if weight > 0 {
		reason = "AI Spam Score"
	}

	return model.PolicyVerdict{
		Verdict:      verdict,
		Reason:       reason,
		Scores:       scores,
		RulesMatched: matched,
		Confidence:   v.Confidence,
	}
}

// DefaultRules возвращает the illustrative default rule set named in the
// component design: profanity and excessive-caps detectors. A shipping
// deployment loads its own weighted rules from tenant policy configuration
// (see SPEC_FULL.md §9 Open Questions) — these are starting defaults only.
func DefaultRules() []Rule {
	profanityMatcher := NewKeywordMatcher()
	profanityMatcher.AddKeywords([]string{"spam", "scam"})

	return []Rule{
		{
			ID:     "profanity",
			Name:   "Profanity Filter",
			Weight: 80,
			Match: func(c model.NormalizedContent) bool {
				return profanityMatcher.HasMatch(c.NormalizedText)
			},
		},
		{
			ID:     "excessive_caps",
			Name:   "Excessive Caps",
			Weight: 30,
			Match:  isExcessiveCaps,
		},
	}
}

// isExcessiveCaps flags messages whose original text is mostly uppercase
// letters over a minimum length, a classic "shouting" heuristic.
func isExcessiveCaps(c model.NormalizedContent) bool {
	const minLetters = 10
	const upperRatio = 0.7

	letters := 0
	upper := 0
	for _, r := range c.OriginalText {
		if !isLetterForCaps(r) {
			continue
		}
		letters++
		if isUpperForCaps(r) {
			upper++
		}
	}
	if letters < minLetters {
		return false
	}
	return float64(upper)/float64(letters) >= upperRatio
}

func isLetterForCaps(r rune) bool { return unicode.IsLetter(r) }
func isUpperForCaps(r rune) bool  { return unicode.IsUpper(r) }
