// Package policy реализует текстовую/URL-нормализацию, сопоставление ключевых
// слов и движок правил, дающий вердикт модерации. Все функции здесь чистые:
// одинаковый вход всегда даёт одинаковый выход, без побочных эффектов и I/O.
package policy

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"moderation-core/internal/domain/model"
)

// Zero-width символы, вычищаемые перед сопоставлением: ZWSP, ZWNJ, ZWJ, BOM.
var zeroWidthReplacer = strings.NewReplacer(
	"​", "",
	"‌", "",
	"‍", "",
	"﻿", "",
)

var (
	urlPattern     = regexp.MustCompile(`https?://[^\s]+`)
	mentionPattern = regexp.MustCompile(`@[A-Za-z0-9_]+`)
	hashtagPattern = regexp.MustCompile(`#[A-Za-z0-9_]+`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

// Normalize строит NormalizedContent из входного текста. Никогда не
// возвращает ошибку: некорректный или пустой вход даёт пустые поля.
func Normalize(text string) model.NormalizedContent {
	original := text

	// NFKC: совместимая декомпозиция + каноническая композиция. Складывает
	// полноширинные символы, лигатуры и верхние индексы в обычную форму, чтобы
	// они не давали отдельный фингерпринт вердикт-кэша от визуально того же текста.
	composed := norm.NFKC.String(text)
	composed = zeroWidthReplacer.Replace(composed)

	urls := dedupPreserveOrder(urlPattern.FindAllString(composed, -1))
	mentions := dedupPreserveOrder(mentionPattern.FindAllString(composed, -1))
	hashtags := dedupPreserveOrder(hashtagPattern.FindAllString(composed, -1))

	lowered := strings.ToLower(composed)
	collapsed := whitespaceRun.ReplaceAllString(lowered, " ")
	collapsed = strings.TrimSpace(collapsed)

	return model.NormalizedContent{
		OriginalText:   original,
		NormalizedText: collapsed,
		URLs:           urls,
		Mentions:       mentions,
		Hashtags:       hashtags,
	}
}

// dedupPreserveOrder сохраняет порядок первого появления, но НЕ убирает
// дубликаты для urls/mentions/hashtags — раздел 4.1 требует "duplicates
// preserved". Функция оставлена как явный проход без изменений для
// единообразия с остальными "extract*" шагами пайплайна.
func dedupPreserveOrder(items []string) []string {
	if items == nil {
		return []string{}
	}
	out := make([]string, len(items))
	copy(out, items)
	return out
}

// isWordRune сообщает, входит ли руна в Unicode-границу "слова" для целей
// KeywordMatcher (буква или цифра в широком Unicode-смысле).
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}
