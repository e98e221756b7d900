package policy_test

import (
	"testing"

	"moderation-core/internal/domain/policy"
)

func TestKeywordMatcherCaseInsensitiveWordBoundary(t *testing.T) {
	t.Parallel()

	m := policy.NewKeywordMatcher()
	m.AddKeyword("spam")

	if !m.HasMatch("This is SPAM content") {
		t.Fatalf("expected match for case-insensitive keyword")
	}
	if m.HasMatch("spammer") {
		t.Fatalf("did not expect match inside a larger word")
	}
}

func TestKeywordMatcherLiteralSpecialChars(t *testing.T) {
	t.Parallel()

	m := policy.NewKeywordMatcher()
	m.AddKeyword("c++")

	if !m.HasMatch("I love c++ programming") {
		t.Fatalf("expected literal match of regex-special keyword")
	}
}

func TestKeywordMatcherFindMatchesOrderAndOverlap(t *testing.T) {
	t.Parallel()

	m := policy.NewKeywordMatcher()
	m.AddKeywords([]string{"spam", "spam content"})

	matches := m.FindMatches("this is spam content here")
	if len(matches) < 2 {
		t.Fatalf("expected overlapping matches, got %v", matches)
	}
	if matches[0].Start > matches[1].Start {
		t.Fatalf("matches not left-to-right ordered: %v", matches)
	}
	if matches[0].Start == matches[1].Start && (matches[0].End-matches[0].Start) < (matches[1].End-matches[1].Start) {
		t.Fatalf("equal-start tie-break did not favor longer keyword: %v", matches)
	}
}

func TestKeywordMatcherRemove(t *testing.T) {
	t.Parallel()

	m := policy.NewKeywordMatcher()
	m.AddKeyword("spam")
	m.RemoveKeyword("spam")

	if m.HasMatch("spam") {
		t.Fatalf("expected no match after removal")
	}
}
