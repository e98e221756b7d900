package policy_test

import (
	"testing"

	"moderation-core/internal/domain/model"
	"moderation-core/internal/domain/policy"
)

func newDefaultEngine() *policy.Engine {
	e := policy.NewEngine()
	for _, r := range policy.DefaultRules() {
		e.AddRule(r)
	}
	return e
}

func TestEvaluateAllowsBenignMessage(t *testing.T) {
	t.Parallel()

	v := newDefaultEngine().Evaluate("Hello, how are you today?")
	if v.Verdict != model.VerdictAllow {
		t.Fatalf("Verdict = %q, want allow", v.Verdict)
	}
}

func TestEvaluateBlocksSpamScam(t *testing.T) {
	t.Parallel()

	v := newDefaultEngine().Evaluate("This is spam and scam content")
	if v.Verdict != model.VerdictBlock {
		t.Fatalf("Verdict = %q, want block", v.Verdict)
	}
	if v.Scores["profanity"] != 80 {
		t.Fatalf("scores.profanity = %d, want 80", v.Scores["profanity"])
	}
	found := false
	for _, name := range v.RulesMatched {
		if name == "Profanity Filter" {
			found = true
		}
	}
	if !found {
		t.Fatalf("rulesMatched = %v, want to include Profanity Filter", v.RulesMatched)
	}
}

func TestEvaluateExcessiveCapsStaysAllow(t *testing.T) {
	t.Parallel()

	v := newDefaultEngine().Evaluate("HELLO EVERYONE THIS IS A VERY LONG CAPS MESSAGE")
	if v.Verdict != model.VerdictAllow {
		t.Fatalf("Verdict = %q, want allow", v.Verdict)
	}
	if v.Scores["excessive_caps"] != 30 {
		t.Fatalf("scores.excessive_caps = %d, want 30", v.Scores["excessive_caps"])
	}
}

func TestAddRuleReplacesByID(t *testing.T) {
	t.Parallel()

	e := policy.NewEngine()
	e.AddRule(policy.Rule{ID: "r1", Name: "first", Weight: 10, Match: func(model.NormalizedContent) bool { return true }})
	e.AddRule(policy.Rule{ID: "r1", Name: "second", Weight: 20, Match: func(model.NormalizedContent) bool { return true }})

	v := e.Evaluate("anything")
	if v.Scores["r1"] != 20 {
		t.Fatalf("expected replaced rule weight 20, got %d", v.Scores["r1"])
	}
	if len(v.RulesMatched) != 1 || v.RulesMatched[0] != "second" {
		t.Fatalf("rulesMatched = %v, want [second]", v.RulesMatched)
	}
}

func TestMergeAIScoreContributesSyntheticRule(t *testing.T) {
	t.Parallel()

	base := model.PolicyVerdict{Verdict: model.VerdictAllow, Scores: map[string]int{}}
	merged := policy.MergeAIScore(base, 0.85, policy.Thresholds{Block: 80, Review: 40})

	if merged.Scores["ai.spam"] != 85 {
		t.Fatalf("ai.spam score = %d, want 85", merged.Scores["ai.spam"])
	}
	if merged.Verdict != model.VerdictBlock {
		t.Fatalf("Verdict = %q, want block", merged.Verdict)
	}
}

func TestRemoveRule(t *testing.T) {
	t.Parallel()

	e := policy.NewEngine()
	e.AddRule(policy.Rule{ID: "r1", Name: "r1", Weight: 100, Match: func(model.NormalizedContent) bool { return true }})
	e.RemoveRule("r1")

	v := e.Evaluate("anything")
	if v.Verdict != model.VerdictAllow || len(v.Scores) != 0 {
		t.Fatalf("expected no rules after removal, got %#v", v)
	}
}
