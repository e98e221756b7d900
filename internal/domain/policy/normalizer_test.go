package policy_test

import (
	"testing"

	"moderation-core/internal/domain/policy"
)

func TestNormalizeStripsZeroWidthChars(t *testing.T) {
	t.Parallel()

	got := policy.Normalize("hello​world‌‍﻿")
	if got.NormalizedText != "helloworld" {
		t.Fatalf("NormalizedText = %q, want %q", got.NormalizedText, "helloworld")
	}
}

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	t.Parallel()

	got := policy.Normalize("hello    world\n\n\nthere")
	if got.NormalizedText != "hello world there" {
		t.Fatalf("NormalizedText = %q, want %q", got.NormalizedText, "hello world there")
	}
}

func TestNormalizeExtractsURLsMentionsHashtags(t *testing.T) {
	t.Parallel()

	got := policy.Normalize("check https://a.example.com and https://b.example.com cc @bob #spam")
	wantURLs := []string{"https://a.example.com", "https://b.example.com"}
	if len(got.URLs) != len(wantURLs) {
		t.Fatalf("URLs = %v, want %v", got.URLs, wantURLs)
	}
	for i, u := range wantURLs {
		if got.URLs[i] != u {
			t.Fatalf("URLs[%d] = %q, want %q", i, got.URLs[i], u)
		}
	}
	if len(got.Mentions) != 1 || got.Mentions[0] != "@bob" {
		t.Fatalf("Mentions = %v", got.Mentions)
	}
	if len(got.Hashtags) != 1 || got.Hashtags[0] != "#spam" {
		t.Fatalf("Hashtags = %v", got.Hashtags)
	}
}

func TestNormalizeNeverFails(t *testing.T) {
	t.Parallel()

	cases := []string{"", "   ", "​​", "✓🙂", "\x00"}
	for _, c := range cases {
		got := policy.Normalize(c)
		_ = got // must not panic
	}
}

func TestNormalizeURLStripsTrackingParams(t *testing.T) {
	t.Parallel()

	got := policy.NormalizeURL("https://example.com/page?utm_source=x&utm_medium=y&content=test")
	want := "https://example.com/page?content=test"
	if got != want {
		t.Fatalf("NormalizeURL() = %q, want %q", got, want)
	}
}

func TestExtractDomain(t *testing.T) {
	t.Parallel()

	host, ok := policy.ExtractDomain("https://www.example.com/p")
	if !ok || host != "www.example.com" {
		t.Fatalf("ExtractDomain() = (%q, %v), want (www.example.com, true)", host, ok)
	}
}

func TestGetETLDPlusOne(t *testing.T) {
	t.Parallel()

	got := policy.GetETLDPlusOne("subdomain.test.example.org", nil)
	if got != "example.org" {
		t.Fatalf("GetETLDPlusOne() = %q, want example.org", got)
	}
}

func TestNormalizeURLInvalidReturnedUnchanged(t *testing.T) {
	t.Parallel()

	raw := "not a url at all"
	if got := policy.NormalizeURL(raw); got != raw {
		t.Fatalf("NormalizeURL(%q) = %q, want unchanged", raw, got)
	}
}
