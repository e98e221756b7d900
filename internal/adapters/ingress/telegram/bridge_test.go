package telegram

import (
	"strings"
	"testing"

	"github.com/gotd/td/tg"
)

func TestSenderID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		msg  *tg.Message
		want int64
	}{
		{
			name: "fromIDPresent",
			msg:  &tg.Message{FromID: &tg.PeerUser{UserID: 42}, PeerID: &tg.PeerChat{ChatID: 7}},
			want: 42,
		},
		{
			name: "fromIDAbsentFallsBackToPeer",
			msg:  &tg.Message{PeerID: &tg.PeerUser{UserID: 99}},
			want: 99,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := senderID(tc.msg); got != tc.want {
				t.Fatalf("senderID() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestFormatMessageID(t *testing.T) {
	t.Parallel()

	if got, want := formatMessageID(123), "123"; got != want {
		t.Fatalf("formatMessageID() = %q, want %q", got, want)
	}
}

func TestFormatTenantID(t *testing.T) {
	t.Parallel()

	if got, want := formatTenantID(-555), "-555"; got != want {
		t.Fatalf("formatTenantID() = %q, want %q", got, want)
	}
}

func TestMarkAndCheckNewUser(t *testing.T) {
	t.Parallel()

	b := &Bridge{seenUsers: make(map[int64]struct{})}

	if !b.markAndCheckNewUser(10) {
		t.Fatal("first sighting of user 10 should be reported as new")
	}
	if b.markAndCheckNewUser(10) {
		t.Fatal("second sighting of user 10 should not be reported as new")
	}
	if !b.markAndCheckNewUser(11) {
		t.Fatal("first sighting of a different user should be reported as new")
	}
}

func TestHasLinkDetection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		want bool
	}{
		{text: "check out https://example.com", want: true},
		{text: "no links here", want: false},
		{text: "HTTP in caps still counts", want: true},
	}

	for _, tc := range cases {
		got := strings.Contains(strings.ToLower(tc.text), hasLinkPrefix)
		if got != tc.want {
			t.Fatalf("hasLinks(%q) = %t, want %t", tc.text, got, tc.want)
		}
	}
}
