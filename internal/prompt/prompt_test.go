package prompt

import (
	"strings"
	"testing"

	"github.com/aakaash/commander-relay/internal/domain"
)

func TestComposePerMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode      domain.Mode
		directive string
	}{
		{domain.ModeFriendly, "You are friendly and helpful."},
		{domain.ModeRobotic, "You are a robotic assistant. Reply tersely."},
		{domain.ModeStrict, "You are strict and formal."},
	}
	for _, tc := range tests {
		t.Run(string(tc.mode), func(t *testing.T) {
			got := Compose("status?", tc.mode)
			want := tc.directive + "\nUser: status?\nAssistant:"
			if got != want {
				t.Errorf("Compose = %q, want %q", got, want)
			}
		})
	}
}

func TestComposeUnknownModeFallsBackToFriendly(t *testing.T) {
	t.Parallel()

	got := Compose("hi", domain.Mode("sarcastic"))
	if !strings.HasPrefix(got, "You are friendly and helpful.\n") {
		t.Errorf("unknown mode composed %q, want friendly directive", got)
	}
}

func TestComposeIsDeterministic(t *testing.T) {
	t.Parallel()

	a := Compose("same input", domain.ModeStrict)
	b := Compose("same input", domain.ModeStrict)
	if a != b {
		t.Errorf("same inputs composed differently: %q vs %q", a, b)
	}
}

func TestComposePreservesMessageVerbatim(t *testing.T) {
	t.Parallel()

	// Newlines, quotes, and non-ASCII text pass through untouched.
	msg := "line one\nline two \"quoted\" 状态 🚀"
	got := Compose(msg, domain.ModeFriendly)
	if !strings.Contains(got, "User: "+msg+"\nAssistant:") {
		t.Errorf("message altered in prompt: %q", got)
	}
}
