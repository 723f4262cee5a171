// Package prompt builds backend-ready prompts from raw user messages.
package prompt

import "github.com/aakaash/commander-relay/internal/domain"

// systemDirectives maps each mode to its fixed system directive.
var systemDirectives = map[domain.Mode]string{
	domain.ModeFriendly: "You are friendly and helpful.",
	domain.ModeRobotic:  "You are a robotic assistant. Reply tersely.",
	domain.ModeStrict:   "You are strict and formal.",
}

// Compose wraps a raw user message with the system directive for mode and a
// trailing marker for where the assistant reply begins. Pure and
// deterministic: the same (message, mode) pair always yields the same prompt.
// Unknown modes use the friendly directive.
func Compose(rawMessage string, mode domain.Mode) string {
	directive, ok := systemDirectives[mode]
	if !ok {
		directive = systemDirectives[domain.ModeFriendly]
	}
	return directive + "\nUser: " + rawMessage + "\nAssistant:"
}
