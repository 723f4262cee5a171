// Package codec frames relay output as discrete stream events and decodes
// such streams back into incremental transcript state.
//
// Each event is one independently parseable unit. On the wire (SSE) a unit is
// a single "data: <json>" line terminated by a blank line; over transports
// with native message boundaries (WebSocket) a unit is one message carrying
// the same JSON payload.
package codec

import (
	"encoding/json"
	"fmt"
)

// ErrorInfo carries a machine-readable error kind plus human detail.
type ErrorInfo struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Event is one unit of the relay's output protocol. Exactly one of the three
// variants is set: a token fragment, an error signal, or a completion signal.
type Event struct {
	TokenText string     `json:"token,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Done      bool       `json:"done,omitempty"`
}

// Token builds a token event carrying one decoded text fragment.
func Token(text string) Event {
	return Event{TokenText: text}
}

// Errorf builds an error event with a formatted detail message.
func Errorf(kind, format string, args ...any) Event {
	return Event{Error: &ErrorInfo{Kind: kind, Detail: fmt.Sprintf(format, args...)}}
}

// DoneEvent builds the terminal completion event.
func DoneEvent() Event {
	return Event{Done: true}
}

// IsToken reports whether e is a token event. The variant must be present:
// a unit carrying none of the three fields, such as a bare "{}", is not a
// token and consumers skip it.
func (e Event) IsToken() bool {
	return e.TokenText != "" && e.Error == nil && !e.Done
}

// Payload returns the JSON encoding of the event.
func (e Event) Payload() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal stream event: %w", err)
	}
	return data, nil
}
