package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var (
	unitSep    = []byte("\n\n")
	dataPrefix = []byte("data:")
)

// Decoder reassembles stream events from an incremental byte stream. The
// transport may deliver any slice of the stream per call: a fraction of a
// unit, several units, or unit fragments spanning deliveries. The decoder
// does its own boundary buffering and only yields complete units.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends p to the internal buffer and returns every complete event now
// available. A nil slice means no unit boundary has arrived yet.
func (d *Decoder) Feed(p []byte) ([]Event, error) {
	d.buf.Write(p)

	var events []Event
	for {
		raw := d.buf.Bytes()
		idx := bytes.Index(raw, unitSep)
		if idx < 0 {
			return events, nil
		}
		unit := make([]byte, idx)
		copy(unit, raw[:idx])
		d.buf.Next(idx + len(unitSep))

		ev, ok, err := parseUnit(unit)
		if err != nil {
			return events, err
		}
		if ok {
			events = append(events, ev)
		}
	}
}

// parseUnit extracts the event from one SSE unit. Units without a data line
// (comments, retry hints) are skipped, not errors.
func parseUnit(unit []byte) (Event, bool, error) {
	for _, line := range bytes.Split(unit, []byte("\n")) {
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return Event{}, false, fmt.Errorf("parse stream event %q: %w", payload, err)
		}
		return ev, true, nil
	}
	return Event{}, false, nil
}

// Entry is one rendered transcript entry on the consuming side.
type Entry struct {
	Content   string
	Streaming bool
}

// Transcript applies decoded events to incremental display state: token
// events grow the open entry, done closes it, errors surface without leaving
// the transcript stuck mid-entry so the caller can immediately send again.
type Transcript struct {
	entries []Entry
	lastErr *ErrorInfo
}

// Apply folds one event into the transcript state.
func (t *Transcript) Apply(ev Event) {
	switch {
	case ev.Error != nil:
		info := *ev.Error
		t.lastErr = &info
		t.closeOpen()
	case ev.Done:
		t.closeOpen()
	case ev.IsToken():
		if len(t.entries) == 0 || !t.entries[len(t.entries)-1].Streaming {
			t.entries = append(t.entries, Entry{Streaming: true})
		}
		t.entries[len(t.entries)-1].Content += ev.TokenText
	}
}

func (t *Transcript) closeOpen() {
	if len(t.entries) > 0 && t.entries[len(t.entries)-1].Streaming {
		t.entries[len(t.entries)-1].Streaming = false
	}
}

// Entries returns the transcript entries accumulated so far.
func (t *Transcript) Entries() []Entry {
	return t.entries
}

// Streaming reports whether an entry is still open, i.e. whether the caller
// should hold further input.
func (t *Transcript) Streaming() bool {
	return len(t.entries) > 0 && t.entries[len(t.entries)-1].Streaming
}

// LastError returns the most recent error event, if any.
func (t *Transcript) LastError() *ErrorInfo {
	return t.lastErr
}
