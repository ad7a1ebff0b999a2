// ABOUTME: Chat stream events and their line-delimited JSON framing
// ABOUTME: Encoder writes and flushes one event at a time; Decoder reads them back

package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Separator terminates every event on the wire.
const Separator = "###END###\n"

// EventType names an event.
type EventType string

const (
	EventSession    EventType = "session"
	EventLog        EventType = "log"
	EventToken      EventType = "token"
	EventCancelled  EventType = "cancelled"
	EventError      EventType = "error"
	EventFinalToken EventType = "final_token"
)

// IsTerminal reports whether t ends the content part of a stream.
func (t EventType) IsTerminal() bool {
	return t == EventCancelled || t == EventError || t == EventFinalToken
}

// Event is one message on the wire.
type Event struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content"`
	SessionID string    `json:"session_id,omitempty"`
}

// ErrMissingFinal is returned by Decoder when the stream ends without final_token.
var ErrMissingFinal = errors.New("stream ended without final_token")

// Encoder writes events to w, flushing after each one when w supports it.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder creates an Encoder for w.
func NewEncoder(w io.Writer) *Encoder {
	f, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: f}
}

// Encode writes ev followed by the separator.
func (e *Encoder) Encode(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	data = append(data, Separator...)

	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Decoder reads events written by an Encoder.
type Decoder struct {
	scanner *bufio.Scanner
	final   bool
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	scanner.Split(splitEvents)
	return &Decoder{scanner: scanner}
}

// Decode returns the next event. After final_token it returns io.EOF; if the
// input ends before final_token it returns ErrMissingFinal.
func (d *Decoder) Decode() (Event, error) {
	if d.final {
		return Event{}, io.EOF
	}

	for d.scanner.Scan() {
		raw := bytes.TrimSpace(d.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Event{}, fmt.Errorf("decoding event %q: %w", raw, err)
		}
		if ev.Type == EventFinalToken {
			d.final = true
		}
		return ev, nil
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("reading stream: %w", err)
	}
	return Event{}, ErrMissingFinal
}

// splitEvents is a bufio.SplitFunc that cuts at the separator
func splitEvents(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte(Separator)); i >= 0 {
		return i + len(Separator), data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
