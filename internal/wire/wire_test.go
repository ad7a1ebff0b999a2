// ABOUTME: Tests for the chat stream framing
// ABOUTME: Exact bytes on the wire, flushing, and decoding of complete and truncated streams

package wire

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoder_Bytes(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Encode(Event{Type: EventSession, SessionID: "s1"}))
	require.NoError(t, enc.Encode(Event{Type: EventToken, Content: "say \"hi\"\n"}))
	require.NoError(t, enc.Encode(Event{Type: EventFinalToken}))

	want := `{"type":"session","content":"","session_id":"s1"}###END###` + "\n" +
		`{"type":"token","content":"say \"hi\"\n"}###END###` + "\n" +
		`{"type":"final_token","content":""}###END###` + "\n"
	assert.Equal(t, want, buf.String())
}

func TestEncoder_FlushesResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := NewEncoder(rec)

	require.NoError(t, enc.Encode(Event{Type: EventLog, Content: "working"}))
	assert.True(t, rec.Flushed)
}

func TestDecoder_RoundTrip(t *testing.T) {
	events := []Event{
		{Type: EventSession, SessionID: "s1"},
		{Type: EventLog, Content: "Message received, working..."},
		{Type: EventToken, Content: "the separator ###END###\n never splits an event"},
		{Type: EventToken, Content: "{\"json\": true}"},
		{Type: EventCancelled},
		{Type: EventFinalToken},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, ev := range events {
		require.NoError(t, enc.Encode(ev))
	}

	dec := NewDecoder(&buf)
	var got []Event
	for {
		ev, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}
	assert.Equal(t, events, got)
}

func TestDecoder_MissingFinal(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"token","content":"a"}###END###` + "\n"))

	ev, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Content)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, ErrMissingFinal)
}

func TestDecoder_BadJSON(t *testing.T) {
	dec := NewDecoder(strings.NewReader("not json###END###\n"))
	_, err := dec.Decode()
	assert.Error(t, err)
}

func TestEventType_IsTerminal(t *testing.T) {
	assert.True(t, EventCancelled.IsTerminal())
	assert.True(t, EventError.IsTerminal())
	assert.True(t, EventFinalToken.IsTerminal())
	assert.False(t, EventToken.IsTerminal())
	assert.False(t, EventSession.IsTerminal())
}
