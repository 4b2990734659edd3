// Package framing implements the normalized event stream spoken between the
// inference proxy and the completion client.
//
// Every event is one line prefixed with "data: " followed by a blank line.
// The payload is either {"token":"..."}, {"error":"..."} or the literal
// terminal marker [DONE].
package framing

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

const (
	Prefix         = "data:"
	TerminalMarker = "[DONE]"
)

// Kind discriminates decoded events.
type Kind int

const (
	KindToken Kind = iota
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded frame.
type Event struct {
	Kind    Kind
	Token   string
	Message string
}

type payload struct {
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// StreamError is an error event received on the stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return e.Message }

// Encoder writes framed events. When the underlying writer can flush
// (http.Flusher, echo.Response) each event is flushed as soon as it is written.
type Encoder struct {
	w     io.Writer
	flush func()
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(interface{ Flush() }); ok {
		e.flush = f.Flush
	}
	return e
}

// Token writes one incremental unit of the reply.
func (e *Encoder) Token(token string) error {
	return e.writeJSON(payload{Token: token})
}

// Error writes a terminal error event.
func (e *Encoder) Error(message string) error {
	return e.writeJSON(payload{Error: message})
}

// Done writes the terminal marker.
func (e *Encoder) Done() error {
	return e.write(TerminalMarker)
}

func (e *Encoder) writeJSON(p payload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return e.write(string(b))
}

func (e *Encoder) write(data string) error {
	if _, err := io.WriteString(e.w, Prefix+" "+data+"\n\n"); err != nil {
		return err
	}
	if e.flush != nil {
		e.flush()
	}
	return nil
}

// Decoder reads framed events from a byte stream that may arrive in
// arbitrary chunks. Partial lines are buffered until their newline arrives.
type Decoder struct {
	reader *bufio.Reader
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// Next returns the next meaningful event. Lines without the event prefix and
// payloads that do not parse are skipped. It returns io.EOF once the
// underlying stream is exhausted.
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.reader.ReadString('\n')
		if line != "" {
			if ev, ok := parseLine(line); ok {
				return ev, nil
			}
		}
		if err != nil {
			return Event{}, err
		}
	}
}

func parseLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, Prefix) {
		return Event{}, false
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, Prefix))
	if data == TerminalMarker {
		return Event{Kind: KindDone}, true
	}

	var p payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Event{}, false
	}
	if p.Error != "" {
		return Event{Kind: KindError, Message: p.Error}, true
	}
	if p.Token != "" {
		return Event{Kind: KindToken, Token: p.Token}, true
	}
	return Event{}, false
}
