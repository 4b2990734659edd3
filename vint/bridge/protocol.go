// Package bridge relays an interview to a browser over a WebSocket. The
// browser hosts the speech recognition and synthesis capabilities; the
// orchestrator runs here and drives them through the messages below.
package bridge

import (
	"encoding/json"

	"github.com/ZanzyTHEbar/voice-interview/vint/speech/capture"
	"github.com/ZanzyTHEbar/voice-interview/vint/speech/output"
)

// Message types sent by the browser.
const (
	TypeCaptureCapability = "capture.capability"
	TypeCaptureResult     = "capture.result"
	TypeCaptureError      = "capture.error"
	TypeCaptureEnd        = "capture.end"

	TypeOutputStart  = "output.start"
	TypeOutputEnd    = "output.end"
	TypeOutputError  = "output.error"
	TypeOutputVoices = "output.voices"

	TypeControlStart  = "control.start"
	TypeControlBegin  = "control.begin"
	TypeControlSubmit = "control.submit"
	TypeControlReset  = "control.reset"
)

// Message types sent to the browser.
const (
	TypeCaptureStart = "capture.start"
	TypeCaptureStop  = "capture.stop"
	TypeOutputSpeak  = "output.speak"
	TypeOutputCancel = "output.cancel"
	TypeState        = "state"
	TypeError        = "error"
)

// Envelope is the frame of every message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type capabilityPayload struct {
	Supported bool           `json:"supported"`
	Voices    []output.Voice `json:"voices,omitempty"`
}

// resultPayload mirrors a recognition result event: results before
// ResultIndex are unchanged since the previous event.
type resultPayload struct {
	Session     string            `json:"session"`
	ResultIndex int               `json:"result_index"`
	Results     []capture.Segment `json:"results"`
}

type captureErrorPayload struct {
	Session string `json:"session"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sessionPayload struct {
	Session string `json:"session"`
}

type captureStartPayload struct {
	Session    string `json:"session"`
	Lang       string `json:"lang"`
	Continuous bool   `json:"continuous"`
	Interim    bool   `json:"interim"`
}

type utterancePayload struct {
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

type voicesPayload struct {
	Voices []output.Voice `json:"voices"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(env.Data, &v)
	return v, err
}
