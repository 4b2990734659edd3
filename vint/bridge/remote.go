package bridge

import (
	"errors"
	"sync"

	"github.com/ZanzyTHEbar/voice-interview/vint/speech/capture"
	"github.com/ZanzyTHEbar/voice-interview/vint/speech/output"
	"github.com/google/uuid"
)

// sender queues an outbound message.
type sender func(typ string, payload any) error

// RemoteRecognizer is a capture.Recognizer backed by the browser's speech
// recognition.
type RemoteRecognizer struct {
	send      sender
	supported bool

	mu       sync.Mutex
	sessions map[string]capture.Handler
}

// NewRemoteRecognizer creates a recognizer that drives the page through send.
func NewRemoteRecognizer(send sender, supported bool) *RemoteRecognizer {
	return &RemoteRecognizer{send: send, supported: supported, sessions: make(map[string]capture.Handler)}
}

// Supported reports the capability the page declared.
func (r *RemoteRecognizer) Supported() bool { return r.supported }

// Start asks the page to open a recognition session.
func (r *RemoteRecognizer) Start(settings capture.Settings, h capture.Handler) (capture.Session, error) {
	id := uuid.NewString()

	r.mu.Lock()
	r.sessions[id] = h
	r.mu.Unlock()

	err := r.send(TypeCaptureStart, captureStartPayload{
		Session:    id,
		Lang:       settings.Locale,
		Continuous: settings.Continuous,
		Interim:    settings.InterimResults,
	})
	if err != nil {
		r.forget(id)
		return nil, err
	}
	return &remoteSession{rec: r, id: id}, nil
}

func (r *RemoteRecognizer) handler(id string) capture.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *RemoteRecognizer) forget(id string) capture.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.sessions[id]
	delete(r.sessions, id)
	return h
}

func (r *RemoteRecognizer) handleResult(p resultPayload) {
	h := r.handler(p.Session)
	if h == nil {
		return
	}
	from := min(max(p.ResultIndex, 0), len(p.Results))
	h.Result(capture.Update{Segments: p.Results[from:]})
}

func (r *RemoteRecognizer) handleError(p captureErrorPayload) {
	if h := r.handler(p.Session); h != nil {
		h.Error(p.Code, p.Message)
	}
}

func (r *RemoteRecognizer) handleEnd(p sessionPayload) {
	if h := r.forget(p.Session); h != nil {
		h.End()
	}
}

type remoteSession struct {
	rec *RemoteRecognizer
	id  string
}

func (s *remoteSession) Stop() {
	_ = s.rec.send(TypeCaptureStop, sessionPayload{Session: s.id})
}

// RemoteSynthesizer is an output.Synthesizer backed by the browser's speech
// synthesis.
type RemoteSynthesizer struct {
	send sender

	mu      sync.Mutex
	voices  []output.Voice
	pending map[string]output.Events
}

// NewRemoteSynthesizer creates a synthesizer that drives the page through send.
func NewRemoteSynthesizer(send sender, voices []output.Voice) *RemoteSynthesizer {
	return &RemoteSynthesizer{send: send, voices: voices, pending: make(map[string]output.Events)}
}

// Speak asks the page to voice u. Events arrive as the page reports them.
func (s *RemoteSynthesizer) Speak(u output.Utterance, ev output.Events) error {
	s.mu.Lock()
	s.pending[u.ID] = ev
	s.mu.Unlock()

	if err := s.send(TypeOutputSpeak, u); err != nil {
		s.take(u.ID)
		return err
	}
	return nil
}

// Cancel asks the page to drop queued and current speech.
func (s *RemoteSynthesizer) Cancel() {
	_ = s.send(TypeOutputCancel, nil)
}

// Voices returns the voices the page last reported.
func (s *RemoteSynthesizer) Voices() []output.Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]output.Voice(nil), s.voices...)
}

func (s *RemoteSynthesizer) setVoices(voices []output.Voice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voices = voices
}

func (s *RemoteSynthesizer) take(id string) output.Events {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.pending[id]
	delete(s.pending, id)
	return ev
}

func (s *RemoteSynthesizer) handleStart(p utterancePayload) {
	s.mu.Lock()
	ev := s.pending[p.ID]
	s.mu.Unlock()
	if ev != nil {
		ev.Started()
	}
}

func (s *RemoteSynthesizer) handleEnd(p utterancePayload) {
	if ev := s.take(p.ID); ev != nil {
		ev.Ended()
	}
}

func (s *RemoteSynthesizer) handleError(p utterancePayload) {
	if ev := s.take(p.ID); ev != nil {
		msg := p.Message
		if msg == "" {
			msg = "synthesis failed"
		}
		ev.Failed(errors.New(msg))
	}
}

var (
	_ capture.Recognizer = (*RemoteRecognizer)(nil)
	_ capture.Prober     = (*RemoteRecognizer)(nil)
	_ output.Synthesizer = (*RemoteSynthesizer)(nil)
)
