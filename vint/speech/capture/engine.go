// Package capture turns a streaming speech recognizer into finalized user
// utterances.
//
// The engine keeps a transcript buffer made of a finalized prefix, which the
// recognizer has confirmed, and a volatile interim suffix. End of utterance is
// detected in three ways: a silence timer that restarts on every update, an
// explicit End call, and the recognizer ending on its own. A manual-stop flag
// makes sure the recognizer's end notification, which arrives after End, does
// not submit the same utterance twice.
package capture

import (
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/voice-interview/vint/clock"
	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
	"github.com/rs/zerolog"
)

// Recognizer error codes that are expected during normal use and are not logged.
const (
	CodeNoSpeech = "no-speech"
	CodeAborted  = "aborted"
)

// Segment is the best alternative of one recognition result.
type Segment struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Update carries the results that changed since the previous update, in the
// order the audio was processed.
type Update struct {
	Segments []Segment `json:"segments"`
}

// Settings configure a recognition session.
type Settings struct {
	Locale         string
	Continuous     bool
	InterimResults bool
}

// Handler receives the events of one recognition session.
type Handler interface {
	Result(u Update)
	Error(code, message string)
	End()
}

// Session is a running recognition session.
type Session interface {
	// Stop asks the recognizer to stop. End is still delivered afterwards.
	Stop()
}

// Recognizer is the speech recognition capability.
type Recognizer interface {
	Start(settings Settings, h Handler) (Session, error)
}

// Prober is implemented by recognizers whose availability is only known at
// runtime.
type Prober interface {
	Supported() bool
}

// Options configure an Engine.
type Options struct {
	Settings       Settings
	SilenceTimeout time.Duration
	Clock          clock.Clock
	Logger         zerolog.Logger
}

// Engine implements ports.CaptureEngine on top of a Recognizer.
type Engine struct {
	rec       Recognizer
	supported bool
	settings  Settings
	silence   time.Duration
	clock     clock.Clock
	logger    zerolog.Logger

	mu           sync.Mutex
	session      Session
	sessionGen   uint64
	timer        clock.Timer
	timerGen     uint64
	finalized    string
	transcript   string
	listening    bool
	manualStop   bool
	onTranscript func(string)
	onFinal      func(string)
}

// New creates an engine. Support is checked once here: a nil recognizer, or a
// Prober reporting false, makes Begin a no-op.
func New(rec Recognizer, opts Options) *Engine {
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	supported := rec != nil
	if p, ok := rec.(Prober); ok && supported {
		supported = p.Supported()
	}
	return &Engine{
		rec:       rec,
		supported: supported,
		settings:  opts.Settings,
		silence:   opts.SilenceTimeout,
		clock:     opts.Clock,
		logger:    opts.Logger.With().Str("component", "capture").Logger(),
	}
}

// SetHandlers registers the live transcript and final result callbacks.
func (e *Engine) SetHandlers(onTranscript, onFinal func(text string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTranscript = onTranscript
	e.onFinal = onFinal
}

// IsSupported reports whether a recognizer is available.
func (e *Engine) IsSupported() bool { return e.supported }

// IsListening reports whether a session is open.
func (e *Engine) IsListening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listening
}

// Transcript returns the live transcript of the current session.
func (e *Engine) Transcript() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transcript
}

// Begin starts a new recognition session. A session that cannot be started
// is reported as an empty final result.
func (e *Engine) Begin() {
	if !e.supported {
		return
	}

	e.mu.Lock()
	if e.listening {
		e.mu.Unlock()
		return
	}
	e.sessionGen++
	gen := e.sessionGen
	e.stopTimerLocked()
	e.finalized = ""
	e.transcript = ""
	e.manualStop = false
	e.listening = true
	onTranscript := e.onTranscript
	e.mu.Unlock()

	emit(onTranscript, "")

	sess, err := e.rec.Start(e.settings, &sessionHandler{engine: e, gen: gen})

	e.mu.Lock()
	if gen != e.sessionGen {
		// aborted while starting
		e.mu.Unlock()
		if sess != nil {
			sess.Stop()
		}
		return
	}
	if err != nil {
		e.listening = false
		onFinal := e.onFinal
		e.mu.Unlock()
		e.logger.Error().Err(err).Msg("failed to start recognition")
		emit(onFinal, "")
		return
	}
	e.session = sess
	e.mu.Unlock()

	e.logger.Debug().Str("locale", e.settings.Locale).Msg("recognition started")
}

// End finalizes immediately and returns the submitted text. It returns an
// empty string when the engine is not listening.
func (e *Engine) End() string {
	e.mu.Lock()
	if !e.listening {
		e.mu.Unlock()
		return ""
	}
	sess, text, onTranscript, onFinal := e.finalizeLocked()
	e.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	emit(onTranscript, "")
	emit(onFinal, text)
	return text
}

// Abort stops listening and discards the buffer without a final callback.
func (e *Engine) Abort() {
	e.mu.Lock()
	e.sessionGen++
	e.stopTimerLocked()
	e.manualStop = true
	e.listening = false
	e.finalized = ""
	e.transcript = ""
	sess := e.session
	e.session = nil
	onTranscript := e.onTranscript
	e.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	emit(onTranscript, "")
}

// finalizeLocked marks the stop as manual and drains the buffer. The caller
// stops the returned session and fires the callbacks after unlocking.
func (e *Engine) finalizeLocked() (Session, string, func(string), func(string)) {
	e.stopTimerLocked()
	e.manualStop = true
	e.listening = false
	text := strings.TrimSpace(e.finalized)
	e.finalized = ""
	e.transcript = ""
	sess := e.session
	e.session = nil
	return sess, text, e.onTranscript, e.onFinal
}

func (e *Engine) handleResult(gen uint64, u Update) {
	e.mu.Lock()
	if gen != e.sessionGen || !e.listening {
		e.mu.Unlock()
		return
	}

	var final, interim strings.Builder
	for _, seg := range u.Segments {
		if seg.Final {
			final.WriteString(seg.Text)
		} else {
			interim.WriteString(seg.Text)
		}
	}
	if final.Len() > 0 {
		e.finalized += final.String() + " "
	}
	e.transcript = strings.TrimSpace(e.finalized + interim.String())

	if strings.TrimSpace(e.finalized) != "" || strings.TrimSpace(interim.String()) != "" {
		e.armTimerLocked(gen)
	}

	transcript := e.transcript
	onTranscript := e.onTranscript
	e.mu.Unlock()

	emit(onTranscript, transcript)
}

func (e *Engine) handleError(gen uint64, code, message string) {
	if code != CodeNoSpeech && code != CodeAborted {
		e.logger.Error().Str("code", code).Str("message", message).Msg("recognition error")
	}

	e.mu.Lock()
	if gen != e.sessionGen || !e.listening {
		e.mu.Unlock()
		return
	}
	// buffered text is dropped
	e.stopTimerLocked()
	e.listening = false
	e.finalized = ""
	e.transcript = ""
	onTranscript, onFinal := e.onTranscript, e.onFinal
	e.mu.Unlock()

	emit(onTranscript, "")
	emit(onFinal, "")
}

func (e *Engine) handleEnd(gen uint64) {
	e.mu.Lock()
	if gen != e.sessionGen {
		e.mu.Unlock()
		return
	}
	e.session = nil
	if e.manualStop || !e.listening {
		e.stopTimerLocked()
		e.listening = false
		e.mu.Unlock()
		return
	}
	_, text, onTranscript, onFinal := e.finalizeLocked()
	e.mu.Unlock()

	e.logger.Debug().Bool("empty", text == "").Msg("recognition ended by backend")
	emit(onTranscript, "")
	emit(onFinal, text)
}

func (e *Engine) silenceElapsed(gen, timerGen uint64) {
	e.mu.Lock()
	if gen != e.sessionGen || timerGen != e.timerGen || e.manualStop || !e.listening {
		e.mu.Unlock()
		return
	}
	sess, text, onTranscript, onFinal := e.finalizeLocked()
	e.mu.Unlock()

	e.logger.Debug().Dur("silence", e.silence).Msg("silence timeout, submitting")
	if sess != nil {
		sess.Stop()
	}
	emit(onTranscript, "")
	emit(onFinal, text)
}

func (e *Engine) armTimerLocked(gen uint64) {
	e.stopTimerLocked()
	e.timerGen++
	timerGen := e.timerGen
	e.timer = e.clock.AfterFunc(e.silence, func() { e.silenceElapsed(gen, timerGen) })
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func emit(fn func(string), text string) {
	if fn != nil {
		fn(text)
	}
}

// sessionHandler binds recognizer events to the session that produced them so
// late events from a replaced session are ignored.
type sessionHandler struct {
	engine *Engine
	gen    uint64
}

func (h *sessionHandler) Result(u Update)            { h.engine.handleResult(h.gen, u) }
func (h *sessionHandler) Error(code, message string) { h.engine.handleError(h.gen, code, message) }
func (h *sessionHandler) End()                       { h.engine.handleEnd(h.gen) }

var _ ports.CaptureEngine = (*Engine)(nil)
