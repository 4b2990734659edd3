// Package interview is the turn-taking state machine. It owns the
// conversation history and the current phase, and drives the capture and
// output engines in lockstep with the completion stream.
//
// All state lives on a single loop goroutine started by Run. User actions,
// engine callbacks, stream tokens and timers are posted to a mailbox that
// never blocks the poster, and are applied one at a time. Read access goes
// through Snapshot and Subscribe.
package interview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/voice-interview/vint/clock"
	"github.com/ZanzyTHEbar/voice-interview/vint/interview/adapters"
	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

var (
	ErrNotIdle            = errors.New("interview: capture can only begin while idle")
	ErrNotListening       = errors.New("interview: not listening")
	ErrOutputBusy         = errors.New("interview: output is speaking")
	ErrCaptureUnsupported = errors.New("interview: speech capture is not supported")
	ErrAlreadyStarted     = errors.New("interview: already started")
	ErrNotStarted         = errors.New("interview: not started")
	ErrStopped            = errors.New("interview: orchestrator stopped")
)

// Options configure an Orchestrator.
type Options struct {
	// OpeningTurn is the synthetic user turn that opens the interview.
	OpeningTurn string
	// ErrorDisplay is how long the error phase lasts before returning to idle.
	ErrorDisplay time.Duration
	Clock        clock.Clock
	Tracer       ports.Tracer
	Logger       zerolog.Logger
}

// session is one request/response/speech cycle.
type session struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	ended    bool // stream reached its terminal marker
	awaiting bool // a flushed utterance has not finished yet
	tokens   int
}

// Orchestrator coordinates one interview.
type Orchestrator struct {
	capture ports.CaptureEngine
	output  ports.OutputEngine
	client  ports.CompletionClient
	opts    Options
	clock   clock.Clock
	tracer  ports.Tracer
	logger  zerolog.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	stopped chan struct{}
	runOnce sync.Once

	// loop-owned
	runCtx     context.Context
	phase      ports.Phase
	history    []ports.ConversationMessage
	scratch    strings.Builder
	transcript string
	errMsg     string
	started    bool
	startedAt  time.Time
	speaking   bool
	session    *session
	errTimer   clock.Timer
	errGen     uint64
	readers    conc.WaitGroup

	view viewState
}

// New builds an orchestrator and registers it as the listener of both engines.
func New(capture ports.CaptureEngine, output ports.OutputEngine, client ports.CompletionClient, opts Options) *Orchestrator {
	if opts.ErrorDisplay <= 0 {
		opts.ErrorDisplay = 4 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Tracer == nil {
		opts.Tracer = adapters.NoopTracer{}
	}

	o := &Orchestrator{
		capture: capture,
		output:  output,
		client:  client,
		opts:    opts,
		clock:   opts.Clock,
		tracer:  opts.Tracer,
		logger:  opts.Logger.With().Str("component", "interview").Logger(),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		phase:   ports.PhaseIdle,
	}
	o.view.subs = make(map[int]chan Snapshot)

	capture.SetHandlers(
		func(text string) { o.post(func() { o.onTranscript(text) }) },
		func(text string) { o.post(func() { o.onFinal(text) }) },
	)
	output.SetStatusHandler(func(speaking bool) {
		o.post(func() { o.onSpeaking(speaking) })
	})

	o.publish()
	return o
}

// Run processes events until ctx is done, then cancels the active session
// and waits for its reader to exit. Run must be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	first := false
	o.runOnce.Do(func() { first = true })
	if !first {
		return errors.New("interview: Run called twice")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(o.stopped)
	o.runCtx = ctx

	o.logger.Debug().Msg("orchestrator running")
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-o.wake:
			o.mu.Lock()
			batch := o.pending
			o.pending = nil
			o.mu.Unlock()
			for _, fn := range batch {
				fn()
			}
		}
	}
}

func (o *Orchestrator) post(fn func()) {
	o.mu.Lock()
	o.pending = append(o.pending, fn)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// exec runs fn on the loop and waits for its result.
func (o *Orchestrator) exec(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	o.post(func() { reply <- fn() })

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return ErrStopped
	}
}

// StartInterview unlocks speech output, then sends the opening turn as if the
// candidate had spoken it. Call it from the user action that starts the
// interview. It is only accepted while idle.
func (o *Orchestrator) StartInterview(ctx context.Context) error {
	o.output.Unlock()
	return o.exec(ctx, func() error {
		if o.phase != ports.PhaseIdle {
			return ErrNotIdle
		}
		if o.started {
			return ErrAlreadyStarted
		}
		o.started = true
		o.startedAt = o.clock.Now()
		o.tracer.Event(o.tracerCtx(), "interview_started", nil)
		o.submitTurn(o.opts.OpeningTurn)
		return nil
	})
}

// BeginSpeaking starts capturing the candidate's answer. It is only accepted
// once the interview has started, while idle and nothing is being voiced.
func (o *Orchestrator) BeginSpeaking(ctx context.Context) error {
	return o.exec(ctx, func() error {
		if !o.capture.IsSupported() {
			return ErrCaptureUnsupported
		}
		if o.speaking || o.output.IsSpeaking() {
			return ErrOutputBusy
		}
		if !o.started {
			return ErrNotStarted
		}
		if o.phase != ports.PhaseIdle {
			return ErrNotIdle
		}
		o.capture.Begin()
		o.setPhase(ports.PhaseListening)
		return nil
	})
}

// SubmitNow finalizes the current answer without waiting for silence.
func (o *Orchestrator) SubmitNow(ctx context.Context) error {
	return o.exec(ctx, func() error {
		if o.phase != ports.PhaseListening {
			return ErrNotListening
		}
		if o.speaking || o.output.IsSpeaking() {
			return ErrOutputBusy
		}
		// the final callback drives the transition
		o.capture.End()
		return nil
	})
}

// EndInterview cancels everything in flight and clears the conversation.
func (o *Orchestrator) EndInterview(ctx context.Context) error {
	return o.exec(ctx, func() error {
		o.reset()
		return nil
	})
}

func (o *Orchestrator) reset() {
	o.cancelSession()
	o.output.Stop()
	o.capture.Abort()
	o.stopErrorTimer()

	o.history = nil
	o.scratch.Reset()
	o.transcript = ""
	o.errMsg = ""
	o.started = false
	o.startedAt = time.Time{}
	o.speaking = false

	o.tracer.Event(o.tracerCtx(), "interview_reset", nil)
	o.setPhase(ports.PhaseIdle)
}

func (o *Orchestrator) shutdown() {
	o.cancelSession()
	o.output.Stop()
	o.capture.Abort()
	o.stopErrorTimer()
	o.readers.Wait()
	o.logger.Debug().Msg("orchestrator stopped")
}

func (o *Orchestrator) onTranscript(text string) {
	o.transcript = text
	o.publish()
}

func (o *Orchestrator) onFinal(text string) {
	if o.phase != ports.PhaseListening {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		o.setPhase(ports.PhaseIdle)
		return
	}
	o.submitTurn(text)
}

// submitTurn commits a complete user turn and opens a new stream session.
func (o *Orchestrator) submitTurn(text string) {
	o.history = append(o.history, ports.NewMessage(ports.RoleUser, text, o.clock.Now()))
	o.scratch.Reset()
	o.transcript = ""
	o.setPhase(ports.PhaseThinking)
	o.startSession()
}

// startSession cancels the previous session and waits for its reader before
// the new reader starts, so at most one stream is ever read.
func (o *Orchestrator) startSession() {
	if o.cancelSession() {
		// drop whatever the superseded reply buffered
		o.output.Stop()
	}

	ctx, cancel := context.WithCancel(o.runCtx)
	s := &session{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	o.session = s

	history := ports.ToChat(o.history)
	spanCtx, finish := o.tracer.StartSpan(ctx, "completion_stream", map[string]any{
		"session":  s.id,
		"messages": len(history),
	})

	o.readers.Go(func() {
		defer close(s.done)
		err := o.client.Stream(spanCtx, history, func(token string) {
			o.post(func() { o.onToken(s, token) })
		})
		if errors.Is(err, context.Canceled) {
			finish(nil)
		} else {
			finish(err)
		}
		o.post(func() { o.onStreamEnd(s, err) })
	})
}

// cancelSession reports whether a session was active.
func (o *Orchestrator) cancelSession() bool {
	s := o.session
	if s == nil {
		return false
	}
	o.session = nil
	s.cancel()
	<-s.done
	return true
}

func (o *Orchestrator) onToken(s *session, token string) {
	if s != o.session {
		return
	}
	if o.phase == ports.PhaseThinking {
		o.tracer.Event(o.tracerCtx(), "first_token", map[string]any{"session": s.id})
		o.setPhase(ports.PhaseSpeaking)
	}
	if o.phase != ports.PhaseSpeaking {
		return
	}
	s.tokens++
	o.scratch.WriteString(token)
	o.output.Enqueue(token)
	o.publish()
}

func (o *Orchestrator) onStreamEnd(s *session, err error) {
	if s != o.session {
		return
	}
	s.ended = true

	switch {
	case errors.Is(err, context.Canceled):
		// cancellation leaves no trace
		return
	case err != nil:
		o.logger.Warn().Err(err).Str("session", s.id).Int("tokens", s.tokens).Msg("completion stream failed")
		o.session = nil
		o.output.Stop()
		o.scratch.Reset()
		o.enterError(err.Error())
		return
	}

	if o.output.Flush() {
		s.awaiting = true
		o.publish()
		return
	}
	o.finishTurn()
}

func (o *Orchestrator) onSpeaking(speaking bool) {
	o.speaking = speaking
	if !speaking {
		if s := o.session; s != nil && s.ended && s.awaiting {
			o.finishTurn()
			return
		}
	}
	o.publish()
}

// finishTurn commits the reply once it has been fully voiced.
func (o *Orchestrator) finishTurn() {
	if text := strings.TrimSpace(o.scratch.String()); text != "" {
		o.history = append(o.history, ports.NewMessage(ports.RoleAssistant, text, o.clock.Now()))
	}
	o.scratch.Reset()
	o.session = nil
	o.setPhase(ports.PhaseIdle)
}

func (o *Orchestrator) enterError(message string) {
	o.stopErrorTimer()
	gen := o.errGen
	o.errTimer = o.clock.AfterFunc(o.opts.ErrorDisplay, func() {
		o.post(func() {
			if gen != o.errGen || o.phase != ports.PhaseError {
				return
			}
			o.errMsg = ""
			o.setPhase(ports.PhaseIdle)
		})
	})

	o.errMsg = message
	o.setPhase(ports.PhaseError)
}

func (o *Orchestrator) stopErrorTimer() {
	o.errGen++
	if o.errTimer != nil {
		o.errTimer.Stop()
		o.errTimer = nil
	}
}

func (o *Orchestrator) setPhase(p ports.Phase) {
	if p != o.phase {
		o.logger.Debug().Str("from", string(o.phase)).Str("to", string(p)).Msg("phase change")
		o.tracer.Event(o.tracerCtx(), "phase_change", map[string]any{"from": string(o.phase), "to": string(p)})
		o.phase = p
	}
	o.publish()
}

func (o *Orchestrator) tracerCtx() context.Context {
	if o.runCtx != nil {
		return o.runCtx
	}
	return context.Background()
}
