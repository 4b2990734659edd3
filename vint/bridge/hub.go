package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ZanzyTHEbar/voice-interview/vint/clock"
	"github.com/ZanzyTHEbar/voice-interview/vint/config"
	"github.com/ZanzyTHEbar/voice-interview/vint/interview"
	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotReady is reported for control messages sent before the browser
	// declared its capabilities.
	ErrNotReady = errors.New("bridge: capabilities not declared")
	// ErrUnsupportedType is reported for messages in a known namespace that
	// this server does not handle, typically from a newer page.
	ErrUnsupportedType = errors.New("unsupported message type")
)

// HubOptions configure a Hub.
type HubOptions struct {
	Config *config.Config
	// Client overrides the completion client built from configuration.
	Client ports.CompletionClient
	Clock  clock.Clock
	Logger zerolog.Logger
}

// Hub accepts a single browser connection at a time and runs one interview
// on it.
type Hub struct {
	opts     HubOptions
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	active   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub. Call Shutdown to close the active connection.
func NewHub(opts HubOptions) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "bridge").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	allowed := h.opts.Config.Server.AllowedOrigins
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return true
	}
	return slices.Contains(allowed, r.Header.Get("Origin"))
}

// Shutdown ends the active connection, if any.
func (h *Hub) Shutdown() {
	h.cancel()
}

// ServeHTTP upgrades the request and serves the interview until the socket
// closes. A second concurrent connection gets 409 Conflict.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.active.CompareAndSwap(false, true) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "an interview is already connected"})
		return
	}
	defer h.active.Store(false)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	conn := NewConn(ws, h.logger)
	h.logger.Info().Str("remote", r.RemoteAddr).Msg("browser connected")
	if err := h.serve(conn); err != nil {
		h.logger.Warn().Err(err).Msg("connection ended with error")
	}
	h.logger.Info().Str("remote", r.RemoteAddr).Msg("browser disconnected")
}

// link is the state of one connection.
type link struct {
	hub  *Hub
	conn *Conn
	g    *errgroup.Group
	ctx  context.Context

	mu    sync.Mutex
	rec   *RemoteRecognizer
	synth *RemoteSynthesizer
	orch  *interview.Orchestrator
}

func (h *Hub) serve(conn *Conn) error {
	g, ctx := errgroup.WithContext(h.ctx)
	l := &link{hub: h, conn: conn, g: g, ctx: ctx}
	router := l.routes()

	writeDone := make(chan struct{})
	g.Go(func() error {
		defer close(writeDone)
		return conn.WriteLoop(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		<-writeDone
		return conn.Close()
	})
	g.Go(func() error {
		return conn.ReadLoop(func(env Envelope) {
			if err := router.Dispatch(ctx, env); err != nil {
				h.logger.Debug().Err(err).Str("type", env.Type).Msg("message rejected")
				_ = conn.Send(TypeError, errorPayload{Message: err.Error()})
			}
		})
	})

	err := g.Wait()
	if errors.Is(err, ErrConnClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l *link) routes() *Router {
	r := NewRouter()
	r.Handle(TypeCaptureCapability, l.onCapability)
	r.Handle(TypeCaptureResult, func(_ context.Context, env Envelope) error {
		p, err := decode[resultPayload](env)
		if err != nil {
			return err
		}
		if rec := l.recognizer(); rec != nil {
			rec.handleResult(p)
		}
		return nil
	})
	r.Handle(TypeCaptureError, func(_ context.Context, env Envelope) error {
		p, err := decode[captureErrorPayload](env)
		if err != nil {
			return err
		}
		if rec := l.recognizer(); rec != nil {
			rec.handleError(p)
		}
		return nil
	})
	r.Handle(TypeCaptureEnd, func(_ context.Context, env Envelope) error {
		p, err := decode[sessionPayload](env)
		if err != nil {
			return err
		}
		if rec := l.recognizer(); rec != nil {
			rec.handleEnd(p)
		}
		return nil
	})

	r.Handle(TypeOutputStart, l.onUtterance((*RemoteSynthesizer).handleStart))
	r.Handle(TypeOutputEnd, l.onUtterance((*RemoteSynthesizer).handleEnd))
	r.Handle(TypeOutputError, l.onUtterance((*RemoteSynthesizer).handleError))
	r.Handle(TypeOutputVoices, func(_ context.Context, env Envelope) error {
		p, err := decode[voicesPayload](env)
		if err != nil {
			return err
		}
		if s := l.synthesizer(); s != nil {
			s.setVoices(p.Voices)
		}
		return nil
	})

	r.Handle(TypeControlStart, l.control((*interview.Orchestrator).StartInterview))
	r.Handle(TypeControlBegin, l.control((*interview.Orchestrator).BeginSpeaking))
	r.Handle(TypeControlSubmit, l.control((*interview.Orchestrator).SubmitNow))
	r.Handle(TypeControlReset, l.control((*interview.Orchestrator).EndInterview))

	for _, ns := range []string{"capture.", "output.", "control."} {
		r.Handle(ns, l.unsupported)
	}
	return r
}

func (l *link) unsupported(_ context.Context, env Envelope) error {
	l.hub.logger.Warn().Str("type", env.Type).Msg("unsupported message type")
	return fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
}

// onCapability builds the interview once the browser reported what it can
// do. A repeated declaration only refreshes the voice list.
func (l *link) onCapability(_ context.Context, env Envelope) error {
	p, err := decode[capabilityPayload](env)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.orch != nil {
		l.synth.setVoices(p.Voices)
		return nil
	}

	h := l.hub
	l.rec = NewRemoteRecognizer(l.conn.Send, p.Supported)
	l.synth = NewRemoteSynthesizer(l.conn.Send, p.Voices)
	orch := interview.NewFromConfig(h.opts.Config, interview.Backends{
		Recognizer:  l.rec,
		Synthesizer: l.synth,
		Client:      h.opts.Client,
		Clock:       h.opts.Clock,
	}, h.logger)
	l.orch = orch

	ctx := l.ctx
	l.g.Go(func() error { return orch.Run(ctx) })
	l.g.Go(func() error {
		for snap := range orch.Subscribe(ctx) {
			_ = l.conn.Send(TypeState, snap)
		}
		return nil
	})

	h.logger.Info().Bool("capture_supported", p.Supported).Int("voices", len(p.Voices)).Msg("interview ready")
	return nil
}

func (l *link) onUtterance(fn func(*RemoteSynthesizer, utterancePayload)) HandlerFunc {
	return func(_ context.Context, env Envelope) error {
		p, err := decode[utterancePayload](env)
		if err != nil {
			return err
		}
		if s := l.synthesizer(); s != nil {
			fn(s, p)
		}
		return nil
	}
}

func (l *link) control(action func(*interview.Orchestrator, context.Context) error) HandlerFunc {
	return func(ctx context.Context, _ Envelope) error {
		l.mu.Lock()
		orch := l.orch
		l.mu.Unlock()
		if orch == nil {
			return ErrNotReady
		}
		return action(orch, ctx)
	}
}

func (l *link) recognizer() *RemoteRecognizer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec
}

func (l *link) synthesizer() *RemoteSynthesizer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.synth
}
