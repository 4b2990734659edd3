package interview

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/voice-interview/vint/clock"
	"github.com/ZanzyTHEbar/voice-interview/vint/config"
	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
	"github.com/ZanzyTHEbar/voice-interview/vint/speech/capture"
	"github.com/ZanzyTHEbar/voice-interview/vint/speech/output"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const openingTurn = "[DÉBUT DE L'ENTRETIEN]"

// mockClient is a testify mock of the completion client port.
type mockClient struct {
	mock.Mock
}

func (m *mockClient) Stream(ctx context.Context, history []ports.ChatMessage, onToken func(string)) error {
	args := m.Called(ctx, history, onToken)
	return args.Error(0)
}

func emitTokens(tokens ...string) func(mock.Arguments) {
	return func(args mock.Arguments) {
		onToken := args.Get(2).(func(string))
		for _, tok := range tokens {
			onToken(tok)
		}
	}
}

// blockUntilCancelled emits tokens, then holds the stream open until its
// context is cancelled.
func blockUntilCancelled(cancelled chan<- struct{}, tokens ...string) func(mock.Arguments) {
	return func(args mock.Arguments) {
		emitTokens(tokens...)(args)
		<-args.Get(0).(context.Context).Done()
		if cancelled != nil {
			close(cancelled)
		}
	}
}

type fakeSession struct{}

func (fakeSession) Stop() {}

type fakeRecognizer struct {
	mu       sync.Mutex
	handlers []capture.Handler
}

func (r *fakeRecognizer) Start(_ capture.Settings, h capture.Handler) (capture.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	return fakeSession{}, nil
}

func (r *fakeRecognizer) started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

func (r *fakeRecognizer) last() capture.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[len(r.handlers)-1]
}

type utterance struct {
	u  output.Utterance
	ev output.Events
}

type fakeSynth struct {
	mu     sync.Mutex
	spoken []utterance
}

func (s *fakeSynth) Speak(u output.Utterance, ev output.Events) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, utterance{u: u, ev: ev})
	return nil
}

func (s *fakeSynth) Cancel()                { /* nothing queued */ }
func (s *fakeSynth) Voices() []output.Voice { return nil }

// replies returns the voiced utterances, leaving out the silent unlock.
func (s *fakeSynth) replies() []utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []utterance
	for _, sp := range s.spoken {
		if sp.u.Volume > 0 {
			out = append(out, sp)
		}
	}
	return out
}

func (s *fakeSynth) unlocks() int {
	return len(s.all()) - len(s.replies())
}

func (s *fakeSynth) all() []utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]utterance(nil), s.spoken...)
}

type harness struct {
	t      *testing.T
	o      *Orchestrator
	rec    *fakeRecognizer
	synth  *fakeSynth
	client *mockClient
	clk    clock.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	rec := &fakeRecognizer{}
	synth := &fakeSynth{}
	client := &mockClient{}

	capEngine := capture.New(rec, capture.Options{
		Settings:       capture.Settings{Locale: "fr-FR", Continuous: true, InterimResults: true},
		SilenceTimeout: 2 * time.Second,
		Clock:          clk,
		Logger:         zerolog.Nop(),
	})
	outEngine := output.New(synth, output.Settings{Lang: "fr-FR"}, zerolog.Nop())

	o := New(capEngine, outEngine, client, Options{
		OpeningTurn:  openingTurn,
		ErrorDisplay: 4 * time.Second,
		Clock:        clk,
		Logger:       zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{t: t, o: o, rec: rec, synth: synth, client: client, clk: clk}
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

func (h *harness) waitFor(cond func(Snapshot) bool, msg string) Snapshot {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return cond(h.o.Snapshot()) }, 2*time.Second, 2*time.Millisecond, msg)
	return h.o.Snapshot()
}

func (h *harness) waitPhase(p ports.Phase) Snapshot {
	h.t.Helper()
	return h.waitFor(func(s Snapshot) bool { return s.Phase == p }, "phase "+string(p))
}

func (h *harness) waitReplies(n int) []utterance {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.synth.replies()) == n }, 2*time.Second, 2*time.Millisecond)
	return h.synth.replies()
}

// completeTurn drives a streamed reply through speech to idle.
func (h *harness) completeTurn(reply ...string) {
	h.t.Helper()
	before := len(h.synth.replies())
	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Run(emitTokens(reply...)).Return(nil).Once()
	require.NoError(h.t, h.o.StartInterview(h.ctx()))
	u := h.waitReplies(before + 1)[before]
	u.ev.Started()
	u.ev.Ended()
	h.waitPhase(ports.PhaseIdle)
}

func TestStartInterview_SendsOpeningTurn(t *testing.T) {
	h := newHarness(t)
	sent := make(chan []ports.ChatMessage, 1)
	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			sent <- args.Get(1).([]ports.ChatMessage)
			blockUntilCancelled(nil)(args)
		}).Return(context.Canceled).Once()

	require.NoError(t, h.o.StartInterview(h.ctx()))
	snap := h.waitPhase(ports.PhaseThinking)

	assert.True(t, snap.Started)
	require.Len(t, snap.History, 1)
	assert.Equal(t, ports.RoleUser, snap.History[0].Role)
	assert.Equal(t, openingTurn, snap.History[0].Content)
	assert.Equal(t, 1, h.synth.unlocks())

	select {
	case history := <-sent:
		assert.Equal(t, []ports.ChatMessage{{Role: ports.RoleUser, Content: openingTurn}}, history)
	case <-time.After(2 * time.Second):
		t.Fatal("opening turn was not streamed")
	}

	assert.ErrorIs(t, h.o.StartInterview(h.ctx()), ErrAlreadyStarted)
	assert.Equal(t, 1, h.synth.unlocks())
}

func TestScenario_SilenceSubmitsUserTurn(t *testing.T) {
	h := newHarness(t)
	h.completeTurn("Présentez-vous.")
	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Run(blockUntilCancelled(nil)).Return(context.Canceled).Once()

	require.NoError(t, h.o.BeginSpeaking(h.ctx()))
	h.waitPhase(ports.PhaseListening)

	h.rec.last().Result(capture.Update{Segments: []capture.Segment{{Text: "Bonjour", Final: true}}})
	h.waitFor(func(s Snapshot) bool { return s.Transcript == "Bonjour" }, "live transcript")

	h.clk.Advance(2100 * time.Millisecond)
	snap := h.waitPhase(ports.PhaseThinking)

	require.Len(t, snap.History, 3)
	assert.Equal(t, ports.RoleUser, snap.History[2].Role)
	assert.Equal(t, "Bonjour", snap.History[2].Content)
	assert.Equal(t, "", snap.Transcript)
}

func TestScenario_ReplyCommittedAfterSpeech(t *testing.T) {
	h := newHarness(t)
	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Run(emitTokens("Bon", "jour")).Return(nil).Once()

	require.NoError(t, h.o.StartInterview(h.ctx()))
	replies := h.waitReplies(1)
	assert.Equal(t, "Bonjour", replies[0].u.Text)

	snap := h.waitPhase(ports.PhaseSpeaking)
	assert.Len(t, snap.History, 1, "reply is not committed before it is voiced")
	assert.Equal(t, "Bonjour", snap.StreamingText)

	replies[0].ev.Started()
	h.waitFor(func(s Snapshot) bool { return s.Speaking }, "speaking flag")
	replies[0].ev.Ended()

	snap = h.waitPhase(ports.PhaseIdle)
	require.Len(t, snap.History, 2)
	assert.Equal(t, ports.RoleAssistant, snap.History[1].Role)
	assert.Equal(t, "Bonjour", snap.History[1].Content)
	assert.Equal(t, "", snap.StreamingText)
	assert.Len(t, h.synth.replies(), 1)
}

func TestScenario_ResetMidStream(t *testing.T) {
	h := newHarness(t)
	cancelled := make(chan struct{})
	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Run(blockUntilCancelled(cancelled, "Bon")).Return(context.Canceled).Once()

	require.NoError(t, h.o.StartInterview(h.ctx()))
	h.waitFor(func(s Snapshot) bool { return s.StreamingText == "Bon" }, "first token")

	require.NoError(t, h.o.EndInterview(h.ctx()))

	select {
	case <-cancelled:
	default:
		t.Fatal("stream was not cancelled before reset returned")
	}

	snap := h.o.Snapshot()
	assert.Equal(t, ports.PhaseIdle, snap.Phase)
	assert.Empty(t, snap.History)
	assert.Equal(t, "", snap.StreamingText)
	assert.False(t, snap.Started)
	assert.Empty(t, h.synth.replies())

	// nothing from the aborted turn shows up later
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.o.Snapshot().History)
	assert.Equal(t, ports.PhaseIdle, h.o.Snapshot().Phase)
}

func TestBeginSpeaking_RejectedWhileOutputActive(t *testing.T) {
	h := newHarness(t)
	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Run(emitTokens("Question ?")).Return(nil).Once()

	require.NoError(t, h.o.StartInterview(h.ctx()))
	u := h.waitReplies(1)[0]
	u.ev.Started()
	h.waitFor(func(s Snapshot) bool { return s.Speaking }, "speaking")

	assert.ErrorIs(t, h.o.BeginSpeaking(h.ctx()), ErrOutputBusy)
	assert.Zero(t, h.rec.started())

	snap := h.o.Snapshot()
	assert.False(t, snap.MicEnabled)
	assert.False(t, snap.SendEnabled)

	u.ev.Ended()
	h.waitPhase(ports.PhaseIdle)
	require.NoError(t, h.o.BeginSpeaking(h.ctx()))
	assert.Equal(t, 1, h.rec.started())
	assert.True(t, h.o.Snapshot().Listening)
}

func TestBeginSpeaking_RequiresStartedInterview(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.o.BeginSpeaking(h.ctx()), ErrNotStarted)
	assert.Zero(t, h.rec.started())
	assert.Equal(t, ports.PhaseIdle, h.o.Snapshot().Phase)
}

func TestStartInterview_RejectedWhileListening(t *testing.T) {
	h := newHarness(t)
	h.completeTurn("Présentez-vous.")

	require.NoError(t, h.o.BeginSpeaking(h.ctx()))
	h.waitPhase(ports.PhaseListening)

	assert.ErrorIs(t, h.o.StartInterview(h.ctx()), ErrNotIdle)

	snap := h.o.Snapshot()
	assert.Equal(t, ports.PhaseListening, snap.Phase)
	assert.True(t, snap.Listening)
	assert.Len(t, snap.History, 2)
	assert.Len(t, h.synth.replies(), 1)
	h.client.AssertNumberOfCalls(t, "Stream", 1)
}

func TestStartInterview_AfterResetWhileListening(t *testing.T) {
	h := newHarness(t)
	h.completeTurn("Présentez-vous.")
	require.NoError(t, h.o.BeginSpeaking(h.ctx()))
	h.waitPhase(ports.PhaseListening)

	require.NoError(t, h.o.EndInterview(h.ctx()))
	h.waitFor(func(s Snapshot) bool { return !s.Listening && len(s.History) == 0 }, "reset")

	h.completeTurn("Bonjour")
	assert.Len(t, h.o.Snapshot().History, 2)
}

func TestBeginSpeaking_OnlyFromIdle(t *testing.T) {
	h := newHarness(t)
	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Run(blockUntilCancelled(nil)).Return(context.Canceled).Once()

	require.NoError(t, h.o.StartInterview(h.ctx()))
	h.waitPhase(ports.PhaseThinking)

	assert.ErrorIs(t, h.o.BeginSpeaking(h.ctx()), ErrNotIdle)
	assert.Zero(t, h.rec.started())
}

func TestSubmitNow(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.o.SubmitNow(h.ctx()), ErrNotListening)

	h.completeTurn("Présentez-vous.")
	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Run(blockUntilCancelled(nil)).Return(context.Canceled).Once()

	require.NoError(t, h.o.BeginSpeaking(h.ctx()))
	h.rec.last().Result(capture.Update{Segments: []capture.Segment{
		{Text: "Je suis développeur", Final: true},
		{Text: " depuis dix"},
	}})
	require.NoError(t, h.o.SubmitNow(h.ctx()))

	snap := h.waitPhase(ports.PhaseThinking)
	require.Len(t, snap.History, 3)
	assert.Equal(t, "Je suis développeur", snap.History[2].Content)

	// the backend end notification after a manual submit is ignored
	h.rec.last().End()
	h.clk.Advance(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, h.o.Snapshot().History, 3)
}

func TestSubmitNow_EmptyReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	h.completeTurn("Présentez-vous.")

	require.NoError(t, h.o.BeginSpeaking(h.ctx()))
	require.NoError(t, h.o.SubmitNow(h.ctx()))

	snap := h.waitFor(func(s Snapshot) bool { return s.Phase == ports.PhaseIdle && !s.Listening }, "idle")
	assert.Len(t, snap.History, 2)
	h.client.AssertNumberOfCalls(t, "Stream", 1)
}

func TestCaptureError_ReturnsToIdleWithoutErrorPhase(t *testing.T) {
	h := newHarness(t)
	h.completeTurn("Présentez-vous.")

	require.NoError(t, h.o.BeginSpeaking(h.ctx()))
	h.rec.last().Result(capture.Update{Segments: []capture.Segment{{Text: "Bonjour", Final: true}}})
	h.rec.last().Error("network", "connection lost")

	snap := h.waitFor(func(s Snapshot) bool { return s.Phase == ports.PhaseIdle && !s.Listening }, "idle")
	assert.Len(t, snap.History, 2)
	assert.Equal(t, "", snap.Error)
	h.client.AssertNumberOfCalls(t, "Stream", 1)
}

func TestStreamFailure_EntersErrorThenRecovers(t *testing.T) {
	h := newHarness(t)
	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Run(emitTokens("Bon")).Return(errors.New("upstream error 503: overloaded")).Once()

	require.NoError(t, h.o.StartInterview(h.ctx()))
	snap := h.waitPhase(ports.PhaseError)

	assert.Equal(t, "upstream error 503: overloaded", snap.Error)
	require.Len(t, snap.History, 1, "no partial reply is committed")
	assert.Equal(t, "", snap.StreamingText)
	assert.Empty(t, h.synth.replies())

	h.clk.Advance(3900 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, ports.PhaseError, h.o.Snapshot().Phase)

	h.clk.Advance(200 * time.Millisecond)
	snap = h.waitPhase(ports.PhaseIdle)
	assert.Equal(t, "", snap.Error)
	assert.Len(t, snap.History, 1, "history survives errors")
}

func TestResetDuringErrorCancelsRecoveryTimer(t *testing.T) {
	h := newHarness(t)
	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("connection refused")).Once()

	require.NoError(t, h.o.StartInterview(h.ctx()))
	h.waitPhase(ports.PhaseError)

	require.NoError(t, h.o.EndInterview(h.ctx()))
	var armed bool
	require.NoError(t, h.o.exec(h.ctx(), func() error {
		armed = h.o.errTimer != nil
		return nil
	}))
	assert.False(t, armed)
	assert.Equal(t, ports.PhaseIdle, h.o.Snapshot().Phase)
}

func TestNewSessionCancelsPrevious(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			emitTokens("Vieux")(args)
			<-args.Get(0).(context.Context).Done()
			record("first cancelled")
		}).Return(context.Canceled).Once()
	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			record("second started")
			emitTokens("Nouveau")(args)
		}).Return(nil).Once()

	require.NoError(t, h.o.StartInterview(h.ctx()))
	h.waitFor(func(s Snapshot) bool { return s.StreamingText == "Vieux" }, "first token")

	require.NoError(t, h.o.exec(h.ctx(), func() error {
		h.o.submitTurn("Deuxième")
		return nil
	}))

	u := h.waitReplies(1)[0]
	assert.Equal(t, "Nouveau", u.u.Text)
	u.ev.Started()
	u.ev.Ended()

	snap := h.waitPhase(ports.PhaseIdle)
	mu.Lock()
	assert.Equal(t, []string{"first cancelled", "second started"}, order)
	mu.Unlock()

	var contents []string
	for _, m := range snap.History {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{openingTurn, "Deuxième", "Nouveau"}, contents)
}

func TestHistoryNeverShrinksExceptOnReset(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := h.o.Subscribe(ctx)

	var mu sync.Mutex
	var lengths []int
	go func() {
		for snap := range updates {
			mu.Lock()
			lengths = append(lengths, len(snap.History))
			mu.Unlock()
		}
	}()

	h.completeTurn("Présentez-vous.")
	require.NoError(t, h.o.BeginSpeaking(h.ctx()))
	h.rec.last().Result(capture.Update{Segments: []capture.Segment{{Text: "Je suis Alex", Final: true}}})
	h.client.On("Stream", mock.Anything, mock.Anything, mock.Anything).
		Run(emitTokens("Merci.")).Return(nil).Once()
	h.clk.Advance(2 * time.Second)

	u := h.waitReplies(2)[1]
	u.ev.Started()
	u.ev.Ended()
	snap := h.waitFor(func(s Snapshot) bool { return s.Phase == ports.PhaseIdle && len(s.History) == 4 }, "second turn")
	assert.Equal(t, "Merci.", snap.History[3].Content)

	require.NoError(t, h.o.EndInterview(h.ctx()))
	h.waitFor(func(s Snapshot) bool { return len(s.History) == 0 }, "reset")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lengths) > 0 && lengths[len(lengths)-1] == 0
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	resetAt := len(lengths) - 1
	for resetAt > 0 && lengths[resetAt-1] == 0 {
		resetAt--
	}
	for i := 1; i < resetAt; i++ {
		assert.GreaterOrEqual(t, lengths[i], lengths[i-1], "history shrank at update %d", i)
	}
}

func TestSnapshot_ElapsedFollowsClock(t *testing.T) {
	h := newHarness(t)
	h.completeTurn("Bonjour")

	h.clk.Advance(65 * time.Second)
	snap := h.o.Snapshot()
	assert.Equal(t, 65*time.Second, snap.Elapsed(h.clk.Now()))
	assert.True(t, snap.MicEnabled)
	assert.True(t, snap.SendEnabled)
}

func TestBeginSpeaking_UnsupportedCapture(t *testing.T) {
	cfg := &config.Config{}
	cfg.Interview.OpeningTurn = openingTurn
	cfg.Interview.Locale = "fr-FR"
	cfg.Capture.SilenceTimeout = 2 * time.Second

	o := NewFromConfig(cfg, Backends{Synthesizer: &fakeSynth{}, Client: &mockClient{}}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	assert.False(t, o.Snapshot().Supported)
	assert.ErrorIs(t, o.BeginSpeaking(context.Background()), ErrCaptureUnsupported)
	assert.Equal(t, ports.PhaseIdle, o.Snapshot().Phase)
}

func TestActionsAfterStop(t *testing.T) {
	o := New(capture.New(nil, capture.Options{}), output.New(nil, output.Settings{}, zerolog.Nop()), &mockClient{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, o.Run(ctx))

	assert.ErrorIs(t, o.EndInterview(context.Background()), ErrStopped)
}
