package interview

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
)

// Snapshot is a read-only projection of the interview for rendering layers.
type Snapshot struct {
	Phase         ports.Phase                 `json:"phase"`
	History       []ports.ConversationMessage `json:"history"`
	Transcript    string                      `json:"transcript"`
	StreamingText string                      `json:"streaming_text"`
	Error         string                      `json:"error,omitempty"`
	Started       bool                        `json:"started"`
	Speaking      bool                        `json:"speaking"`
	Listening     bool                        `json:"listening"`
	MicEnabled    bool                        `json:"mic_enabled"`
	SendEnabled   bool                        `json:"send_enabled"`
	Supported     bool                        `json:"capture_supported"`
	StartedAt     time.Time                   `json:"started_at,omitzero"`
}

// Elapsed is the interview duration at now.
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	if !s.Started || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

type viewState struct {
	mu     sync.RWMutex
	latest Snapshot
	nextID int
	subs   map[int]chan Snapshot
}

// Snapshot returns the latest projection. It is safe to call from any goroutine.
func (o *Orchestrator) Snapshot() Snapshot {
	o.view.mu.RLock()
	defer o.view.mu.RUnlock()
	return o.view.latest
}

// Subscribe delivers a projection after every change until ctx is done.
// Slow readers only see the most recent projection.
func (o *Orchestrator) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	o.view.mu.Lock()
	id := o.view.nextID
	o.view.nextID++
	o.view.subs[id] = ch
	ch <- o.view.latest
	o.view.mu.Unlock()

	go func() {
		<-ctx.Done()
		o.view.mu.Lock()
		delete(o.view.subs, id)
		close(ch)
		o.view.mu.Unlock()
	}()
	return ch
}

// publish rebuilds the projection from loop-owned state.
func (o *Orchestrator) publish() {
	snap := Snapshot{
		Phase:         o.phase,
		History:       append([]ports.ConversationMessage(nil), o.history...),
		Transcript:    o.transcript,
		StreamingText: o.scratch.String(),
		Started:       o.started,
		StartedAt:     o.startedAt,
		Speaking:      o.speaking,
		Listening:     o.capture.IsListening(),
		MicEnabled:    o.phase != ports.PhaseThinking && !o.speaking,
		SendEnabled:   !o.speaking,
		Supported:     o.capture.IsSupported(),
	}
	if o.phase == ports.PhaseError {
		snap.Error = o.errMsg
	}

	o.view.mu.Lock()
	defer o.view.mu.Unlock()
	o.view.latest = snap
	for _, ch := range o.view.subs {
		select {
		case ch <- snap:
		default:
			// replace the stale value
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
