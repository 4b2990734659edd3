package adapters

import (
	"context"
	"time"

	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
	"github.com/rs/zerolog"
)

type spanKey struct{}

type span struct {
	logger  zerolog.Logger
	started time.Time
}

// ZerologTracer writes spans and events as structured log lines. Spans log at
// debug level when they start and finish; a span finished with an error logs
// at error level. Events inside a span carry the span's fields and the time
// elapsed since it started.
type ZerologTracer struct {
	logger zerolog.Logger
	now    func() time.Time
}

func NewZerologTracer(logger zerolog.Logger) *ZerologTracer {
	return &ZerologTracer{
		logger: logger.With().Str("component", "trace").Logger(),
		now:    time.Now,
	}
}

func (t *ZerologTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	s := &span{
		logger:  t.logger.With().Str("span", name).Fields(attrs).Logger(),
		started: t.now(),
	}
	s.logger.Debug().Msg("span started")

	finish := func(err error) {
		ev := s.logger.Debug()
		if err != nil {
			ev = s.logger.Error().Err(err)
		}
		ev.Dur("duration", t.now().Sub(s.started)).Msg("span finished")
	}
	return context.WithValue(ctx, spanKey{}, s), finish
}

func (t *ZerologTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	ev := t.logger.Info()
	if s, ok := ctx.Value(spanKey{}).(*span); ok {
		ev = s.logger.Info().Dur("elapsed", t.now().Sub(s.started))
	}
	ev.Fields(attrs).Str("event", name).Msg(name)
}

// NoopTracer discards spans and events.
type NoopTracer struct{}

func (NoopTracer) StartSpan(ctx context.Context, _ string, _ map[string]any) (context.Context, func(err error)) {
	return ctx, func(error) {}
}

func (NoopTracer) Event(context.Context, string, map[string]any) {}

var (
	_ ports.Tracer = (*ZerologTracer)(nil)
	_ ports.Tracer = NoopTracer{}
)
