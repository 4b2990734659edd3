package interview

import (
	"github.com/ZanzyTHEbar/voice-interview/vint/clock"
	"github.com/ZanzyTHEbar/voice-interview/vint/completion"
	"github.com/ZanzyTHEbar/voice-interview/vint/config"
	"github.com/ZanzyTHEbar/voice-interview/vint/interview/adapters"
	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
	"github.com/ZanzyTHEbar/voice-interview/vint/speech/capture"
	"github.com/ZanzyTHEbar/voice-interview/vint/speech/output"
	"github.com/rs/zerolog"
)

// Backends are the speech capabilities an interview runs on.
type Backends struct {
	Recognizer  capture.Recognizer
	Synthesizer output.Synthesizer
	// Client overrides the HTTP completion client.
	Client ports.CompletionClient
	Clock  clock.Clock
}

// NewFromConfig wires both speech engines, the completion client and the
// tracer from configuration.
func NewFromConfig(cfg *config.Config, b Backends, logger zerolog.Logger) *Orchestrator {
	clk := b.Clock
	if clk == nil {
		clk = clock.Real()
	}

	capEngine := capture.New(b.Recognizer, capture.Options{
		Settings: capture.Settings{
			Locale:         cfg.Interview.Locale,
			Continuous:     cfg.Capture.Continuous,
			InterimResults: cfg.Capture.InterimResults,
		},
		SilenceTimeout: cfg.Capture.SilenceTimeout,
		Clock:          clk,
		Logger:         logger,
	})

	outEngine := output.New(b.Synthesizer, output.Settings{
		Lang:   cfg.Interview.Locale,
		Rate:   cfg.Output.Rate,
		Pitch:  cfg.Output.Pitch,
		Volume: cfg.Output.Volume,
	}, logger)

	client := b.Client
	if client == nil {
		client = completion.NewClient(cfg.Interview.CompletionURL, nil, logger)
	}

	var tracer ports.Tracer = adapters.NoopTracer{}
	if cfg.Interview.EnableTracing {
		tracer = adapters.NewZerologTracer(logger)
	}

	return New(capEngine, outEngine, client, Options{
		OpeningTurn:  cfg.Interview.OpeningTurn,
		ErrorDisplay: cfg.Interview.ErrorDisplay,
		Clock:        clk,
		Tracer:       tracer,
		Logger:       logger,
	})
}
