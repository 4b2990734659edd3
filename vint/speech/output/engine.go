// Package output voices reply text through a speech synthesizer.
package output

import (
	"regexp"
	"strings"
	"sync"

	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Voice is a synthesizer voice.
type Voice struct {
	Name    string `json:"name"`
	Lang    string `json:"lang"`
	Default bool   `json:"default,omitempty"`
}

// Utterance is one block of text handed to the synthesizer.
type Utterance struct {
	ID     string  `json:"id"`
	Text   string  `json:"text"`
	Lang   string  `json:"lang"`
	Voice  string  `json:"voice,omitempty"`
	Rate   float64 `json:"rate"`
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
}

// Events receives the lifecycle of one utterance.
type Events interface {
	Started()
	Ended()
	Failed(err error)
}

// Synthesizer is the speech synthesis capability. Speak starting a new
// utterance does not cancel the previous one; the engine does that.
type Synthesizer interface {
	Speak(u Utterance, ev Events) error
	Cancel()
	Voices() []Voice
}

// Settings are applied to every utterance.
type Settings struct {
	Lang   string
	Rate   float64
	Pitch  float64
	Volume float64
}

var markup = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\*\*(.*?)\*\*`), "$1"},
	{regexp.MustCompile(`\*(.*?)\*`), "$1"},
	{regexp.MustCompile("`(.*?)`"), "$1"},
	{regexp.MustCompile(`#{1,6}\s`), ""},
}

// Sanitize strips bold, italic, inline code and heading markers.
func Sanitize(text string) string {
	for _, m := range markup {
		text = m.re.ReplaceAllString(text, m.repl)
	}
	return strings.TrimSpace(text)
}

// SelectVoice prefers an exact locale match, then a voice of the same
// language, then the first voice.
func SelectVoice(voices []Voice, lang string) (Voice, bool) {
	if len(voices) == 0 {
		return Voice{}, false
	}
	for _, v := range voices {
		if v.Lang == lang {
			return v, true
		}
	}
	prefix, _, _ := strings.Cut(lang, "-")
	for _, v := range voices {
		if strings.HasPrefix(v.Lang, prefix) {
			return v, true
		}
	}
	return voices[0], true
}

// Engine implements ports.OutputEngine. Tokens are buffered with Enqueue and
// voiced as one utterance on Flush.
type Engine struct {
	synth    Synthesizer
	settings Settings
	logger   zerolog.Logger

	mu       sync.Mutex
	buffer   strings.Builder
	unlocked bool
	speaking bool
	current  string
	onStatus func(bool)
}

// New creates an engine. Zero rate, pitch or volume default to 1.
func New(synth Synthesizer, settings Settings, logger zerolog.Logger) *Engine {
	if settings.Rate == 0 {
		settings.Rate = 1
	}
	if settings.Pitch == 0 {
		settings.Pitch = 1
	}
	if settings.Volume == 0 {
		settings.Volume = 1
	}
	return &Engine{
		synth:    synth,
		settings: settings,
		logger:   logger.With().Str("component", "output").Logger(),
	}
}

// SetStatusHandler registers fn to be told when speech starts and stops.
func (e *Engine) SetStatusHandler(fn func(speaking bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStatus = fn
}

// IsSpeaking reports whether an utterance is being voiced.
func (e *Engine) IsSpeaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// Enqueue appends a streamed chunk to the buffer without speaking it.
func (e *Engine) Enqueue(chunk string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer.WriteString(chunk)
}

// Buffered returns the text waiting for Flush.
func (e *Engine) Buffered() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffer.String()
}

// Flush speaks the buffer and clears it. It reports false, without touching
// the synthesizer, when there is nothing to say.
func (e *Engine) Flush() bool {
	e.mu.Lock()
	text := strings.TrimSpace(e.buffer.String())
	e.buffer.Reset()
	if text == "" {
		e.mu.Unlock()
		return false
	}
	clean := Sanitize(text)
	if clean == "" || e.synth == nil {
		e.mu.Unlock()
		return false
	}

	u := Utterance{
		ID:     uuid.NewString(),
		Text:   clean,
		Lang:   e.settings.Lang,
		Rate:   e.settings.Rate,
		Pitch:  e.settings.Pitch,
		Volume: e.settings.Volume,
	}
	if v, ok := SelectVoice(e.synth.Voices(), e.settings.Lang); ok {
		u.Voice = v.Name
	}
	e.current = u.ID
	e.mu.Unlock()

	e.synth.Cancel()
	if err := e.synth.Speak(u, &utteranceEvents{engine: e, id: u.ID}); err != nil {
		e.logger.Error().Err(err).Str("utterance", u.ID).Msg("speak failed")
		e.mu.Lock()
		if e.current == u.ID {
			e.current = ""
		}
		e.mu.Unlock()
		return false
	}

	e.logger.Debug().Str("utterance", u.ID).Int("chars", len(clean)).Msg("utterance queued")
	return true
}

// Stop cancels the current utterance and clears the buffer.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.buffer.Reset()
	e.current = ""
	was := e.speaking
	e.speaking = false
	onStatus := e.onStatus
	e.mu.Unlock()

	if e.synth != nil {
		e.synth.Cancel()
	}
	if was && onStatus != nil {
		onStatus(false)
	}
}

// Unlock primes the synthesizer with a silent utterance. Only the first call
// does anything.
func (e *Engine) Unlock() {
	e.mu.Lock()
	if e.unlocked || e.synth == nil {
		e.mu.Unlock()
		return
	}
	e.unlocked = true
	e.mu.Unlock()

	u := Utterance{ID: uuid.NewString(), Text: " ", Lang: e.settings.Lang, Rate: 1, Pitch: 1, Volume: 0}
	if err := e.synth.Speak(u, discardEvents{}); err != nil {
		e.logger.Warn().Err(err).Msg("unlock failed")
	}
}

func (e *Engine) setSpeaking(id string, speaking bool) {
	e.mu.Lock()
	if id != e.current {
		e.mu.Unlock()
		return
	}
	if !speaking {
		e.current = ""
	}
	e.speaking = speaking
	onStatus := e.onStatus
	e.mu.Unlock()

	if onStatus != nil {
		onStatus(speaking)
	}
}

type utteranceEvents struct {
	engine *Engine
	id     string
}

func (u *utteranceEvents) Started() { u.engine.setSpeaking(u.id, true) }
func (u *utteranceEvents) Ended()   { u.engine.setSpeaking(u.id, false) }

func (u *utteranceEvents) Failed(err error) {
	u.engine.logger.Warn().Err(err).Str("utterance", u.id).Msg("utterance failed")
	u.engine.setSpeaking(u.id, false)
}

type discardEvents struct{}

func (discardEvents) Started()     {}
func (discardEvents) Ended()       {}
func (discardEvents) Failed(error) {}

var _ ports.OutputEngine = (*Engine)(nil)
