package interviewports

import "context"

// CaptureEngine turns microphone audio into finalized user utterances.
type CaptureEngine interface {
	// Begin starts listening. It is a no-op when capture is unsupported.
	Begin()
	// End finalizes immediately and returns the submitted text.
	End() string
	// Abort stops listening and discards buffered text without submitting.
	Abort()
	// Transcript is the live finalized+interim text.
	Transcript() string
	IsListening() bool
	IsSupported() bool
	// SetHandlers registers the transcript and final-result callbacks. Every
	// Begin produces exactly one final callback unless Abort intervenes; an
	// empty final text means the turn yielded nothing.
	SetHandlers(onTranscript, onFinal func(text string))
}

// OutputEngine voices reply text.
type OutputEngine interface {
	// Enqueue appends text without speaking.
	Enqueue(chunk string)
	// Flush speaks the whole buffer as one utterance. It reports whether an
	// utterance was handed to the synthesizer.
	Flush() bool
	// Stop cancels the current utterance and clears the buffer.
	Stop()
	// Unlock primes the synthesizer from within a user action. Idempotent.
	Unlock()
	IsSpeaking() bool
	// SetStatusHandler registers a callback fired whenever the speaking flag
	// changes, and whenever a flushed utterance finishes or fails.
	SetStatusHandler(fn func(speaking bool))
}

// CompletionClient streams a reply for the given history. onToken is called
// for every token in arrival order. It returns nil once the terminal marker
// is read and context.Canceled when ctx is cancelled.
type CompletionClient interface {
	Stream(ctx context.Context, history []ChatMessage, onToken func(token string)) error
}
