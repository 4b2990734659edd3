package interviewports

import "context"

// Tracer records stream sessions as spans and state transitions as events.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error))
	Event(ctx context.Context, name string, attrs map[string]any)
}
