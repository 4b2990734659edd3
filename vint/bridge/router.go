package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	radix "github.com/armon/go-radix"
)

// ErrUnknownType is returned for messages no handler is registered for.
var ErrUnknownType = errors.New("unknown message type")

// HandlerFunc handles one inbound message.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Router dispatches messages by type. A pattern ending in "." is a prefix
// route and catches every type under it that has no exact route.
type Router struct {
	mu   sync.RWMutex
	tree *radix.Tree
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{tree: radix.New()}
}

// Handle registers h for pattern, replacing any previous handler.
func (r *Router) Handle(pattern string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Insert(pattern, h)
}

// Dispatch runs the handler for env.Type, or returns ErrUnknownType.
func (r *Router) Dispatch(ctx context.Context, env Envelope) error {
	r.mu.RLock()
	h, ok := r.lookup(env.Type)
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return h(ctx, env)
}

func (r *Router) lookup(typ string) (HandlerFunc, bool) {
	if v, ok := r.tree.Get(typ); ok {
		return v.(HandlerFunc), true
	}
	// walk up to the nearest prefix route
	s := typ
	for s != "" {
		prefix, v, ok := r.tree.LongestPrefix(s)
		if !ok || prefix == "" {
			return nil, false
		}
		if strings.HasSuffix(prefix, ".") {
			return v.(HandlerFunc), true
		}
		s = prefix[:len(prefix)-1]
	}
	return nil, false
}

// Types lists the registered patterns in lexical order.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	r.tree.Walk(func(s string, _ interface{}) bool {
		out = append(out, s)
		return false
	})
	return out
}
