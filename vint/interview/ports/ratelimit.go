package interviewports

import "context"

// RateLimiter admits or rejects a request from the client identified by key.
// release is called once the request has been served.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
