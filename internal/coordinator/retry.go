package coordinator

import (
	"context"

	"github.com/google/uuid"
)

// RetryPolicy governs what QueueWrite does when a forwarded write times
// out waiting for write_result. spec.md §9 leaves this undocumented in
// the source the spec distills from, so it is made pluggable rather than
// guessed at.
type RetryPolicy interface {
	// ShouldRetry is consulted after a forward attempt times out. It
	// returns the WriteRequest to resubmit (possibly with a fresh token)
	// and true, or an empty request and false to give up with Timeout.
	ShouldRetry(ctx context.Context, attempt int, req WriteRequest) (WriteRequest, bool)
}

// NoRetry is the default policy: a timed-out forward fails immediately
// with Timeout, matching the source's undocumented (and conservative)
// behavior.
type NoRetry struct{}

func (NoRetry) ShouldRetry(context.Context, int, WriteRequest) (WriteRequest, bool) {
	return WriteRequest{}, false
}

// FreshToken resubmits with a newly minted token after each timeout, up to
// MaxAttempts resubmissions (1 when MaxAttempts is not positive). This makes write forwarding at-least-once, not
// exactly-once — callers opting in must tolerate the leader applying the
// statement more than once if earlier write_results were themselves lost.
type FreshToken struct {
	MaxAttempts int
}

func (p FreshToken) ShouldRetry(_ context.Context, attempt int, req WriteRequest) (WriteRequest, bool) {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	if attempt >= max {
		return WriteRequest{}, false
	}
	req.Token = uuid.NewString()
	return req, true
}
