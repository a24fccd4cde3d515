package bridge

import "context"

// Handle controls one logical stream. At most one transport connection is
// open per handle at any instant; retries replace the active connection,
// never add to it.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newHandle(cancel context.CancelFunc) *Handle {
	return &Handle{cancel: cancel, done: make(chan struct{})}
}

// Cancel aborts the stream and any scheduled retry. It is idempotent and
// suppresses every later callback.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the stream has fully terminated, whether by
// completion, error or cancellation.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the stream terminates or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return nil
	}
}

// finish marks the stream terminated. Called exactly once by the owner.
func (h *Handle) finish() { close(h.done) }
