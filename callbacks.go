package bridge

import "context"

// Callbacks receive the events of one stream. Nil fields are skipped.
// After a handle is cancelled no callback fires: the operation is considered
// abandoned, not failed.
type Callbacks struct {
	// OnToken receives each non-empty incremental content token.
	OnToken func(token string)
	// OnDone receives the full accumulated text exactly once on normal
	// termination ([DONE] sentinel or clean end of stream).
	OnDone func(fullText string)
	// OnError receives the terminal error exactly once on failure.
	OnError func(err error)
}

// token forwards a token unless the stream was cancelled by the caller.
func (cb Callbacks) token(ctx context.Context, s string) {
	if ctx.Err() != nil || cb.OnToken == nil {
		return
	}
	cb.OnToken(s)
}

func (cb Callbacks) done(ctx context.Context, full string) {
	if ctx.Err() != nil || cb.OnDone == nil {
		return
	}
	cb.OnDone(full)
}

func (cb Callbacks) fail(ctx context.Context, err error) {
	if ctx.Err() != nil || cb.OnError == nil {
		return
	}
	cb.OnError(err)
}

// RetryCallbacks extends Callbacks with a retry notification.
type RetryCallbacks struct {
	Callbacks

	// OnRetry fires before each re-attempt with the upcoming attempt number
	// (2 for the first retry) and the error that triggered it.
	OnRetry func(attempt int, cause error)
}

func (cb RetryCallbacks) retry(ctx context.Context, attempt int, cause error) {
	if ctx.Err() != nil || cb.OnRetry == nil {
		return
	}
	cb.OnRetry(attempt, cause)
}
