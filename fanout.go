package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink receives per-model stream updates from an Orchestrator. Methods are
// called from the goroutine that owns the model's stream: calls for one
// model are strictly ordered, calls across models are not. Implementations
// must not call back into the Orchestrator.
type Sink interface {
	OnToken(model, chunk string)
	OnDone(model, fullText string)
	OnError(model string, err error)
	OnRetry(model string, attempt int, cause error)
}

// StreamStats collects per-model timing over one send.
type StreamStats struct {
	FirstToken time.Duration
	Total      time.Duration
	Tokens     int
}

// ModelState is the orchestrator's record of one model's stream. It is
// created when a send begins and replaced wholesale on the next send.
type ModelState struct {
	// Text is the accumulated response so far. Stopping a stream freezes
	// it; it is never cleared in place.
	Text    string
	Running bool
	Err     error
	// Attempt is the latest attempt number reported by the retry wrapper.
	Attempt int
	Stats   StreamStats
}

// Config configures an Orchestrator. APIKey is required; everything else
// has a usable zero value.
type Config struct {
	APIKey  string
	BaseURL string

	// SystemPrompt is prepended to every send. Empty means no system
	// message.
	SystemPrompt string

	// WordLimit, when positive, appends a word-budget constraint line to
	// the user prompt.
	WordLimit int

	Params      Sampling
	IdleTimeout time.Duration
	Retry       RetryConfig
	DebugPath   string

	Sink Sink
}

// Orchestrator fans a prompt out to several models concurrently, one
// retry-wrapped stream per model. Models are fully independent: one model's
// failure never affects another's stream.
type Orchestrator struct {
	cfg Config

	mu      sync.Mutex
	states  map[string]*ModelState
	handles map[string]*Handle
	started map[string]time.Time
	gen     uint64 // send generation; stale callbacks are dropped
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		states:  map[string]*ModelState{},
		handles: map[string]*Handle{},
		started: map[string]time.Time{},
	}
}

// Send opens one retrying stream per selected model for prompt, discarding
// all state from the previous send. Precondition violations (missing
// credential, empty model list) are reported synchronously before any
// network activity. All other errors arrive through the sink, per model.
func (o *Orchestrator) Send(ctx context.Context, prompt string, models []string) error {
	if o.cfg.APIKey == "" {
		return ErrMissingAPIKey
	}
	if len(models) == 0 {
		return ErrNoModels
	}

	traceID := uuid.NewString()
	messages := o.baseMessages(prompt)
	now := time.Now()

	o.mu.Lock()
	o.gen++
	gen := o.gen
	prev := o.handles
	o.handles = make(map[string]*Handle, len(models))
	o.states = make(map[string]*ModelState, len(models))
	o.started = make(map[string]time.Time, len(models))
	for _, model := range models {
		o.states[model] = &ModelState{Running: true}
		o.started[model] = now
	}
	o.mu.Unlock()

	for _, h := range prev {
		h.Cancel()
	}

	slog.Info("fanout send", "trace_id", traceID, "models", len(models))

	for _, model := range models {
		req := Request{
			APIKey:      o.cfg.APIKey,
			BaseURL:     o.cfg.BaseURL,
			Model:       model,
			Messages:    messages,
			Params:      o.cfg.Params,
			IdleTimeout: o.cfg.IdleTimeout,
			TraceID:     traceID,
			DebugPath:   o.cfg.DebugPath,
		}
		cb := RetryCallbacks{
			Callbacks: Callbacks{
				OnToken: func(token string) { o.onToken(gen, model, token) },
				OnDone:  func(full string) { o.onDone(gen, model, full) },
				OnError: func(err error) { o.onError(gen, model, err) },
			},
			OnRetry: func(attempt int, cause error) { o.onRetry(gen, model, attempt, cause) },
		}
		h := OpenWithRetry(ctx, req, cb, o.cfg.Retry)

		o.mu.Lock()
		if o.gen == gen {
			o.handles[model] = h
		} else {
			// A newer send raced in; this stream is already obsolete.
			h.Cancel()
		}
		o.mu.Unlock()
	}
	return nil
}

// StopAll cancels every in-flight stream and marks all entries non-running.
// Accumulated text is kept.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	handles := o.handles
	o.handles = map[string]*Handle{}
	for _, st := range o.states {
		st.Running = false
	}
	o.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// StopOne cancels a single model's stream, keeping its accumulated text.
func (o *Orchestrator) StopOne(model string) {
	o.mu.Lock()
	h := o.handles[model]
	delete(o.handles, model)
	if st := o.states[model]; st != nil {
		st.Running = false
	}
	o.mu.Unlock()

	if h != nil {
		h.Cancel()
	}
}

// State returns a copy of one model's state. The second result is false if
// the model was not part of the current send.
func (o *Orchestrator) State(model string) (ModelState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.states[model]
	if st == nil {
		return ModelState{}, false
	}
	return *st, true
}

// States returns a snapshot of all per-model state of the current send.
func (o *Orchestrator) States() map[string]ModelState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]ModelState, len(o.states))
	for model, st := range o.states {
		out[model] = *st
	}
	return out
}

// baseMessages builds the shared message list for one send: the system
// preamble plus the user prompt, with the optional word-limit constraint
// appended.
func (o *Orchestrator) baseMessages(prompt string) []Message {
	var msgs []Message
	if o.cfg.SystemPrompt != "" {
		msgs = append(msgs, NewSystemMessage(o.cfg.SystemPrompt))
	}
	if o.cfg.WordLimit > 0 {
		prompt = fmt.Sprintf("%s\n\nLimit your answer to at most %d words.", prompt, o.cfg.WordLimit)
	}
	return append(msgs, NewUserMessage(prompt))
}

// track looks up the state entry for a live callback. It returns nil when
// the callback belongs to a previous send or a stopped stream, which drops
// the update.
func (o *Orchestrator) track(gen uint64, model string) *ModelState {
	if gen != o.gen {
		return nil
	}
	st := o.states[model]
	if st == nil || !st.Running {
		return nil
	}
	return st
}

func (o *Orchestrator) onToken(gen uint64, model, token string) {
	o.mu.Lock()
	st := o.track(gen, model)
	if st == nil {
		o.mu.Unlock()
		return
	}
	if st.Stats.Tokens == 0 {
		st.Stats.FirstToken = time.Since(o.started[model])
	}
	st.Stats.Tokens++
	st.Text += token
	sink := o.cfg.Sink
	o.mu.Unlock()

	if sink != nil {
		sink.OnToken(model, token)
	}
}

func (o *Orchestrator) onDone(gen uint64, model, full string) {
	o.mu.Lock()
	st := o.track(gen, model)
	if st == nil {
		o.mu.Unlock()
		return
	}
	st.Text = full
	st.Running = false
	st.Stats.Total = time.Since(o.started[model])
	sink := o.cfg.Sink
	o.mu.Unlock()

	if sink != nil {
		sink.OnDone(model, full)
	}
}

func (o *Orchestrator) onError(gen uint64, model string, err error) {
	o.mu.Lock()
	st := o.track(gen, model)
	if st == nil {
		o.mu.Unlock()
		return
	}
	st.Err = err
	st.Running = false
	st.Stats.Total = time.Since(o.started[model])
	sink := o.cfg.Sink
	o.mu.Unlock()

	slog.Warn("model stream failed", "model", model, "error", err)
	if sink != nil {
		sink.OnError(model, err)
	}
}

func (o *Orchestrator) onRetry(gen uint64, model string, attempt int, cause error) {
	o.mu.Lock()
	st := o.track(gen, model)
	if st == nil {
		o.mu.Unlock()
		return
	}
	st.Attempt = attempt
	sink := o.cfg.Sink
	o.mu.Unlock()

	if sink != nil {
		sink.OnRetry(model, attempt, cause)
	}
}
