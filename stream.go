package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/promptbridge/bridge/sse"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// DefaultBaseURL is the public gateway endpoint.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// defaultIdleTimeout is the stall window for models that terminate
	// their stream with the [DONE] sentinel.
	defaultIdleTimeout = 30 * time.Second

	// shortIdleTimeout applies to models known to close the connection
	// without ever sending the sentinel; for those a silent stream is
	// indistinguishable from completion, so the window is tighter.
	shortIdleTimeout = 15 * time.Second

	// maxErrorBody bounds how much of a non-2xx response body is kept for
	// the error message.
	maxErrorBody = 32 * 1024
)

// noSentinelModels lists model id prefixes whose streams have been observed
// to end without the [DONE] sentinel.
var noSentinelModels = []string{"google/"}

// streamingClient is shared by all stream requests. No global timeout:
// streams are long-lived and cancellation is context-controlled.
var streamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// tokenPaths are the response shapes tried, in priority order, to extract
// the incremental content token from a frame: delta-style, message-style and
// legacy completion-style.
var tokenPaths = []string{
	"choices.0.delta.content",
	"choices.0.message.content",
	"choices.0.text",
}

// Open issues one streaming chat-completion request for req and drives its
// SSE stream, reporting through cb. The returned handle is the only control
// surface: cancelling it aborts the transport and suppresses all further
// callbacks.
func Open(ctx context.Context, req Request, cb Callbacks) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := newHandle(cancel)
	go func() {
		defer h.finish()
		runStream(ctx, req, cb)
	}()
	return h
}

// runStream performs a single attempt to completion. ctx is the handle's
// context; callback suppression after cancellation checks it.
func runStream(ctx context.Context, req Request, cb Callbacks) {
	lg := slog.With("trace_id", req.TraceID, "model", req.Model)

	debug, err := newDebugLogger(req.DebugPath)
	if err != nil {
		cb.fail(ctx, &StreamError{Kind: KindPrecondition, Err: err})
		return
	}
	defer debug.Close()

	body, err := buildBody(req)
	if err != nil {
		cb.fail(ctx, &StreamError{Kind: KindPrecondition, Err: err})
		return
	}
	_ = debug.Log(newDebugRecord(req, "request", json.RawMessage(body)))

	// The attempt context is cancelled either by the caller (via the
	// handle) or by the idle watchdog; stalled tells the two apart.
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint(req.BaseURL, "/chat/completions"), bytes.NewReader(body))
	if err != nil {
		cb.fail(ctx, &StreamError{Kind: KindPrecondition, Err: err})
		return
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := streamingClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		cb.fail(ctx, &StreamError{Kind: KindTransport, Err: err})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		herr := &StreamError{
			Kind:   KindHTTP,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(b)),
			Err:    errors.New(http.StatusText(resp.StatusCode)),
		}
		lg.Warn("stream request rejected", "status", resp.StatusCode)
		_ = debug.Log(newDebugRecord(req, "error", herr.Error()))
		cb.fail(ctx, herr)
		return
	}

	window := req.idleWindow()
	var stalled atomic.Bool
	lastChunk := time.Now()
	watchdog := time.AfterFunc(window, func() {
		stalled.Store(true)
		cancelAttempt()
	})
	defer watchdog.Stop()

	var acc strings.Builder
	var parser sse.Parser
	buf := make([]byte, 4096)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(window)
			lastChunk = time.Now()
			for _, payload := range parser.Feed(buf[:n]) {
				done, fatal := consumePayload(ctx, req, payload, &acc, cb, lg, debug)
				if fatal != nil {
					_ = debug.Log(newDebugRecord(req, "error", fatal.Error()))
					cb.fail(ctx, fatal)
					return
				}
				if done {
					_ = debug.Log(newDebugRecord(req, "done", acc.Len()))
					cb.done(ctx, acc.String())
					return
				}
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			// Some providers close cleanly without the sentinel; treat as
			// successful completion.
			_ = debug.Log(newDebugRecord(req, "done", acc.Len()))
			cb.done(ctx, acc.String())
			return
		}
		if stalled.Load() {
			stall := time.Since(lastChunk)
			lg.Warn("stream stalled", "stall", stall)
			_ = debug.Log(newDebugRecord(req, "timeout", stall.String()))
			cb.fail(ctx, &StreamError{Kind: KindTimeout, Stall: stall, Err: readErr})
			return
		}
		if ctx.Err() != nil {
			// Caller-initiated abandonment: no callback.
			return
		}
		cb.fail(ctx, &StreamError{Kind: KindTransport, Err: readErr})
		return
	}
}

// consumePayload handles one SSE payload. It reports normal termination via
// done and a fatal in-band error via fatal; malformed frames are logged and
// skipped so a single corrupt frame cannot abort the stream.
func consumePayload(ctx context.Context, req Request, payload string, acc *strings.Builder, cb Callbacks, lg *slog.Logger, debug *debugLogger) (done bool, fatal error) {
	if payload == sse.Done {
		return true, nil
	}
	if !gjson.Valid(payload) {
		lg.Debug("skipping malformed frame", "payload", payload)
		return false, nil
	}
	frame := gjson.Parse(payload)
	_ = debug.Log(newDebugRecord(req, "frame", json.RawMessage(payload)))

	if e := frame.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.Raw
		}
		return false, &StreamError{Kind: KindPayload, Err: errors.New(msg)}
	}

	if token := extractToken(frame); token != "" {
		acc.WriteString(token)
		cb.token(ctx, token)
	}
	return false, nil
}

// extractToken tries each known response shape in priority order and returns
// the first non-empty content string.
func extractToken(frame gjson.Result) string {
	for _, path := range tokenPaths {
		if s := frame.Get(path).String(); s != "" {
			return s
		}
	}
	return ""
}

// idleWindow picks the stall window for the request.
func (r Request) idleWindow() time.Duration {
	if r.IdleTimeout > 0 {
		return r.IdleTimeout
	}
	for _, prefix := range noSentinelModels {
		if strings.HasPrefix(r.Model, prefix) {
			return shortIdleTimeout
		}
	}
	return defaultIdleTimeout
}

func endpoint(baseURL, path string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return strings.TrimRight(baseURL, "/") + path
}

// buildBody assembles the JSON request body: the fixed chat-completion core
// plus every configured sampling parameter.
func buildBody(req Request) ([]byte, error) {
	core := struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
		Stream   bool      `json:"stream"`
	}{req.Model, req.Messages, true}

	body, err := json.Marshal(core)
	if err != nil {
		return nil, err
	}
	return req.Params.apply(body)
}

// apply sets each configured sampling parameter on the JSON body.
func (s Sampling) apply(body []byte) ([]byte, error) {
	var err error
	set := func(path string, v any) {
		if err != nil {
			return
		}
		body, err = sjson.SetBytes(body, path, v)
	}

	if s.Temperature != nil {
		set("temperature", *s.Temperature)
	}
	if s.MaxTokens != nil {
		set("max_tokens", *s.MaxTokens)
	}
	if s.TopP != nil {
		set("top_p", *s.TopP)
	}
	if s.TopK != nil {
		set("top_k", *s.TopK)
	}
	if s.FrequencyPenalty != nil {
		set("frequency_penalty", *s.FrequencyPenalty)
	}
	if s.PresencePenalty != nil {
		set("presence_penalty", *s.PresencePenalty)
	}
	if s.RepetitionPenalty != nil {
		set("repetition_penalty", *s.RepetitionPenalty)
	}
	if s.MinP != nil {
		set("min_p", *s.MinP)
	}
	if s.TopA != nil {
		set("top_a", *s.TopA)
	}
	if s.Seed != nil {
		set("seed", *s.Seed)
	}
	if len(s.Stop) > 0 {
		set("stop", s.Stop)
	}
	for k, v := range s.Extra {
		set(k, v)
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: invalid sampling parameters: %w", err)
	}
	return body, nil
}
