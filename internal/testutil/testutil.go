// Package testutil provides scripted SSE servers and callback recorders for
// stream tests.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/promptbridge/bridge"
	"github.com/tidwall/gjson"
)

// Frame is one scripted server action within a stream.
type Frame struct {
	// Data is written as "data: <Data>\n\n".
	Data string
	// Raw, when set, is written verbatim instead (for exercising odd
	// framing: comments, CRLF, split writes).
	Raw string
	// Delay is slept before writing.
	Delay time.Duration
	// Hang stops the script here and holds the connection open until the
	// client goes away. Used to trigger idle timeouts.
	Hang bool
	// Drop abruptly severs the connection so the client sees a transport
	// error rather than a clean end of stream.
	Drop bool
}

// Script describes one full response. A zero Status streams Frames; a
// non-zero Status responds with it and Body instead.
type Script struct {
	Status int
	Body   string
	Frames []Frame
}

// Server plays one Script per incoming request, in order, repeating the
// last script once they run out.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	scripts  []Script
	requests int
}

// NewServer starts a scripted SSE server. It is closed with the test.
func NewServer(t *testing.T, scripts ...Script) *Server {
	t.Helper()
	if len(scripts) == 0 {
		t.Fatal("testutil: NewServer needs at least one script")
	}
	s := &Server{scripts: scripts}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// Requests returns how many requests the server has received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	i := s.requests
	s.requests++
	if i >= len(s.scripts) {
		i = len(s.scripts) - 1
	}
	script := s.scripts[i]
	s.mu.Unlock()

	if script.Status != 0 {
		w.WriteHeader(script.Status)
		fmt.Fprint(w, script.Body)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	flusher.Flush()

	for _, f := range script.Frames {
		if f.Delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(f.Delay):
			}
		}
		if f.Hang {
			<-r.Context().Done()
			return
		}
		if f.Drop {
			sever(w)
			return
		}
		if f.Raw != "" {
			fmt.Fprint(w, f.Raw)
		} else {
			fmt.Fprintf(w, "data: %s\n\n", f.Data)
		}
		flusher.Flush()
	}
}

// sever closes the underlying connection without the terminal chunk. The
// client drains what was already flushed and then sees an unexpected EOF
// instead of a clean end of stream.
func sever(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

// ModelServer routes each request to a script by the "model" field of its
// JSON body, so concurrent fan-out streams get deterministic responses. It
// also captures every request body.
type ModelServer struct {
	*httptest.Server

	mu     sync.Mutex
	raw    map[string]Script
	bodies [][]byte
}

// NewModelServer starts a server with one script per model id.
func NewModelServer(t *testing.T, scripts map[string]Script) *ModelServer {
	t.Helper()
	m := &ModelServer{raw: scripts}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

func (m *ModelServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	model := gjson.GetBytes(body, "model").String()

	m.mu.Lock()
	m.bodies = append(m.bodies, body)
	script, ok := m.raw[model]
	m.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, `{"error":{"message":"no script for model %s"}}`, model)
		return
	}
	(&Server{scripts: []Script{script}}).handle(w, r)
}

// Bodies returns the captured request bodies in arrival order.
func (m *ModelServer) Bodies() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.bodies...)
}

// Requests returns how many requests the server has received.
func (m *ModelServer) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bodies)
}

// DoneFrame is the terminating sentinel frame.
func DoneFrame() Frame { return Frame{Data: "[DONE]"} }

// TokenFrame wraps token in a delta-style chat-completion chunk.
func TokenFrame(token string) Frame {
	return Frame{Data: fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, token)}
}

// Recorder collects stream callbacks for assertions. Terminal is closed on
// the first OnDone or OnError.
type Recorder struct {
	mu       sync.Mutex
	tokens   []string
	dones    []string
	errs     []error
	retries  []int
	terminal chan struct{}
	once     sync.Once
}

func NewRecorder() *Recorder {
	return &Recorder{terminal: make(chan struct{})}
}

// Callbacks returns callbacks wired to the recorder.
func (r *Recorder) Callbacks() bridge.Callbacks {
	return bridge.Callbacks{
		OnToken: func(token string) {
			r.mu.Lock()
			r.tokens = append(r.tokens, token)
			r.mu.Unlock()
		},
		OnDone: func(full string) {
			r.mu.Lock()
			r.dones = append(r.dones, full)
			r.mu.Unlock()
			r.once.Do(func() { close(r.terminal) })
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.once.Do(func() { close(r.terminal) })
		},
	}
}

// RetryCallbacks returns retry-aware callbacks wired to the recorder.
func (r *Recorder) RetryCallbacks() bridge.RetryCallbacks {
	return bridge.RetryCallbacks{
		Callbacks: r.Callbacks(),
		OnRetry: func(attempt int, _ error) {
			r.mu.Lock()
			r.retries = append(r.retries, attempt)
			r.mu.Unlock()
		},
	}
}

// WaitTerminal blocks until OnDone or OnError has fired, or fails the test
// after timeout.
func (r *Recorder) WaitTerminal(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-r.terminal:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for stream to terminate")
	}
}

func (r *Recorder) Tokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tokens...)
}

func (r *Recorder) Dones() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dones...)
}

func (r *Recorder) Errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *Recorder) Retries() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.retries...)
}

// CallbackCount returns the total number of callbacks of every kind seen.
func (r *Recorder) CallbackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens) + len(r.dones) + len(r.errs) + len(r.retries)
}

// SinkRecorder is a bridge.Sink that records per-model events.
type SinkRecorder struct {
	mu      sync.Mutex
	tokens  map[string][]string
	dones   map[string]string
	errs    map[string]error
	retries map[string][]int
}

func NewSinkRecorder() *SinkRecorder {
	return &SinkRecorder{
		tokens:  map[string][]string{},
		dones:   map[string]string{},
		errs:    map[string]error{},
		retries: map[string][]int{},
	}
}

var _ bridge.Sink = (*SinkRecorder)(nil)

func (s *SinkRecorder) OnToken(model, chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[model] = append(s.tokens[model], chunk)
}

func (s *SinkRecorder) OnDone(model, fullText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dones[model] = fullText
}

func (s *SinkRecorder) OnError(model string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[model] = err
}

func (s *SinkRecorder) OnRetry(model string, attempt int, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[model] = append(s.retries[model], attempt)
}

// Done returns the recorded full text for model and whether OnDone fired.
func (s *SinkRecorder) Done(model string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	full, ok := s.dones[model]
	return full, ok
}

// Err returns the recorded error for model, or nil.
func (s *SinkRecorder) Err(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[model]
}

// Tokens returns the recorded chunks for model.
func (s *SinkRecorder) Tokens(model string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens[model]...)
}
