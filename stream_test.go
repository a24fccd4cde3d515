package bridge_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/promptbridge/bridge"
	"github.com/promptbridge/bridge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func testRequest(url string) bridge.Request {
	return bridge.Request{
		APIKey:  "test-key",
		BaseURL: url,
		Model:   "demo/echo",
		Messages: []bridge.Message{
			bridge.NewUserMessage("hi"),
		},
	}
}

func TestOpenStreamsTokens(t *testing.T) {
	srv := testutil.NewServer(t, testutil.Script{Frames: []testutil.Frame{
		testutil.TokenFrame("Hel"),
		testutil.TokenFrame("lo"),
		testutil.DoneFrame(),
	}})

	rec := testutil.NewRecorder()
	h := bridge.Open(context.Background(), testRequest(srv.URL), rec.Callbacks())
	rec.WaitTerminal(t, waitTimeout)
	<-h.Done()

	assert.Equal(t, []string{"Hel", "lo"}, rec.Tokens())
	assert.Equal(t, []string{"Hello"}, rec.Dones())
	assert.Empty(t, rec.Errs())
}

func TestOpenDoneFiresOnceAndStopsStream(t *testing.T) {
	srv := testutil.NewServer(t, testutil.Script{Frames: []testutil.Frame{
		testutil.TokenFrame("a"),
		testutil.DoneFrame(),
		testutil.TokenFrame("never"),
	}})

	rec := testutil.NewRecorder()
	h := bridge.Open(context.Background(), testRequest(srv.URL), rec.Callbacks())
	require.NoError(t, h.Wait(context.Background()))

	assert.Equal(t, []string{"a"}, rec.Tokens())
	assert.Equal(t, []string{"a"}, rec.Dones())
	assert.Empty(t, rec.Errs())
}

func TestOpenHTTPError(t *testing.T) {
	srv := testutil.NewServer(t, testutil.Script{
		Status: http.StatusNotFound,
		Body:   `{"error":{"message":"model not found"}}`,
	})

	rec := testutil.NewRecorder()
	bridge.Open(context.Background(), testRequest(srv.URL), rec.Callbacks())
	rec.WaitTerminal(t, waitTimeout)

	errs := rec.Errs()
	require.Len(t, errs, 1)
	var se *bridge.StreamError
	require.ErrorAs(t, errs[0], &se)
	assert.Equal(t, bridge.KindHTTP, se.Kind)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Contains(t, se.Body, "model not found")
	assert.False(t, se.Retryable())
	assert.Empty(t, rec.Dones())
}

func TestOpenInBandPayloadError(t *testing.T) {
	srv := testutil.NewServer(t, testutil.Script{Frames: []testutil.Frame{
		testutil.TokenFrame("partial"),
		{Data: `{"error":{"message":"provider overloaded"}}`},
	}})

	rec := testutil.NewRecorder()
	bridge.Open(context.Background(), testRequest(srv.URL), rec.Callbacks())
	rec.WaitTerminal(t, waitTimeout)

	errs := rec.Errs()
	require.Len(t, errs, 1)
	var se *bridge.StreamError
	require.ErrorAs(t, errs[0], &se)
	assert.Equal(t, bridge.KindPayload, se.Kind)
	assert.Contains(t, se.Error(), "provider overloaded")
	assert.Equal(t, []string{"partial"}, rec.Tokens())
	assert.Empty(t, rec.Dones())
}

func TestOpenSkipsMalformedFrames(t *testing.T) {
	srv := testutil.NewServer(t, testutil.Script{Frames: []testutil.Frame{
		{Data: `{"choices":[{"delta":{"content":"ok`}, // truncated JSON
		testutil.TokenFrame("fine"),
		testutil.DoneFrame(),
	}})

	rec := testutil.NewRecorder()
	bridge.Open(context.Background(), testRequest(srv.URL), rec.Callbacks())
	rec.WaitTerminal(t, waitTimeout)

	assert.Equal(t, []string{"fine"}, rec.Tokens())
	assert.Equal(t, []string{"fine"}, rec.Dones())
	assert.Empty(t, rec.Errs())
}

func TestOpenIdleTimeout(t *testing.T) {
	srv := testutil.NewServer(t, testutil.Script{Frames: []testutil.Frame{
		{Hang: true},
	}})

	req := testRequest(srv.URL)
	req.IdleTimeout = 80 * time.Millisecond

	rec := testutil.NewRecorder()
	bridge.Open(context.Background(), req, rec.Callbacks())
	rec.WaitTerminal(t, waitTimeout)

	errs := rec.Errs()
	require.Len(t, errs, 1)
	var se *bridge.StreamError
	require.ErrorAs(t, errs[0], &se)
	assert.Equal(t, bridge.KindTimeout, se.Kind)
	assert.Greater(t, se.Stall, time.Duration(0))
	assert.True(t, se.Retryable())
	assert.Empty(t, rec.Dones())
}

func TestOpenEOFWithoutSentinelIsSuccess(t *testing.T) {
	srv := testutil.NewServer(t, testutil.Script{Frames: []testutil.Frame{
		testutil.TokenFrame("all"),
		testutil.TokenFrame(" done"),
		// No [DONE]: the handler returns and the connection closes cleanly.
	}})

	rec := testutil.NewRecorder()
	bridge.Open(context.Background(), testRequest(srv.URL), rec.Callbacks())
	rec.WaitTerminal(t, waitTimeout)

	assert.Equal(t, []string{"all done"}, rec.Dones())
	assert.Empty(t, rec.Errs())
}

func TestOpenCancelSuppressesAllCallbacks(t *testing.T) {
	srv := testutil.NewServer(t, testutil.Script{Frames: []testutil.Frame{
		{Delay: 300 * time.Millisecond, Data: `{"choices":[{"delta":{"content":"late"}}]}`},
		testutil.DoneFrame(),
	}})

	rec := testutil.NewRecorder()
	h := bridge.Open(context.Background(), testRequest(srv.URL), rec.Callbacks())
	h.Cancel()
	h.Cancel() // idempotent
	<-h.Done()

	// Give any stray callback a moment to fire, then assert silence.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.CallbackCount())
}

func TestOpenDropsEmptyTokens(t *testing.T) {
	srv := testutil.NewServer(t, testutil.Script{Frames: []testutil.Frame{
		testutil.TokenFrame(""),
		{Data: `{"choices":[{"delta":{}}]}`},
		testutil.TokenFrame("x"),
		testutil.DoneFrame(),
	}})

	rec := testutil.NewRecorder()
	bridge.Open(context.Background(), testRequest(srv.URL), rec.Callbacks())
	rec.WaitTerminal(t, waitTimeout)

	assert.Equal(t, []string{"x"}, rec.Tokens())
}

func TestOpenResponseShapes(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"delta", `{"choices":[{"delta":{"content":"tok"}}]}`},
		{"message", `{"choices":[{"message":{"content":"tok"}}]}`},
		{"legacy text", `{"choices":[{"text":"tok"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testutil.NewServer(t, testutil.Script{Frames: []testutil.Frame{
				{Data: tt.frame},
				testutil.DoneFrame(),
			}})

			rec := testutil.NewRecorder()
			bridge.Open(context.Background(), testRequest(srv.URL), rec.Callbacks())
			rec.WaitTerminal(t, waitTimeout)

			assert.Equal(t, []string{"tok"}, rec.Tokens())
			assert.Equal(t, []string{"tok"}, rec.Dones())
		})
	}
}

func TestOpenTransportErrorKind(t *testing.T) {
	srv := testutil.NewServer(t, testutil.Script{Frames: []testutil.Frame{
		testutil.TokenFrame("cut"),
		{Drop: true},
	}})

	rec := testutil.NewRecorder()
	bridge.Open(context.Background(), testRequest(srv.URL), rec.Callbacks())
	rec.WaitTerminal(t, waitTimeout)

	errs := rec.Errs()
	require.Len(t, errs, 1)
	var se *bridge.StreamError
	require.ErrorAs(t, errs[0], &se)
	assert.Equal(t, bridge.KindTransport, se.Kind)
	assert.True(t, bridge.Retryable(errs[0]))
	require.False(t, errors.Is(errs[0], context.Canceled))
}
