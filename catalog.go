package bridge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// catalogClient serves the non-streaming catalog endpoint; a regular timeout
// applies.
var catalogClient = &http.Client{Timeout: 60 * time.Second}

// ModelInfo describes one selectable model from the gateway catalog.
type ModelInfo struct {
	ID            string
	Name          string
	ContextLength int
	// Pricing strings are kept as the gateway reports them (per-token USD).
	PromptPrice     string
	CompletionPrice string
}

// ListModels fetches the gateway model catalog. It is not part of the
// streaming core; callers use it to populate the selectable model list.
// baseURL may be empty for the default gateway; apiKey may be empty, the
// catalog endpoint does not require auth.
func ListModels(ctx context.Context, baseURL, apiKey string) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(baseURL, "/models"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := catalogClient.Do(req)
	if err != nil {
		return nil, &StreamError{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, &StreamError{Kind: KindTransport, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StreamError{
			Kind:   KindHTTP,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
			Err:    errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		return nil, &StreamError{Kind: KindPayload, Err: errors.New("catalog response has no data field")}
	}

	var models []ModelInfo
	data.ForEach(func(_, m gjson.Result) bool {
		models = append(models, ModelInfo{
			ID:              m.Get("id").String(),
			Name:            m.Get("name").String(),
			ContextLength:   int(m.Get("context_length").Int()),
			PromptPrice:     m.Get("pricing.prompt").String(),
			CompletionPrice: m.Get("pricing.completion").String(),
		})
		return true
	})
	return models, nil
}
