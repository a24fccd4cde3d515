package bridge_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/promptbridge/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalogServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestListModels(t *testing.T) {
	srv := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/models", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{
			"data": [
				{"id":"vendor/fast","name":"Fast","context_length":32768,
				 "pricing":{"prompt":"0.0000005","completion":"0.0000015"}},
				{"id":"vendor/smart","name":"Smart","context_length":200000,
				 "pricing":{"prompt":"0.000003","completion":"0.000015"}}
			]
		}`)
	})

	models, err := bridge.ListModels(context.Background(), srv.URL, "test-key")
	require.NoError(t, err)
	require.Len(t, models, 2)

	assert.Equal(t, "vendor/fast", models[0].ID)
	assert.Equal(t, "Fast", models[0].Name)
	assert.Equal(t, 32768, models[0].ContextLength)
	assert.Equal(t, "0.0000005", models[0].PromptPrice)
	assert.Equal(t, "0.000015", models[1].CompletionPrice)
}

func TestListModelsNoAuthHeaderWithoutKey(t *testing.T) {
	srv := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":[]}`)
	})

	models, err := bridge.ListModels(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestListModelsHTTPError(t *testing.T) {
	srv := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"down for maintenance"}}`)
	})

	_, err := bridge.ListModels(context.Background(), srv.URL, "")
	var se *bridge.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, bridge.KindHTTP, se.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Contains(t, se.Body, "down for maintenance")
}

func TestListModelsMissingData(t *testing.T) {
	srv := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[]}`)
	})

	_, err := bridge.ListModels(context.Background(), srv.URL, "")
	var se *bridge.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, bridge.KindPayload, se.Kind)
}
