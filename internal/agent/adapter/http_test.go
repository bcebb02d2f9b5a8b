package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adsproject/ads/internal/common/logger"
	"github.com/adsproject/ads/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTPAdapter(t *testing.T, handler http.HandlerFunc) (*HTTPAdapter, *[]*protocol.Event, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a := NewHTTPAdapter(HTTPConfig{
		Metadata: Metadata{ID: "gemini", ModelPrefixes: []string{"gemini-"}},
		BaseURL:  server.URL,
		APIKey:   "test-key",
		Model:    "gemini-2.5-pro",
	}, logger.NewNop())

	events := &[]*protocol.Event{}
	a.OnEvent(func(ev *protocol.Event) {
		*events = append(*events, ev)
	})
	return a, events, server
}

func TestHTTPSendSynthesizesEvents(t *testing.T) {
	var gotRequests []generateRequest
	a, events, _ := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		assert.Contains(t, r.URL.Path, "gemini-2.5-pro:generateContent")

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotRequests = append(gotRequests, req)

		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": "the answer"}},
				}},
			},
		})
	})

	result, err := a.Send(context.Background(), TextInput("question"), SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.Response)
	assert.NotEmpty(t, a.GetThreadID())

	types := make([]string, 0, len(*events))
	for _, ev := range *events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		protocol.EventThreadStarted,
		protocol.EventTurnStarted,
		protocol.EventItemCompleted,
		protocol.EventTurnCompleted,
	}, types)
	assert.Equal(t, protocol.ItemAgentMessage, (*events)[2].Item.Type)

	// A second turn replays the conversation and keeps the thread id.
	first := a.GetThreadID()
	_, err = a.Send(context.Background(), TextInput("follow-up"), SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, a.GetThreadID())

	require.Len(t, gotRequests, 2)
	require.Len(t, gotRequests[1].Contents, 3)
	assert.Equal(t, "question", gotRequests[1].Contents[0].Parts[0].Text)
	assert.Equal(t, "model", gotRequests[1].Contents[1].Role)
	assert.Equal(t, "follow-up", gotRequests[1].Contents[2].Parts[0].Text)
}

func TestHTTPSendSilentSuppressesEvents(t *testing.T) {
	a, events, _ := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "quiet"}}}},
			},
		})
	})

	result, err := a.Send(context.Background(), TextInput("background work"), SendOptions{Silent: true})
	require.NoError(t, err)
	assert.Equal(t, "quiet", result.Response)
	assert.Empty(t, *events, "silent sends must not reach subscribers")

	// The next regular send streams again.
	_, err = a.Send(context.Background(), TextInput("foreground"), SendOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, *events)
}

func TestHTTPSendAPIError(t *testing.T) {
	a, events, _ := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "quota exhausted"},
		})
	})

	_, err := a.Send(context.Background(), TextInput("question"), SendOptions{})
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Contains(t, err.Error(), "quota exhausted")

	last := (*events)[len(*events)-1]
	assert.Equal(t, protocol.EventTurnFailed, last.Type)
	assert.Equal(t, 1, terminalCount(*events))
}

func TestHTTPSendMissingCredentials(t *testing.T) {
	a := NewHTTPAdapter(HTTPConfig{Metadata: Metadata{ID: "gemini"}}, logger.NewNop())

	_, err := a.Send(context.Background(), TextInput("question"), SendOptions{})
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
	assert.False(t, a.Status().Ready)
}

func TestHTTPResetClearsHistory(t *testing.T) {
	calls := 0
	a, _, _ := newTestHTTPAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		if calls == 2 {
			assert.Len(t, req.Contents, 1, "reset must drop replayed history")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "ok"}}}},
			},
		})
	})

	_, err := a.Send(context.Background(), TextInput("one"), SendOptions{})
	require.NoError(t, err)
	first := a.GetThreadID()

	a.Reset()
	assert.Empty(t, a.GetThreadID())

	_, err = a.Send(context.Background(), TextInput("two"), SendOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first, a.GetThreadID())
}

func TestHTTPStreamingDisabled(t *testing.T) {
	a := NewHTTPAdapter(HTTPConfig{Metadata: Metadata{ID: "gemini"}}, logger.NewNop())
	assert.False(t, a.GetStreamingConfig().Enabled)
}
