package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/trading-arena/internal/store"
)

const toolUseReply = `{
  "id": "msg_01",
  "type": "message",
  "role": "assistant",
  "model": "claude-test",
  "content": [
    {"type": "text", "text": "BTC momentum looks strong."},
    {"type": "tool_use", "id": "toolu_01", "name": "create_position", "input": {"symbol": "BTC", "side": "LONG", "confidence": 0.8}}
  ],
  "stop_reason": "tool_use",
  "stop_sequence": null,
  "usage": {"input_tokens": 10, "output_tokens": 10}
}`

const finalReply = `{
  "id": "msg_02",
  "type": "message",
  "role": "assistant",
  "model": "claude-test",
  "content": [{"type": "text", "text": " Opened a long."}],
  "stop_reason": "end_turn",
  "stop_sequence": null,
  "usage": {"input_tokens": 10, "output_tokens": 5}
}`

type recordingExecutor struct {
	got []Action
}

func (r *recordingExecutor) Execute(ctx context.Context, a Action) (string, error) {
	r.got = append(r.got, a)
	return "ok", nil
}

func TestClaudeAdvisorRunsToolLoop(t *testing.T) {
	var calls atomic.Int32
	var secondBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(toolUseReply))
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &secondBody)
		_, _ = w.Write([]byte(finalReply))
	}))
	defer srv.Close()

	adv, err := NewClaudeAdvisor(ClaudeConfig{APIKey: "test-key", RequestsPerMinute: 6000},
		option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	exec := &recordingExecutor{}
	text, err := adv.Advise(context.Background(), "claude-test", Snapshot{}, exec)
	require.NoError(t, err)
	assert.Equal(t, "BTC momentum looks strong. Opened a long.", text)
	assert.EqualValues(t, 2, calls.Load())

	require.Len(t, exec.got, 1)
	assert.Equal(t, store.SubEventCreatePosition, exec.got[0].Kind)
	assert.Equal(t, "BTC", exec.got[0].Symbol)
	assert.Equal(t, 0.8, exec.got[0].Confidence)

	// the follow-up turn carries the tool result back
	msgs, ok := secondBody["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 3)
}

func TestClaudeAdvisorSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`))
	}))
	defer srv.Close()

	adv, err := NewClaudeAdvisor(ClaudeConfig{APIKey: "k", RequestsPerMinute: 6000},
		option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	_, err = adv.Advise(context.Background(), "nope", Snapshot{}, &recordingExecutor{})
	require.Error(t, err)
}

func TestNewClaudeAdvisorRequiresKey(t *testing.T) {
	_, err := NewClaudeAdvisor(ClaudeConfig{})
	require.Error(t, err)
}

func TestParseAction(t *testing.T) {
	a, err := parseAction(toolCreatePosition, json.RawMessage(`{"symbol":"SOL","side":"SHORT","confidence":0.3}`))
	require.NoError(t, err)
	assert.Equal(t, Action{Kind: store.SubEventCreatePosition, Symbol: "SOL", Side: "SHORT", Confidence: 0.3}, a)

	a, err = parseAction(toolCloseAll, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, store.SubEventCloseAllPositions, a.Kind)

	_, err = parseAction("withdraw", nil)
	assert.Error(t, err)
	_, err = parseAction(toolCreatePosition, json.RawMessage(`{"symbol":`))
	assert.Error(t, err)
}
