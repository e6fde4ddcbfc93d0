package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/butlerfleet/internal/pipeline"
)

func TestTelegram_DispatchSendsMessageToParsedChatID(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("test-token", srv.URL)
	err := tg.Dispatch(context.Background(), Reply{Channel: "telegram", ThreadIdentity: "123:456", Text: "done"})
	require.NoError(t, err)

	assert.Equal(t, "/bottest-token/sendMessage", gotPath)
	assert.Equal(t, "123", gotBody["chat_id"])
	assert.Equal(t, "456", gotBody["reply_to_message_id"])
}

func TestTelegram_DispatchRejectsMalformedThreadIdentity(t *testing.T) {
	tg := NewTelegram("test-token", "http://unused.invalid")
	err := tg.Dispatch(context.Background(), Reply{Channel: "telegram", ThreadIdentity: "not-composite"})
	require.Error(t, err)
}

func TestTelegram_EmitReactionSetsEmoji(t *testing.T) {
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("test-token", srv.URL)
	err := tg.EmitReaction(context.Background(), "123", "456", pipeline.ReactionSuccess)
	require.NoError(t, err)

	reactions := gotBody["reaction"].([]any)
	require.Len(t, reactions, 1)
	first := reactions[0].(map[string]any)
	assert.Equal(t, "✅", first["emoji"])
}

func TestTelegram_CallReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tg := NewTelegram("test-token", srv.URL)
	err := tg.Dispatch(context.Background(), Reply{ThreadIdentity: "1:2", Text: "x"})
	require.Error(t, err)
}
