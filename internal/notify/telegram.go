package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codeready-toolchain/butlerfleet/internal/pipeline"
)

// Telegram lands notify() replies as sendMessage calls and emits the
// per-message lifecycle reactions via setMessageReaction. There is no
// Telegram Bot API SDK among the example repos' dependencies, so this talks
// to the HTTP API directly with net/http — a deliberate stdlib fallback,
// not an oversight (see DESIGN.md).
type Telegram struct {
	token      string
	httpClient *http.Client
	baseURL    string
}

// NewTelegram constructs a Telegram adapter. baseURL defaults to the real
// Bot API root when empty; tests override it to point at a mock server.
func NewTelegram(token, baseURL string) *Telegram {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Telegram{
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}
}

// Dispatch sends reply.Text to the chat extracted from reply.ThreadIdentity
// (the composite chat_id:message_id form), as a threaded reply to the
// originating message when possible.
func (t *Telegram) Dispatch(ctx context.Context, reply Reply) error {
	chatID, messageID, ok := splitThreadIdentity(reply.ThreadIdentity)
	if !ok {
		return fmt.Errorf("telegram: malformed thread identity %q", reply.ThreadIdentity)
	}

	payload := map[string]any{
		"chat_id": chatID,
		"text":    reply.Text,
	}
	if messageID != "" {
		payload["reply_to_message_id"] = messageID
	}

	return t.call(ctx, "sendMessage", payload)
}

// EmitReaction sets the single reaction emoji on the given message,
// satisfying pipeline.ReactionEmitter. Setting a reaction is idempotent:
// the Bot API replaces the previous reaction set rather than appending.
func (t *Telegram) EmitReaction(ctx context.Context, chatID, messageID string, reaction pipeline.Reaction) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"reaction": []map[string]string{
			{"type": "emoji", "emoji": string(reaction)},
		},
	}
	return t.call(ctx, "setMessageReaction", payload)
}

func (t *Telegram) call(ctx context.Context, method string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram: %s returned status %d", method, resp.StatusCode)
	}
	return nil
}

// splitThreadIdentity parses the composite chat_id:message_id thread id.
func splitThreadIdentity(threadIdentity string) (chatID, messageID string, ok bool) {
	parts := strings.SplitN(threadIdentity, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	if _, err := strconv.ParseInt(parts[0], 10, 64); err != nil {
		return "", "", false
	}
	return parts[0], parts[1], true
}
