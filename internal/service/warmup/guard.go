// Package warmup short-circuits client warmup probes before they reach any
// upstream.
//
// Anthropic CLI clients fire a tiny "quota" message at a haiku model to warm
// their connection. Forwarding those burns upstream quota for nothing, so the
// guard recognizes the shape, answers locally with a fixed valid response, and
// records a zero-cost ledger row for diagnostics.
package warmup

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// BlockedByTag marks warmup-intercepted rows in the ledger.
const BlockedByTag = "warmup"

// modelAllowlist holds the model prefixes warmup probes are known to target.
var modelAllowlist = []string{
	"claude-3-5-haiku",
	"claude-3-haiku",
	"claude-haiku",
}

// warmupText is the single-message payload the probe carries.
const warmupText = "quota"

// Response is a locally synthesized reply.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Stream      bool
}

// Guard matches and answers warmup probes.
type Guard struct {
	ledger   domain.LedgerRepo
	sessions domain.SessionStore
	tag      func() string // service tag recorded in blockedReason

	now   func() time.Time
	newID func() string
}

// New constructs a Guard. sessions may be nil when replay capture is off.
// serviceTag is read per intercept so admin settings changes take effect
// without a restart.
func New(ledger domain.LedgerRepo, sessions domain.SessionStore, serviceTag func() string) *Guard {
	if serviceTag == nil {
		serviceTag = func() string { return "" }
	}
	return &Guard{
		ledger:   ledger,
		sessions: sessions,
		tag:      serviceTag,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Match reports whether the decoded body plus Accept header fit the warmup
// fingerprint, and whether the caller expects a stream.
func Match(body map[string]any, accept string) (stream, ok bool) {
	model, _ := body["model"].(string)
	if !modelAllowed(model) {
		return false, false
	}
	if mt, has := intField(body, "max_tokens"); has && mt > 1 {
		return false, false
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		return false, false
	}
	msg, _ := msgs[0].(map[string]any)
	if role, _ := msg["role"].(string); role != "user" {
		return false, false
	}
	if !isWarmupContent(msg["content"]) {
		return false, false
	}

	if v, has := body["stream"].(bool); has {
		stream = v
	} else {
		stream = strings.Contains(accept, "text/event-stream")
	}
	return stream, true
}

func modelAllowed(model string) bool {
	for _, p := range modelAllowlist {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// isWarmupContent accepts the probe text either as a bare string or as a
// single text content block.
func isWarmupContent(content any) bool {
	switch c := content.(type) {
	case string:
		return strings.TrimSpace(c) == warmupText
	case []any:
		if len(c) != 1 {
			return false
		}
		block, _ := c[0].(map[string]any)
		if t, _ := block["type"].(string); t != "text" {
			return false
		}
		text, _ := block["text"].(string)
		return strings.TrimSpace(text) == warmupText
	}
	return false
}

func intField(body map[string]any, key string) (int, bool) {
	switch v := body[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

type blockedReason struct {
	Type            string `json:"type"`
	InterceptedBy   string `json:"interceptedBy"`
	SkippedUpstream bool   `json:"skippedUpstream"`
}

// Intercept synthesizes the response for a matched probe, records the
// zero-cost ledger row, and captures the reply for session replay.
func (g *Guard) Intercept(ctx domain.Context, user domain.User, key domain.Key, model, sessionID string, stream bool) (Response, error) {
	id := g.newID()
	resp := synthesize(id, model, stream)

	reason, err := json.Marshal(blockedReason{
		Type:            "anthropic_warmup",
		InterceptedBy:   g.tag(),
		SkippedUpstream: true,
	})
	if err != nil {
		return Response{}, fmt.Errorf("op=warmup.intercept: %w", err)
	}

	tag := BlockedByTag
	entry := domain.UsageEntry{
		ID:              id,
		CreatedAt:       g.now(),
		UserID:          user.ID,
		KeyHash:         key.SecretHash,
		FinalProviderID: 0,
		CostUSD:         0,
		IsSuccess:       true,
		BlockedBy:       &tag,
		BlockedReason:   string(reason),
	}
	if err := g.ledger.Append(ctx, entry); err != nil {
		return Response{}, fmt.Errorf("op=warmup.intercept: %w", err)
	}

	if g.sessions != nil && sessionID != "" {
		sess := domain.ActiveSession{
			SessionID:       sessionID,
			StartedAt:       entry.CreatedAt,
			ResponseBody:    resp.Body,
			ResponseHeaders: map[string]string{"Content-Type": resp.ContentType},
			Status:          "warmup_intercepted",
		}
		if serr := g.sessions.Save(ctx, sess); serr != nil {
			slog.Warn("warmup session capture failed",
				slog.String("session_id", sessionID), slog.Any("error", serr))
		}
	}

	slog.Debug("warmup probe intercepted",
		slog.Int64("user_id", user.ID), slog.String("model", model), slog.Bool("stream", stream))
	return resp, nil
}

// synthesize builds a minimal valid Anthropic messages response. Streaming
// callers get the canonical SSE event sequence for a one-token reply.
func synthesize(id, model string, stream bool) Response {
	msgID := "msg_" + id
	if !stream {
		body, _ := json.Marshal(map[string]any{
			"id":            msgID,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []map[string]any{{"type": "text", "text": "OK"}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 1, "output_tokens": 1},
		})
		return Response{Status: 200, ContentType: "application/json", Body: body}
	}

	var b strings.Builder
	event := func(name string, payload map[string]any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", name, data)
	}
	event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": msgID, "type": "message", "role": "assistant", "model": model,
			"content": []any{}, "stop_reason": nil,
			"usage": map[string]int{"input_tokens": 1, "output_tokens": 0},
		},
	})
	event("content_block_start", map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	event("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": 0,
		"delta": map[string]any{"type": "text_delta", "text": "OK"},
	})
	event("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	event("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": 1},
	})
	event("message_stop", map[string]any{"type": "message_stop"})

	return Response{Status: 200, ContentType: "text/event-stream", Body: []byte(b.String()), Stream: true}
}
