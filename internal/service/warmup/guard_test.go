package warmup

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

func warmupBody(model string, extra map[string]any) map[string]any {
	body := map[string]any{
		"model":      model,
		"max_tokens": float64(1),
		"messages":   []any{map[string]any{"role": "user", "content": "quota"}},
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func TestMatch(t *testing.T) {
	stream, ok := Match(warmupBody("claude-3-5-haiku-20241022", nil), "")
	assert.True(t, ok)
	assert.False(t, stream)

	stream, ok = Match(warmupBody("claude-3-5-haiku-20241022", map[string]any{"stream": true}), "")
	assert.True(t, ok)
	assert.True(t, stream)

	// Stream intent can also come from the Accept header.
	stream, ok = Match(warmupBody("claude-3-haiku-20240307", nil), "text/event-stream")
	assert.True(t, ok)
	assert.True(t, stream)

	// Body stream flag wins over Accept.
	stream, ok = Match(warmupBody("claude-3-haiku-20240307", map[string]any{"stream": false}), "text/event-stream")
	assert.True(t, ok)
	assert.False(t, stream)
}

func TestMatch_ContentBlockForm(t *testing.T) {
	body := warmupBody("claude-3-5-haiku-20241022", map[string]any{
		"messages": []any{map[string]any{
			"role":    "user",
			"content": []any{map[string]any{"type": "text", "text": "quota"}},
		}},
	})
	_, ok := Match(body, "")
	assert.True(t, ok)
}

func TestMatch_Rejections(t *testing.T) {
	cases := map[string]map[string]any{
		"model outside allowlist": warmupBody("claude-3-opus-20240229", nil),
		"real max_tokens":         warmupBody("claude-3-5-haiku-20241022", map[string]any{"max_tokens": float64(1024)}),
		"different content":       warmupBody("claude-3-5-haiku-20241022", map[string]any{"messages": []any{map[string]any{"role": "user", "content": "hello"}}}),
		"assistant role":          warmupBody("claude-3-5-haiku-20241022", map[string]any{"messages": []any{map[string]any{"role": "assistant", "content": "quota"}}}),
		"multiple messages": warmupBody("claude-3-5-haiku-20241022", map[string]any{"messages": []any{
			map[string]any{"role": "user", "content": "quota"},
			map[string]any{"role": "user", "content": "quota"},
		}}),
		"no messages": warmupBody("claude-3-5-haiku-20241022", map[string]any{"messages": []any{}}),
	}
	for name, body := range cases {
		_, ok := Match(body, "")
		assert.False(t, ok, name)
	}
}

type captureLedger struct {
	domain.LedgerRepo
	entries []domain.UsageEntry
}

func (c *captureLedger) Append(_ domain.Context, e domain.UsageEntry) error {
	c.entries = append(c.entries, e)
	return nil
}

type captureSessions struct {
	domain.SessionStore
	saved []domain.ActiveSession
}

func (c *captureSessions) Save(_ domain.Context, s domain.ActiveSession) error {
	c.saved = append(c.saved, s)
	return nil
}

func TestIntercept_LedgerRowAndReason(t *testing.T) {
	ledger := &captureLedger{}
	sessions := &captureSessions{}
	g := New(ledger, sessions, func() string { return "relay-01" })
	g.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	g.newID = func() string { return "fixed-id" }

	user := domain.User{ID: 7}
	key := domain.Key{SecretHash: "kh"}
	resp, err := g.Intercept(context.Background(), user, key, "claude-3-5-haiku-20241022", "sess-1", false)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "application/json", resp.ContentType)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &msg))
	assert.Equal(t, "msg_fixed-id", msg["id"])
	assert.Equal(t, "end_turn", msg["stop_reason"])

	require.Len(t, ledger.entries, 1)
	row := ledger.entries[0]
	assert.Equal(t, 0.0, row.CostUSD)
	assert.Equal(t, int64(0), row.FinalProviderID)
	assert.Equal(t, int64(7), row.UserID)
	require.NotNil(t, row.BlockedBy)
	assert.Equal(t, "warmup", *row.BlockedBy)

	var reason map[string]any
	require.NoError(t, json.Unmarshal([]byte(row.BlockedReason), &reason))
	assert.Equal(t, "anthropic_warmup", reason["type"])
	assert.Equal(t, "relay-01", reason["interceptedBy"])
	assert.Equal(t, true, reason["skippedUpstream"])

	require.Len(t, sessions.saved, 1)
	assert.Equal(t, "sess-1", sessions.saved[0].SessionID)
	assert.Equal(t, "warmup_intercepted", sessions.saved[0].Status)
}

func TestIntercept_ServiceTagFollowsSettings(t *testing.T) {
	ledger := &captureLedger{}
	tag := "relay-01"
	g := New(ledger, nil, func() string { return tag })

	_, err := g.Intercept(context.Background(), domain.User{ID: 1}, domain.Key{}, "claude-3-5-haiku-20241022", "", false)
	require.NoError(t, err)

	tag = "relay-02"
	_, err = g.Intercept(context.Background(), domain.User{ID: 1}, domain.Key{}, "claude-3-5-haiku-20241022", "", false)
	require.NoError(t, err)

	require.Len(t, ledger.entries, 2)
	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(ledger.entries[0].BlockedReason), &first))
	require.NoError(t, json.Unmarshal([]byte(ledger.entries[1].BlockedReason), &second))
	assert.Equal(t, "relay-01", first["interceptedBy"])
	assert.Equal(t, "relay-02", second["interceptedBy"], "renamed service tag applies without restart")
}

func TestIntercept_StreamingShape(t *testing.T) {
	g := New(&captureLedger{}, nil, func() string { return "relay-01" })

	resp, err := g.Intercept(context.Background(), domain.User{ID: 1}, domain.Key{}, "claude-3-5-haiku-20241022", "", true)
	require.NoError(t, err)
	assert.True(t, resp.Stream)
	assert.Equal(t, "text/event-stream", resp.ContentType)

	body := string(resp.Body)
	for _, ev := range []string{
		"event: message_start", "event: content_block_start", "event: content_block_delta",
		"event: content_block_stop", "event: message_delta", "event: message_stop",
	} {
		assert.Contains(t, body, ev)
	}
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}
