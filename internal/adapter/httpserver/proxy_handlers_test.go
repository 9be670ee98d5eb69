package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

func authedRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	id := Identity{
		User: domain.User{ID: 1, IsEnabled: true},
		Key:  domain.Key{ID: 2, UserID: 1, IsEnabled: true},
	}
	return req.WithContext(context.WithValue(req.Context(), authKey{}, id))
}

func TestMessagesHandler_RejectsBeforeDispatch(t *testing.T) {
	s := &Server{}

	t.Run("missing identity", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{}`))
		s.MessagesHandler()(rec, req)
		assert.Equal(t, 401, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.MessagesHandler()(rec, authedRequest(`{"model":`))
		assert.Equal(t, 400, rec.Code)
		assert.Equal(t, "INVALID_ARGUMENT", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("missing model", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.MessagesHandler()(rec, authedRequest(`{"messages":[]}`))
		assert.Equal(t, 400, rec.Code)
		assert.Contains(t, decodeEnvelope(t, rec).Error.Message, "model")
	})
}

func TestSessionIDOf(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)

	t.Run("header wins over metadata", func(t *testing.T) {
		r := req.Clone(req.Context())
		r.Header.Set("x-session-id", "sess-42")
		body := map[string]any{"metadata": map[string]any{"user_id": "meta-1"}}
		assert.Equal(t, "sess-42", sessionIDOf(r, body))
	})

	t.Run("falls back to metadata user_id", func(t *testing.T) {
		body := map[string]any{"metadata": map[string]any{"user_id": "meta-1"}}
		assert.Equal(t, "meta-1", sessionIDOf(req, body))
	})

	t.Run("empty when neither present", func(t *testing.T) {
		assert.Empty(t, sessionIDOf(req, map[string]any{}))
	})
}

func TestSSESink_LazyHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := &sseSink{w: rec}

	assert.False(t, sink.started)
	_, err := sink.Write([]byte("event: message_start\n\n"))
	assert.NoError(t, err)
	assert.True(t, sink.started)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestReadyzHandler(t *testing.T) {
	t.Run("ok when stores respond", func(t *testing.T) {
		s := &Server{
			dbCheck:    func(context.Context) error { return nil },
			redisCheck: func(context.Context) error { return nil },
		}
		rec := httptest.NewRecorder()
		s.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, 200, rec.Code)
	})

	t.Run("503 when a store is down", func(t *testing.T) {
		s := &Server{
			dbCheck:    func(context.Context) error { return nil },
			redisCheck: func(context.Context) error { return errors.New("connection refused") },
		}
		rec := httptest.NewRecorder()
		s.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, 503, rec.Code)
		assert.Contains(t, rec.Body.String(), "connection refused")
	})
}
