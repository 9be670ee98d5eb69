package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fairyhunter13/llm-relay/internal/adapter/observability"
	"github.com/fairyhunter13/llm-relay/internal/domain"
	"github.com/fairyhunter13/llm-relay/internal/service/dispatch"
)

// maxBodyBytes caps the inbound request body; Anthropic request bodies with
// long contexts stay well under this.
const maxBodyBytes = 32 << 20

// sseSink writes relayed stream lines straight to the client. Headers go out
// lazily on the first byte so failed attempts can still produce a JSON error.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) Write(p []byte) (int, error) {
	if !s.started {
		s.started = true
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
	}
	return s.w.Write(p)
}

func (s *sseSink) Flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// MessagesHandler proxies POST /v1/messages through the dispatch pipeline.
func (s *Server) MessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeError(w, r, domain.ErrUnauthorized, nil)
			return
		}

		s.inflight.Add(1)
		observability.ConcurrentSessions.WithLabelValues("proxy").Inc()
		defer func() {
			s.inflight.Add(-1)
			observability.ConcurrentSessions.WithLabelValues("proxy").Dec()
		}()

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, r, fmt.Errorf("read body: %w", domain.ErrInvalidArgument), nil)
			return
		}
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, r, fmt.Errorf("malformed JSON body: %w", domain.ErrInvalidArgument), nil)
			return
		}

		model, _ := body["model"].(string)
		if model == "" {
			writeError(w, r, fmt.Errorf("model is required: %w", domain.ErrInvalidArgument), nil)
			return
		}
		stream := false
		if v, ok := body["stream"].(bool); ok {
			stream = v
		} else if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			stream = true
		}

		req := dispatch.Request{
			Body:      body,
			RawBody:   raw,
			Model:     model,
			Stream:    stream,
			Accept:    r.Header.Get("Accept"),
			UserAgent: r.Header.Get("User-Agent"),
			SessionID: sessionIDOf(r, body),
		}

		flusher, _ := w.(http.Flusher)
		sink := &sseSink{w: w, flusher: flusher}

		resp, err := s.dispatcher.Handle(r.Context(), id.User, id.Key, req, sink)
		if sink.started {
			// The stream already reached the client; nothing more to send.
			return
		}
		if err != nil && (resp.Status == 0 || resp.Body == nil) {
			writeError(w, r, err, nil)
			return
		}

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		status := resp.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		w.WriteHeader(status)
		_, _ = w.Write(resp.Body)
	}
}

// sessionIDOf resolves the caller's session identity: explicit header first,
// then the metadata.user_id field Anthropic clients send.
func sessionIDOf(r *http.Request, body map[string]any) string {
	if sid := r.Header.Get("x-session-id"); sid != "" {
		return sid
	}
	if meta, ok := body["metadata"].(map[string]any); ok {
		if uid, ok := meta["user_id"].(string); ok {
			return uid
		}
	}
	return ""
}
