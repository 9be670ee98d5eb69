package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-Id")
	})

	t.Run("generates when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequestID()(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.NotEmpty(t, seen)
		assert.Len(t, seen, 26, "ULID encoding")
		assert.Equal(t, seen, rec.Header().Get("X-Request-Id"))
	})

	t.Run("keeps caller-supplied id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-Id", "caller-id")
		RequestID()(next).ServeHTTP(rec, req)
		assert.Equal(t, "caller-id", seen)
		assert.Equal(t, "caller-id", rec.Header().Get("X-Request-Id"))
	})

	t.Run("ids are unique", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequestID()(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		first := seen
		RequestID()(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEqual(t, first, seen)
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })
	SecurityHeaders(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRecoverer(t *testing.T) {
	rec := httptest.NewRecorder()
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	Recoverer()(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, 500, rec.Code)
}
