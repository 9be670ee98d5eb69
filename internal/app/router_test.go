package app_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	httpserver "github.com/fairyhunter13/llm-relay/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-relay/internal/app"
	"github.com/fairyhunter13/llm-relay/internal/config"
)

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, app.ParseOrigins(""))
	assert.Equal(t, []string{"*"}, app.ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		app.ParseOrigins(" https://a.example, https://b.example ,"))
}

// Admin mutations answer PATCH, with PUT kept as an alias. The malformed
// body keeps the handlers from touching their repositories; any status but
// 404 or 405 proves the verb and route are mounted.
func TestBuildRouter_AdminMutationVerbs(t *testing.T) {
	srv := httpserver.NewServer(httpserver.ServerDeps{AdminToken: "top-secret"})
	h := app.BuildRouter(config.Config{AdminToken: "top-secret", RateLimitPerMin: 100}, srv)

	paths := []string{
		"/admin/users/1",
		"/admin/keys/1",
		"/admin/providers/1",
		"/admin/providers/1/endpoints/2",
		"/admin/error-rules/1",
		"/admin/system-settings",
	}
	for _, method := range []string{http.MethodPatch, http.MethodPut} {
		for _, path := range paths {
			t.Run(method+" "+path, func(t *testing.T) {
				rec := httptest.NewRecorder()
				req := httptest.NewRequest(method, path, strings.NewReader(`{`))
				req.Header.Set("Authorization", "Bearer top-secret")
				h.ServeHTTP(rec, req)
				assert.NotEqual(t, http.StatusNotFound, rec.Code)
				assert.NotEqual(t, http.StatusMethodNotAllowed, rec.Code)
			})
		}
	}
}
