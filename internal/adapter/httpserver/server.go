package httpserver

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/llm-relay/internal/domain"
	"github.com/fairyhunter13/llm-relay/internal/service/breaker"
	"github.com/fairyhunter13/llm-relay/internal/service/dispatch"
	"github.com/fairyhunter13/llm-relay/internal/service/errorrule"
	"github.com/fairyhunter13/llm-relay/internal/service/settings"
)

// Server bundles the transport dependencies.
type Server struct {
	dispatcher *dispatch.Dispatcher
	users      domain.UserRepo
	keys       domain.KeyRepo
	providers  domain.ProviderRepo
	rules      domain.ErrorRuleRepo
	requests   domain.MessageRequestRepo
	ledger     domain.LedgerRepo
	settings   *settings.Cache
	classifier *errorrule.Classifier
	breakers   *breaker.Registry

	adminToken string
	validate   *validator.Validate
	loc        *time.Location

	// inflight counts live proxy requests for the dashboard overview.
	inflight atomic.Int64

	dbCheck    func(context.Context) error
	redisCheck func(context.Context) error
}

// ServerDeps bundles everything NewServer needs.
type ServerDeps struct {
	Dispatcher *dispatch.Dispatcher
	Users      domain.UserRepo
	Keys       domain.KeyRepo
	Providers  domain.ProviderRepo
	Rules      domain.ErrorRuleRepo
	Requests   domain.MessageRequestRepo
	Ledger     domain.LedgerRepo
	Settings   *settings.Cache
	Classifier *errorrule.Classifier
	Breakers   *breaker.Registry
	AdminToken string
	Loc        *time.Location
	DBCheck    func(context.Context) error
	RedisCheck func(context.Context) error
}

// NewServer constructs a Server.
func NewServer(deps ServerDeps) *Server {
	loc := deps.Loc
	if loc == nil {
		loc = time.UTC
	}
	return &Server{
		dispatcher: deps.Dispatcher,
		users:      deps.Users,
		keys:       deps.Keys,
		providers:  deps.Providers,
		rules:      deps.Rules,
		requests:   deps.Requests,
		ledger:     deps.Ledger,
		settings:   deps.Settings,
		classifier: deps.Classifier,
		breakers:   deps.Breakers,
		adminToken: deps.AdminToken,
		validate:   validator.New(),
		loc:        loc,
		dbCheck:    deps.DBCheck,
		redisCheck: deps.RedisCheck,
	}
}

// HealthzHandler reports liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// ReadyzHandler reports readiness of the backing stores.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]func(context.Context) error{
			"db":    s.dbCheck,
			"redis": s.redisCheck,
		}
		status := http.StatusOK
		detail := map[string]string{}
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				detail[name] = err.Error()
			} else {
				detail[name] = "ok"
			}
		}
		writeJSON(w, status, detail)
	}
}
