package httpserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s: %w", name, domain.ErrInvalidArgument)
	}
	return id, nil
}

func (s *Server) decodeValid(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed JSON: %w", domain.ErrInvalidArgument)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), domain.ErrInvalidArgument)
	}
	return nil
}

// --- users ---

type userRequest struct {
	Name      string           `json:"name" validate:"required,max=128"`
	Note      string           `json:"note" validate:"max=1024"`
	Tags      []string         `json:"tags" validate:"max=20,dive,max=32"`
	IsEnabled *bool            `json:"is_enabled"`
	ExpiresAt *time.Time       `json:"expires_at"`
	Caps      domain.QuotaCaps `json:"caps"`
}

func (req userRequest) toUser(id int64) domain.User {
	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}
	return domain.User{
		ID: id, Name: req.Name, Note: req.Note, Tags: req.Tags,
		IsEnabled: enabled, ExpiresAt: req.ExpiresAt, Caps: req.Caps,
	}
}

func (s *Server) ListUsersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := s.users.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	}
}

func (s *Server) CreateUserHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req userRequest
		if err := s.decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id, err := s.users.Create(r.Context(), req.toUser(0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
	}
}

func (s *Server) GetUserHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		u, err := s.users.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func (s *Server) UpdateUserHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req userRequest
		if err := s.decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.users.Update(r.Context(), req.toUser(id)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	}
}

func (s *Server) DeleteUserHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.users.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- keys ---

type keyRequest struct {
	ExpiresAt          *time.Time       `json:"expires_at"`
	IsEnabled          *bool            `json:"is_enabled"`
	CanLoginWebUI      bool             `json:"can_login_web_ui"`
	ProviderGroup      string           `json:"provider_group" validate:"max=256"`
	CacheTTLPreference string           `json:"cache_ttl_preference" validate:"omitempty,oneof=inherit 5m 1h"`
	Caps               domain.QuotaCaps `json:"caps"`
}

// newSecret mints a fresh key secret. Only its digest is persisted.
func newSecret() (secret, masked string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("op=httpserver.new_secret: %w", err)
	}
	secret = "sk-relay-" + hex.EncodeToString(buf)
	masked = secret[:12] + "..." + secret[len(secret)-4:]
	return secret, masked, nil
}

func (s *Server) ListKeysHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		keys, err := s.keys.List(r.Context(), userID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		for i := range keys {
			keys[i].SecretHash = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	}
}

func (s *Server) CreateKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req keyRequest
		if err := s.decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		secret, masked, err := newSecret()
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		enabled := true
		if req.IsEnabled != nil {
			enabled = *req.IsEnabled
		}
		ttlPref := req.CacheTTLPreference
		if ttlPref == "" {
			ttlPref = domain.CacheTTLInherit
		}
		id, err := s.keys.Create(r.Context(), domain.Key{
			SecretHash:         HashSecret(secret),
			MaskedSecret:       masked,
			UserID:             userID,
			ExpiresAt:          req.ExpiresAt,
			IsEnabled:          enabled,
			CanLoginWebUI:      req.CanLoginWebUI,
			ProviderGroup:      req.ProviderGroup,
			CacheTTLPreference: ttlPref,
			Caps:               req.Caps,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		// The plaintext secret is shown exactly once.
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "secret": secret, "masked_secret": masked})
	}
}

func (s *Server) UpdateKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req keyRequest
		if err := s.decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		enabled := true
		if req.IsEnabled != nil {
			enabled = *req.IsEnabled
		}
		ttlPref := req.CacheTTLPreference
		if ttlPref == "" {
			ttlPref = domain.CacheTTLInherit
		}
		err = s.keys.Update(r.Context(), domain.Key{
			ID: id, ExpiresAt: req.ExpiresAt, IsEnabled: enabled,
			CanLoginWebUI: req.CanLoginWebUI, ProviderGroup: req.ProviderGroup,
			CacheTTLPreference: ttlPref, Caps: req.Caps,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	}
}

func (s *Server) DeleteKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.keys.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- providers ---

type providerRequest struct {
	Name            string                 `json:"name" validate:"required,max=128"`
	BaseURL         string                 `json:"base_url" validate:"omitempty,url"`
	Type            domain.ProviderType    `json:"provider_type" validate:"required,oneof=claude claude-auth codex gemini openai-compatible"`
	Credential      string                 `json:"credential"`
	Priority        int                    `json:"priority"`
	Weight          int                    `json:"weight" validate:"min=0,max=10000"`
	CostMultiplier  float64                `json:"cost_multiplier" validate:"min=0"`
	IsEnabled       *bool                  `json:"is_enabled"`
	GroupTag        string                 `json:"group_tag" validate:"max=256"`
	GroupPriorities map[string]int         `json:"group_priorities"`
	Caps            domain.QuotaCaps       `json:"caps"`
	WeeklyResetDay  int                    `json:"weekly_reset_day" validate:"min=0,max=6"`
	WeeklyResetTime string                 `json:"weekly_reset_time" validate:"omitempty,len=5"`
	Schedule        *domain.ScheduleWindow `json:"schedule"`
	Overrides       domain.OverridePrefs   `json:"overrides"`

	FirstByteTimeoutStreamingMs  int64 `json:"first_byte_timeout_streaming_ms" validate:"min=0"`
	StreamingIdleTimeoutMs       int64 `json:"streaming_idle_timeout_ms" validate:"min=0"`
	RequestTimeoutNonStreamingMs int64 `json:"request_timeout_non_streaming_ms" validate:"min=0"`
}

func (req providerRequest) toProvider(id int64) domain.Provider {
	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}
	weight := req.Weight
	if weight == 0 {
		weight = 1
	}
	mult := req.CostMultiplier
	if mult == 0 {
		mult = 1
	}
	return domain.Provider{
		ID: id, Name: req.Name, BaseURL: req.BaseURL, Type: req.Type, Credential: req.Credential,
		Priority: req.Priority, Weight: weight, CostMultiplier: mult, IsEnabled: enabled,
		GroupTag: req.GroupTag, GroupPriorities: req.GroupPriorities, Caps: req.Caps,
		WeeklyResetDay: req.WeeklyResetDay, WeeklyResetTime: req.WeeklyResetTime,
		FirstByteTimeoutStreamingMs:  req.FirstByteTimeoutStreamingMs,
		StreamingIdleTimeoutMs:       req.StreamingIdleTimeoutMs,
		RequestTimeoutNonStreamingMs: req.RequestTimeoutNonStreamingMs,
		Schedule:                     req.Schedule, Overrides: req.Overrides,
	}
}

func (s *Server) ListProvidersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers, err := s.providers.Snapshot(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		for i := range providers {
			providers[i].Credential = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
	}
}

func (s *Server) CreateProviderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req providerRequest
		if err := s.decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id, err := s.providers.Create(r.Context(), req.toProvider(0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
	}
}

func (s *Server) UpdateProviderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req providerRequest
		if err := s.decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		p := req.toProvider(id)
		if cur, gerr := s.providers.Get(r.Context(), id); gerr == nil {
			// TotalResetAt is managed by the dedicated reset endpoint; a blank
			// credential in an update keeps the stored one.
			p.TotalResetAt = cur.TotalResetAt
			if p.Credential == "" {
				p.Credential = cur.Credential
			}
		}
		if err := s.providers.Update(r.Context(), p); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	}
}

func (s *Server) DeleteProviderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.providers.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type endpointRequest struct {
	URL       string `json:"url" validate:"required,url"`
	IsEnabled *bool  `json:"is_enabled"`
	SortOrder int    `json:"sort_order"`
}

func (s *Server) UpsertEndpointHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req endpointRequest
		if err := s.decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		enabled := true
		if req.IsEnabled != nil {
			enabled = *req.IsEnabled
		}
		var endpointID int64
		if raw := chi.URLParam(r, "endpointID"); raw != "" {
			endpointID, err = strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeError(w, r, fmt.Errorf("bad endpointID: %w", domain.ErrInvalidArgument), nil)
				return
			}
		}
		id, err := s.providers.UpsertEndpoint(r.Context(), domain.ProviderEndpoint{
			ID: endpointID, ProviderID: providerID, URL: req.URL, IsEnabled: enabled, SortOrder: req.SortOrder,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	}
}

func (s *Server) DeleteEndpointHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "endpointID")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.providers.DeleteEndpoint(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ResetCircuitHandler force-closes the breakers of every endpoint of a
// provider.
func (s *Server) ResetCircuitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		p, err := s.providers.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		for _, ep := range p.Endpoints {
			s.breakers.ManualReset(r.Context(), ep.ID)
		}
		writeJSON(w, http.StatusOK, map[string]any{"reset_endpoints": len(p.Endpoints)})
	}
}

// ResetTotalUsageHandler restarts the provider's lifetime-cap accumulation.
func (s *Server) ResetTotalUsageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		at := time.Now().UTC()
		if err := s.providers.ResetTotalUsage(r.Context(), id, at); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reset_at": at})
	}
}

// --- error rules ---

type errorRuleRequest struct {
	Pattern   string `json:"pattern" validate:"required,max=512"`
	MatchType string `json:"match_type" validate:"required,oneof=regex contains exact"`
	Category  string `json:"category" validate:"required,oneof=success retryable_failure fatal_failure concurrent_limited"`
	Priority  int    `json:"priority"`
	IsEnabled *bool  `json:"is_enabled"`
}

func (req errorRuleRequest) toRule(id int64) domain.ErrorRule {
	enabled := true
	if req.IsEnabled != nil {
		enabled = *req.IsEnabled
	}
	return domain.ErrorRule{
		ID: id, Pattern: req.Pattern, MatchType: req.MatchType,
		Category: domain.Outcome(req.Category), Priority: req.Priority, IsEnabled: enabled,
	}
}

func (s *Server) ListErrorRulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := s.rules.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
	}
}

func (s *Server) CreateErrorRuleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req errorRuleRequest
		if err := s.decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id, err := s.rules.Create(r.Context(), req.toRule(0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.classifier.Invalidate()
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})
	}
}

func (s *Server) UpdateErrorRuleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req errorRuleRequest
		if err := s.decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.rules.Update(r.Context(), req.toRule(id)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.classifier.Invalidate()
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	}
}

func (s *Server) DeleteErrorRuleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.rules.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.classifier.Invalidate()
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- usage logs, overview, settings ---

func (s *Server) UsageLogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := parseLogFilter(r)
		logs, total, err := s.requests.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"logs":      logs,
			"total":     total,
			"page":      f.Page,
			"page_size": f.PageSize,
		})
	}
}

func parseLogFilter(r *http.Request) domain.UsageLogFilter {
	q := r.URL.Query()
	f := domain.UsageLogFilter{
		SessionID:  q.Get("session_id"),
		StatusCode: q.Get("status_code"),
		Model:      q.Get("model"),
		Endpoint:   q.Get("endpoint"),
	}
	if v, err := strconv.ParseInt(q.Get("user_id"), 10, 64); err == nil {
		f.UserID = &v
	}
	if v, err := strconv.ParseInt(q.Get("key_id"), 10, 64); err == nil {
		f.KeyID = &v
	}
	if v, err := strconv.ParseInt(q.Get("provider_id"), 10, 64); err == nil {
		f.ProviderID = &v
	}
	if v, err := time.Parse(time.RFC3339, q.Get("start_time")); err == nil {
		f.StartTime = &v
	}
	if v, err := time.Parse(time.RFC3339, q.Get("end_time")); err == nil {
		f.EndTime = &v
	}
	if v, err := strconv.Atoi(q.Get("min_retry")); err == nil {
		f.MinRetry = v
	}
	if v, err := strconv.Atoi(q.Get("page")); err == nil {
		f.Page = v
	}
	if v, err := strconv.Atoi(q.Get("page_size")); err == nil {
		f.PageSize = v
	}
	return f
}

// OverviewHandler feeds the dashboard: today's traffic against the same
// period yesterday, the last minute's request rate, live session count, and
// the per-provider spend breakdown.
func (s *Server) OverviewHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		providers, err := s.providers.Snapshot(ctx)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		now := time.Now().In(s.loc)
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
		elapsed := now.Sub(midnight)
		yesterday := midnight.AddDate(0, 0, -1)

		today, err := s.requests.Stats(ctx, domain.TimeRange{Start: midnight, End: now})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		prior, err := s.requests.Stats(ctx, domain.TimeRange{Start: yesterday, End: yesterday.Add(elapsed)})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		minute, err := s.requests.Stats(ctx, domain.TimeRange{Start: now.Add(-time.Minute), End: now})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		errorRate := 0.0
		if today.Requests > 0 {
			errorRate = float64(today.Errors) / float64(today.Requests)
		}

		day := domain.TimeRange{Start: now.Add(-24 * time.Hour), End: now}
		type providerOverview struct {
			ID          int64   `json:"id"`
			Name        string  `json:"name"`
			IsEnabled   bool    `json:"is_enabled"`
			Cost24h     float64 `json:"cost_24h_usd"`
			CostTotal   float64 `json:"cost_total_usd"`
			Requests24h int64   `json:"requests_24h"`
		}
		out := make([]providerOverview, 0, len(providers))
		for _, p := range providers {
			pid := strconv.FormatInt(p.ID, 10)
			o := providerOverview{ID: p.ID, Name: p.Name, IsEnabled: p.IsEnabled}
			if c, err := s.ledger.SumCostInRange(ctx, domain.ScopeProvider, pid, day); err == nil {
				o.Cost24h = c
			}
			if c, err := s.ledger.SumTotalCost(ctx, domain.ScopeProvider, pid, p.TotalResetAt); err == nil {
				o.CostTotal = c
			}
			if n, err := s.ledger.CountRequestsInRange(ctx, domain.ScopeProvider, pid, day); err == nil {
				o.Requests24h = n
			}
			out = append(out, o)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"todayRequests":                      today.Requests,
			"todayCost":                          today.CostUSD,
			"avgResponseTime":                    today.AvgDurationMs,
			"todayErrorRate":                     errorRate,
			"recentMinuteRequests":               minute.Requests,
			"yesterdaySamePeriodRequests":        prior.Requests,
			"yesterdaySamePeriodCost":            prior.CostUSD,
			"yesterdaySamePeriodAvgResponseTime": prior.AvgDurationMs,
			"concurrentSessions":                 s.inflight.Load(),
			"providers":                          out,
			"generated_at":                       now,
		})
	}
}

type settingsRequest struct {
	WarmupInterceptEnabled bool   `json:"warmup_intercept_enabled"`
	MaxRetryAttempts       int    `json:"max_retry_attempts" validate:"min=1,max=10"`
	ServiceTag             string `json:"service_tag" validate:"max=64"`
}

func (s *Server) GetSettingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.settings.Get())
	}
}

func (s *Server) UpdateSettingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req settingsRequest
		if err := s.decodeValid(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		stored, err := s.settings.Update(r.Context(), domain.SystemSettings{
			WarmupInterceptEnabled: req.WarmupInterceptEnabled,
			MaxRetryAttempts:       req.MaxRetryAttempts,
			ServiceTag:             req.ServiceTag,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stored)
	}
}

// BreakerStateHandler reports the live breaker state of a provider's
// endpoints.
func (s *Server) BreakerStateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		p, err := s.providers.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		states := make(map[string]domain.BreakerState, len(p.Endpoints))
		for _, ep := range p.Endpoints {
			states[strconv.FormatInt(ep.ID, 10)] = s.breakers.State(r.Context(), ep.ID)
		}
		writeJSON(w, http.StatusOK, map[string]any{"endpoints": states})
	}
}
