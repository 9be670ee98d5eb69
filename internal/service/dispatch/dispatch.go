// Package dispatch orchestrates the request pipeline: warmup guard, quota
// enforcement, provider selection, parameter overrides, upstream forwarding,
// metering, and chain recording.
package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/llm-relay/internal/domain"
	"github.com/fairyhunter13/llm-relay/internal/service/breaker"
	"github.com/fairyhunter13/llm-relay/internal/service/errorrule"
	"github.com/fairyhunter13/llm-relay/internal/service/override"
	"github.com/fairyhunter13/llm-relay/internal/service/pricing"
	"github.com/fairyhunter13/llm-relay/internal/service/ratelimit"
	"github.com/fairyhunter13/llm-relay/internal/service/selector"
	"github.com/fairyhunter13/llm-relay/internal/service/warmup"
)

const defaultMaxAttempts = 3

// QuotaDeniedError carries the denial detail to the transport layer.
type QuotaDeniedError struct {
	Decision ratelimit.Decision
}

func (e *QuotaDeniedError) Error() string { return e.Decision.Reason }

func (e *QuotaDeniedError) Unwrap() error {
	if e.Decision.Period == "concurrent" {
		return domain.ErrConcurrencyLimit
	}
	return domain.ErrQuotaExceeded
}

// Request is the parsed inbound call.
type Request struct {
	Body      map[string]any
	RawBody   []byte
	Model     string
	Stream    bool
	Accept    string
	UserAgent string
	SessionID string
}

// Response is what the transport returns to the client. For streamed calls
// the body has already been written to the sink.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Streamed bool
}

// Dispatcher wires the pipeline stages together.
type Dispatcher struct {
	providers  domain.ProviderRepo
	engine     *ratelimit.Engine
	selector   *selector.Selector
	breakers   *breaker.Registry
	classifier *errorrule.Classifier
	guard      *warmup.Guard
	forwarder  *Forwarder
	rates      *pricing.Table
	estimator  *pricing.Estimator
	ledger     *LedgerQueue
	requests   domain.MessageRequestRepo
	sessions   domain.SessionStore
	events     domain.UsageEvents
	settings   func() domain.SystemSettings

	now   func() time.Time
	newID func() string
}

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Providers  domain.ProviderRepo
	Engine     *ratelimit.Engine
	Selector   *selector.Selector
	Breakers   *breaker.Registry
	Classifier *errorrule.Classifier
	Guard      *warmup.Guard
	Forwarder  *Forwarder
	Rates      *pricing.Table
	Estimator  *pricing.Estimator
	Ledger     *LedgerQueue
	Requests   domain.MessageRequestRepo
	Sessions   domain.SessionStore
	Events     domain.UsageEvents
	Settings   func() domain.SystemSettings
}

// New constructs a Dispatcher.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		providers:  deps.Providers,
		engine:     deps.Engine,
		selector:   deps.Selector,
		breakers:   deps.Breakers,
		classifier: deps.Classifier,
		guard:      deps.Guard,
		forwarder:  deps.Forwarder,
		rates:      deps.Rates,
		estimator:  deps.Estimator,
		ledger:     deps.Ledger,
		requests:   deps.Requests,
		sessions:   deps.Sessions,
		events:     deps.Events,
		settings:   deps.Settings,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
}

// Handle runs the full pipeline for one authenticated request.
func (d *Dispatcher) Handle(ctx domain.Context, user domain.User, key domain.Key, req Request, sink StreamSink) (Response, error) {
	started := d.now()
	settings := d.settings()

	if settings.WarmupInterceptEnabled {
		if stream, ok := warmup.Match(req.Body, req.Accept); ok {
			wr, err := d.guard.Intercept(ctx, user, key, req.Model, req.SessionID, stream)
			if err != nil {
				return Response{}, fmt.Errorf("op=dispatch.handle: %w", err)
			}
			hdr := http.Header{}
			hdr.Set("Content-Type", wr.ContentType)
			return Response{Status: wr.Status, Header: hdr, Body: wr.Body, Streamed: wr.Stream}, nil
		}
	}

	decision, release, err := d.engine.CheckRequest(ctx, user, key)
	if err != nil {
		return Response{}, fmt.Errorf("op=dispatch.handle: %w", err)
	}
	if !decision.Allowed {
		return Response{}, &QuotaDeniedError{Decision: decision}
	}
	defer release(ctx)

	snapshot, err := d.providers.Snapshot(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("op=dispatch.handle: %w", err)
	}

	maxAttempts := settings.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var (
		chain    []domain.ChainItem
		excluded []selector.Exclusion
		lastResp Response
		lastErr  error
	)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		sel, serr := d.selector.Select(ctx, snapshot, key.Groups(), req.SessionID, excluded)
		if serr != nil {
			if attempt == 0 {
				chain = append(chain, domain.ChainItem{Reason: domain.ReasonSystemError, ErrorMessage: serr.Error()})
			}
			d.record(ctx, user, key, req, chain, lastResp, started, attempt, nil)
			if lastErr != nil {
				return lastResp, lastErr
			}
			return Response{}, serr
		}
		if attempt == 0 {
			chain = append(chain, sel.Chain)
		}
		if !d.breakers.Admit(ctx, sel.Endpoint.ID) {
			excluded = append(excluded, selector.Exclusion{ProviderID: sel.Provider.ID, EndpointID: sel.Endpoint.ID})
			continue
		}

		// Overrides mutate the body, so each attempt works on its own copy;
		// the client's parameters are the baseline for every provider.
		outBody := req.RawBody
		attemptBody := cloneBody(req.Body)
		if audit := override.Apply(sel.Provider, attemptBody); audit != nil && audit.Changed {
			if encoded, merr := json.Marshal(attemptBody); merr == nil {
				outBody = encoded
			}
		}

		attemptStart := d.now()
		res, ferr := d.forwarder.Do(ctx, sel.Provider, sel.Endpoint, outBody, req.Stream, sink)
		if ferr != nil {
			return Response{}, fmt.Errorf("op=dispatch.handle: %w", ferr)
		}
		duration := d.now().Sub(attemptStart)

		outcome := d.classify(ctx, res)
		switch outcome {
		case domain.OutcomeSuccess:
			if !res.Completed {
				// Client walked away mid-stream and upstream never confirmed
				// completion; nothing is billed.
				chain = append(chain, outcomeItem(attempt, res, domain.ReasonSystemError, "stream cancelled before completion"))
				d.record(ctx, user, key, req, chain, respOf(res), started, attempt, nil)
				return respOf(res), ctx.Err()
			}
			d.breakers.Observe(ctx, sel.Endpoint.ID, domain.OutcomeSuccess)
			billed := d.settle(ctx, user, key, sel.Provider, req, res, duration, attempt, &chain)
			d.record(ctx, user, key, req, chain, respOf(res), started, attempt, &billed)
			return respOf(res), nil

		case domain.OutcomeRetryable, domain.OutcomeConcurrentLimited:
			d.breakers.Observe(ctx, sel.Endpoint.ID, outcome)
			reason := domain.ReasonRetryFailed
			if outcome == domain.OutcomeConcurrentLimited {
				reason = domain.ReasonConcurrentLimitFailed
			}
			chain = append(chain, outcomeItem(attempt, res, reason, res.ErrPayload))
			if res.Relayed {
				// The sink already carried this attempt's bytes to the client;
				// a retry would interleave a second stream into the same
				// response.
				d.record(ctx, user, key, req, chain, respOf(res), started, attempt, nil)
				return respOf(res), fmt.Errorf("op=dispatch.handle: %w", domain.ErrUpstreamRetryable)
			}
			excluded = append(excluded, selector.Exclusion{ProviderID: sel.Provider.ID, EndpointID: sel.Endpoint.ID})
			lastResp = respOf(res)
			lastErr = fmt.Errorf("op=dispatch.handle: %w", domain.ErrUpstreamRetryable)
			continue

		default: // fatal
			d.breakers.Observe(ctx, sel.Endpoint.ID, domain.OutcomeFatal)
			reason := domain.ReasonSystemError
			if res.StatusCode >= 400 && res.StatusCode < 500 {
				reason = domain.ReasonClientErrorNonRetryable
			}
			chain = append(chain, outcomeItem(attempt, res, reason, res.ErrPayload))
			d.record(ctx, user, key, req, chain, respOf(res), started, attempt, nil)
			return respOf(res), nil
		}
	}

	d.record(ctx, user, key, req, chain, lastResp, started, maxAttempts-1, nil)
	if lastErr == nil {
		lastErr = fmt.Errorf("op=dispatch.handle: %w", domain.ErrUpstreamRetryable)
	}
	return lastResp, lastErr
}

func (d *Dispatcher) classify(ctx domain.Context, res AttemptResult) domain.Outcome {
	if res.StatusCode >= 200 && res.StatusCode < 300 && res.ErrPayload == "" {
		return domain.OutcomeSuccess
	}
	return d.classifier.Classify(ctx, res.StatusCode, res.ErrPayload)
}

// cloneBody deep-copies a decoded JSON body, including nested objects and
// arrays.
func cloneBody(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneJSONValue(v)
	}
	return out
}

func cloneJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneBody(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneJSONValue(e)
		}
		return out
	default:
		return t
	}
}

func respOf(res AttemptResult) Response {
	return Response{Status: res.StatusCode, Header: res.Header, Body: res.Body, Streamed: res.Streamed}
}

func outcomeItem(attempt int, res AttemptResult, reason domain.ChainReason, errMsg string) domain.ChainItem {
	item := domain.ChainItem{Reason: reason, ErrorMessage: errMsg}
	if res.StatusCode != 0 {
		sc := res.StatusCode
		item.StatusCode = &sc
	}
	return item
}

// billedInfo carries metering detail from settle into the request log row.
type billedInfo struct {
	providerID   int64
	costUSD      float64
	inputTokens  int64
	outputTokens int64
}

// settle meters a completed successful attempt: cost computation, ledger
// append, counter fan-out, usage event, session capture, and the success
// chain item.
func (d *Dispatcher) settle(ctx domain.Context, user domain.User, key domain.Key, p domain.Provider, req Request, res AttemptResult, duration time.Duration, attempt int, chain *[]domain.ChainItem) billedInfo {
	usage := res.Usage
	if usage == nil {
		est := d.estimator.EstimateUsage(string(req.RawBody), string(res.Body))
		usage = &est
	}
	cost := pricing.Cost(*usage, d.rates.RateFor(req.Model), p.CostMultiplier)

	ledgerID := d.newID()
	createdAt := d.now()
	d.ledger.Enqueue(ctx, domain.UsageEntry{
		ID:              ledgerID,
		CreatedAt:       createdAt,
		UserID:          user.ID,
		KeyHash:         key.SecretHash,
		FinalProviderID: p.ID,
		CostUSD:         cost,
		DurationMs:      duration.Milliseconds(),
		IsSuccess:       true,
	})
	if err := d.engine.TrackCost(ctx, user, key, p, cost, ledgerID, createdAt); err != nil {
		slog.Warn("cost tracking degraded", slog.String("ledger_id", ledgerID), slog.Any("error", err))
	}

	if d.events != nil {
		ev := domain.UsageEvent{
			LedgerID: ledgerID, CreatedAt: createdAt,
			UserID: user.ID, KeyHash: key.SecretHash, ProviderID: p.ID,
			Model: req.Model, CostUSD: cost,
			InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
			DurationMs: duration.Milliseconds(), IsSuccess: true,
		}
		if err := d.events.Publish(ctx, ev); err != nil {
			slog.Warn("usage event publish failed", slog.String("ledger_id", ledgerID), slog.Any("error", err))
		}
	}

	if d.sessions != nil && req.SessionID != "" {
		sess := domain.ActiveSession{
			SessionID:    req.SessionID,
			StartedAt:    createdAt,
			RequestBody:  req.RawBody,
			ResponseBody: res.Body,
			Status:       "completed",
			ProviderID:   p.ID,
		}
		if err := d.sessions.Save(ctx, sess); err != nil {
			slog.Warn("session capture failed", slog.String("session_id", req.SessionID), slog.Any("error", err))
		}
	}

	reason := domain.ReasonRequestSuccess
	if attempt > 0 {
		reason = domain.ReasonRetrySuccess
	}
	sc := res.StatusCode
	mult := p.CostMultiplier
	*chain = append(*chain, domain.ChainItem{
		Name:           p.Name,
		Reason:         reason,
		StatusCode:     &sc,
		CostMultiplier: &mult,
	})
	return billedInfo{
		providerID:   p.ID,
		costUSD:      cost,
		inputTokens:  usage.InputTokens,
		outputTokens: usage.OutputTokens,
	}
}

// record persists the diagnostic request log row, best effort.
func (d *Dispatcher) record(ctx domain.Context, user domain.User, key domain.Key, req Request, chain []domain.ChainItem, resp Response, started time.Time, attempt int, billed *billedInfo) {
	if d.requests == nil {
		return
	}
	m := domain.MessageRequest{
		ID:            d.newID(),
		CreatedAt:     started,
		UserID:        user.ID,
		KeyID:         key.ID,
		SessionID:     req.SessionID,
		Model:         req.Model,
		IsStreaming:   req.Stream,
		StatusCode:    resp.Status,
		UserAgent:     req.UserAgent,
		DurationMs:    d.now().Sub(started).Milliseconds(),
		RetryCount:    attempt,
		ProviderChain: chain,
	}
	if billed != nil {
		m.FinalProviderID = billed.providerID
		m.CostUSD = billed.costUSD
		m.InputTokens = billed.inputTokens
		m.OutputTokens = billed.outputTokens
	}
	if _, err := d.requests.Create(ctx, m); err != nil {
		slog.Warn("message request persist failed", slog.Any("error", err))
	}
}
