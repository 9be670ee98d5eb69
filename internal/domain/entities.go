// Package domain holds the core entities and ports of the LLM relay.
//
// Entities are plain structs; all persistence and transport concerns live in
// adapters. Ports are the narrow interfaces the dispatcher and services are
// written against so they can be replaced with test doubles.
package domain

import (
	"context"
	"strings"
	"time"
)

// Context is an alias to allow decoupling from std context in domain.
// Adapters and services pass context.Context through.
type Context = context.Context

// Scope identifies whose counters a quota operation applies to.
type Scope string

const (
	ScopeUser     Scope = "user"
	ScopeKey      Scope = "key"
	ScopeProvider Scope = "provider"
)

// Period enumerates the quota window dimensions.
type Period string

const (
	Period5h      Period = "5h"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodTotal   Period = "total"
)

// ResetMode selects fixed (calendar boundary) or rolling window semantics.
type ResetMode string

const (
	ResetFixed   ResetMode = "fixed"
	ResetRolling ResetMode = "rolling"
)

// Tag constraints for users.
const (
	MaxUserTags = 20
	MaxTagLen   = 32
)

// QuotaCaps are the per-scope cost and concurrency limits. A nil limit means
// the dimension is uncapped.
type QuotaCaps struct {
	Limit5hUSD              *float64  `json:"limit_5h_usd,omitempty"`
	LimitDailyUSD           *float64  `json:"limit_daily_usd,omitempty"`
	LimitWeeklyUSD          *float64  `json:"limit_weekly_usd,omitempty"`
	LimitMonthlyUSD         *float64  `json:"limit_monthly_usd,omitempty"`
	LimitTotalUSD           *float64  `json:"limit_total_usd,omitempty"`
	LimitConcurrentSessions *int      `json:"limit_concurrent_sessions,omitempty"`
	DailyResetMode          ResetMode `json:"daily_reset_mode,omitempty"`
	DailyResetTime          string    `json:"daily_reset_time,omitempty"` // HH:MM, default 00:00
}

// User owns zero or more keys. Retired by soft delete.
type User struct {
	ID        int64
	Name      string
	Note      string
	Tags      []string
	IsEnabled bool
	ExpiresAt *time.Time
	Caps      QuotaCaps
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Expired reports whether the user is past its expiry instant.
func (u User) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && now.After(*u.ExpiresAt)
}

// CacheTTLPreference values for keys.
const (
	CacheTTLInherit = "inherit"
	CacheTTL5m      = "5m"
	CacheTTL1h      = "1h"
)

// Key is an issued API credential. Only the SHA-256 digest of the secret is
// persisted; MaskedSecret is the user-facing display form.
type Key struct {
	ID                 int64
	SecretHash         string
	MaskedSecret       string
	UserID             int64
	ExpiresAt          *time.Time
	IsEnabled          bool
	CanLoginWebUI      bool
	ProviderGroup      string // comma-separated multi-tag
	CacheTTLPreference string
	Caps               QuotaCaps
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// Groups splits the key's provider group tag on commas, dropping empties.
func (k Key) Groups() []string { return SplitTags(k.ProviderGroup) }

// Expired reports whether the key is past its expiry instant.
func (k Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// ProviderType enumerates the upstream wire formats.
type ProviderType string

const (
	ProviderClaude     ProviderType = "claude"
	ProviderClaudeAuth ProviderType = "claude-auth"
	ProviderCodex      ProviderType = "codex"
	ProviderGemini     ProviderType = "gemini"
	ProviderOpenAI     ProviderType = "openai-compatible"
)

// DefaultGroup is the routing group used for providers when a key carries no
// group of its own.
const DefaultGroup = "default"

// ScheduleWindow restricts a provider to a daily wall-clock window in its own
// timezone. Start==End is a zero-width window (never active); Start>End crosses
// midnight. End is exclusive.
type ScheduleWindow struct {
	Start    string `json:"start"` // HH:MM
	End      string `json:"end"`   // HH:MM
	Timezone string `json:"timezone"`
}

// Adaptive thinking effort levels.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
	EffortMax    = "max"
)

// AdaptiveThinkingConfig drives the "adaptive" thinking override mode.
type AdaptiveThinkingConfig struct {
	Effort         string   `json:"effort"`           // low|medium|high|max
	ModelMatchMode string   `json:"model_match_mode"` // all|specific
	Models         []string `json:"models,omitempty"` // prefixes, specific mode only
}

// OverridePrefs are the per-provider request override preferences. Empty or
// "inherit" values are no-ops; ThinkingBudget may be a numeric string or the
// literal "adaptive".
type OverridePrefs struct {
	MaxTokens      string                  `json:"max_tokens,omitempty"`
	ThinkingBudget string                  `json:"thinking_budget,omitempty"`
	Adaptive       *AdaptiveThinkingConfig `json:"adaptive,omitempty"`
}

// Provider is an upstream LLM API target. Weight is 1-10000; lower Priority is
// preferred. A zero timeout means the corresponding timeout is disabled.
type Provider struct {
	ID              int64
	Name            string
	BaseURL         string
	Type            ProviderType
	Credential      string
	Priority        int
	Weight          int
	CostMultiplier  float64
	IsEnabled       bool
	GroupTag        string         // comma-separated multi-tag
	GroupPriorities map[string]int // optional tag -> priority override
	Caps            QuotaCaps

	// Weekly reset is configurable for the provider scope only; user/key
	// scopes stay on Monday 00:00.
	WeeklyResetDay  int    // 0-6, 0=Sunday
	WeeklyResetTime string // HH:MM

	FirstByteTimeoutStreamingMs  int64
	StreamingIdleTimeoutMs       int64
	RequestTimeoutNonStreamingMs int64

	Schedule     *ScheduleWindow
	Overrides    OverridePrefs
	TotalResetAt *time.Time // accumulate total-cap spend from here when set

	Endpoints []ProviderEndpoint

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Groups splits the provider's group tag on commas, dropping empties.
func (p Provider) Groups() []string { return SplitTags(p.GroupTag) }

// SplitTags splits a comma-separated multi-tag into trimmed non-empty parts.
func SplitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ProviderEndpoint is one physical URL of a provider. LastProbeOK is nil until
// the first probe completes.
type ProviderEndpoint struct {
	ID                int64
	ProviderID        int64
	URL               string
	IsEnabled         bool
	SortOrder         int
	LastProbeOK       *bool
	LastProbeLatency  time.Duration
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// BreakerState is the persisted circuit breaker record for one endpoint.
// Invariant: State==open iff now < OpenUntil.
type BreakerState struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	OpenUntil           time.Time `json:"open_until"`
	RecoveryDurationMs  int64     `json:"recovery_duration_ms"`
	OpenCount           int       `json:"open_count"` // successive opens, drives backoff
}

// Outcome is the normalized classification of an upstream attempt.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeRetryable         Outcome = "retryable_failure"
	OutcomeFatal             Outcome = "fatal_failure"
	OutcomeConcurrentLimited Outcome = "concurrent_limited"
)

// UsageEntry is one append-only ledger row. Rows with BlockedBy set are
// excluded from billing aggregation.
type UsageEntry struct {
	ID              string
	CreatedAt       time.Time
	UserID          int64
	KeyHash         string
	FinalProviderID int64
	CostUSD         float64
	DurationMs      int64
	IsSuccess       bool
	BlockedBy       *string
	BlockedReason   string // JSON payload describing the block
}

// CostEntry is the slim projection used to warm rolling windows.
type CostEntry struct {
	ID        string
	CreatedAt time.Time
	CostUSD   float64
}

// TimeRange is a half-open [Start, End) interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// QuotaWindows carries the precomputed window boundaries for a single
// SumQuotaCosts query. TotalSince bounds the total sum when the scope has a
// reset instant; TotalCutoff bounds it for user/key scopes (never providers).
type QuotaWindows struct {
	R5h         TimeRange
	Daily       TimeRange
	Weekly      TimeRange
	Monthly     TimeRange
	TotalSince  *time.Time
	TotalCutoff *time.Time
}

// QuotaSums is the 5-tuple result of SumQuotaCosts.
type QuotaSums struct {
	Cost5h      float64
	CostDaily   float64
	CostWeekly  float64
	CostMonthly float64
	CostTotal   float64
}

// MatchType values for error rules.
const (
	MatchRegex    = "regex"
	MatchContains = "contains"
	MatchExact    = "exact"
)

// ErrorRule classifies upstream error payloads into a normalized category used
// by the breaker. Rules are evaluated by priority desc, createdAt asc,
// first-match wins.
type ErrorRule struct {
	ID        int64
	Pattern   string
	MatchType string
	Category  Outcome
	Priority  int
	IsEnabled bool
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// ActiveSession is the transient per-request capture used for replay and chain
// assembly. Lifetime is request lifetime plus a short retention.
type ActiveSession struct {
	SessionID       string            `json:"session_id"`
	RequestSequence int               `json:"request_sequence"`
	StartedAt       time.Time         `json:"started_at"`
	Headers         map[string]string `json:"headers,omitempty"`
	RequestBody     []byte            `json:"request_body,omitempty"`
	ResponseBody    []byte            `json:"response_body,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	Status          string            `json:"status"`
	ProviderID      int64             `json:"provider_id,omitempty"`
}

// SystemSettings is the process-global settings snapshot. Admin updates bump
// Version and publish a fresh snapshot; readers never see a torn view.
type SystemSettings struct {
	WarmupInterceptEnabled bool   `json:"warmup_intercept_enabled"`
	MaxRetryAttempts       int    `json:"max_retry_attempts"`
	ServiceTag             string `json:"service_tag"`
	Version                int64  `json:"version"`
}

// MessageRequest is the diagnostic request log row, append-only.
type MessageRequest struct {
	ID              string
	CreatedAt       time.Time
	UserID          int64
	KeyID           int64
	SessionID       string
	Model           string
	Endpoint        string
	IsStreaming     bool
	StatusCode      int
	ErrorPayload    string
	InputTokens     int64
	OutputTokens    int64
	UserAgent       string
	DurationMs      int64
	CostUSD         float64
	FinalProviderID int64
	RetryCount      int
	ProviderChain   []ChainItem
}

// UsageEvent is the analytics export payload published per billed request.
type UsageEvent struct {
	LedgerID     string    `json:"ledger_id"`
	CreatedAt    time.Time `json:"created_at"`
	UserID       int64     `json:"user_id"`
	KeyHash      string    `json:"key_hash"`
	ProviderID   int64     `json:"provider_id"`
	Model        string    `json:"model"`
	CostUSD      float64   `json:"cost_usd"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	DurationMs   int64     `json:"duration_ms"`
	IsSuccess    bool      `json:"is_success"`
}
