package domain

import "time"

// Repositories (ports)

// UserRepo persists users. Implementations filter soft-deleted rows centrally.
type UserRepo interface {
	Create(ctx Context, u User) (int64, error)
	Update(ctx Context, u User) error
	Delete(ctx Context, id int64) error // soft delete; cascades to keys
	Get(ctx Context, id int64) (User, error)
	List(ctx Context) ([]User, error)
}

// KeyRepo persists API keys.
type KeyRepo interface {
	Create(ctx Context, k Key) (int64, error)
	Update(ctx Context, k Key) error
	Delete(ctx Context, id int64) error
	Get(ctx Context, id int64) (Key, error)
	List(ctx Context, userID int64) ([]Key, error)
	FindBySecretHash(ctx Context, hash string) (Key, error)
}

// ProviderRepo persists providers and their endpoints. Snapshot returns the
// full read-mostly view consumed by selection; admin writes publish a new one.
type ProviderRepo interface {
	Create(ctx Context, p Provider) (int64, error)
	Update(ctx Context, p Provider) error
	Delete(ctx Context, id int64) error
	Get(ctx Context, id int64) (Provider, error)
	Snapshot(ctx Context) ([]Provider, error)
	UpsertEndpoint(ctx Context, e ProviderEndpoint) (int64, error)
	DeleteEndpoint(ctx Context, id int64) error
	UpdateEndpointProbe(ctx Context, endpointID int64, ok bool, latency time.Duration) error
	ResetTotalUsage(ctx Context, providerID int64, at time.Time) error
}

// ErrorRuleRepo persists classification rules ordered by priority desc then
// createdAt asc.
type ErrorRuleRepo interface {
	Create(ctx Context, r ErrorRule) (int64, error)
	Update(ctx Context, r ErrorRule) error
	Delete(ctx Context, id int64) error
	List(ctx Context) ([]ErrorRule, error)
}

// LedgerRepo is the append-only usage ledger. Sums exclude soft-deleted rows
// and rows with BlockedBy set.
type LedgerRepo interface {
	Append(ctx Context, e UsageEntry) error
	SumCostInRange(ctx Context, scope Scope, id string, r TimeRange) (float64, error)
	SumTotalCost(ctx Context, scope Scope, id string, resetAt *time.Time) (float64, error)
	SumQuotaCosts(ctx Context, scope Scope, id string, w QuotaWindows) (QuotaSums, error)
	FindCostEntriesInRange(ctx Context, scope Scope, id string, r TimeRange) ([]CostEntry, error)
	CountRequestsInRange(ctx Context, scope Scope, id string, r TimeRange) (int64, error)
}

// MessageRequestRepo persists the diagnostic request log.
type MessageRequestRepo interface {
	Create(ctx Context, m MessageRequest) (string, error)
	List(ctx Context, f UsageLogFilter) ([]MessageRequest, int64, error)
	Stats(ctx Context, r TimeRange) (RequestStats, error)
}

// RequestStats aggregates the request log over one time range for the
// dashboard overview. Errors counts non-2xx rows plus transport failures
// (status code zero).
type RequestStats struct {
	Requests      int64
	CostUSD       float64
	AvgDurationMs float64
	Errors        int64
}

// UsageLogFilter narrows admin usage-log queries. StatusCode supports the
// "!NNN" exclusion encoding.
type UsageLogFilter struct {
	UserID     *int64
	KeyID      *int64
	ProviderID *int64
	SessionID  string
	StartTime  *time.Time
	EndTime    *time.Time
	StatusCode string
	Model      string
	Endpoint   string
	MinRetry   int
	Page       int
	PageSize   int
}

// SettingsRepo persists the system settings row.
type SettingsRepo interface {
	Get(ctx Context) (SystemSettings, error)
	Update(ctx Context, s SystemSettings) (SystemSettings, error)
}

// CounterConfig carries the reset semantics the quota cache needs to compute
// key names and TTLs for one scope.
type CounterConfig struct {
	DailyResetMode  ResetMode
	DailyResetTime  string // HH:MM
	WeeklyResetDay  int    // provider scope only
	WeeklyResetTime string // provider scope only
	TotalResetAt    *time.Time
}

// QuotaCache is the Redis-backed counter fast path (port).
type QuotaCache interface {
	// Increment applies one billed cost to all fixed and rolling counters of
	// (scope, id) atomically. Exactly-once per ledgerID across retries.
	Increment(ctx Context, scope Scope, id string, costUSD float64, ledgerID string, createdAt time.Time, cfg CounterConfig) error
	// Read returns the current cost for the period, warming from the ledger
	// on miss.
	Read(ctx Context, scope Scope, id string, period Period, cfg CounterConfig) (float64, error)
	// ReadTotal returns the cached (or ledger-derived) total cost since the
	// optional reset instant.
	ReadTotal(ctx Context, scope Scope, id string, resetAt *time.Time) (float64, error)
	ConcurrentAcquire(ctx Context, scope Scope, id string, capacity int) (allowed bool, current int64, err error)
	ConcurrentRelease(ctx Context, scope Scope, id string) error
	BreakerGet(ctx Context, endpointID int64) (BreakerState, bool, error)
	BreakerSet(ctx Context, endpointID int64, st BreakerState) error
}

// SessionStore captures transient request/response state (port).
type SessionStore interface {
	Save(ctx Context, s ActiveSession) error
	Get(ctx Context, sessionID string) (ActiveSession, error)
	LastProvider(ctx Context, sessionID string) (int64, bool)
}

// UsageEvents publishes billed-usage analytics events (port).
type UsageEvents interface {
	Publish(ctx Context, ev UsageEvent) error
	Close() error
}
