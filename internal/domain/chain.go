package domain

// ChainReason explains why an attempt entry was appended to the provider chain.
type ChainReason string

const (
	ReasonInitialSelection        ChainReason = "initial_selection"
	ReasonRetrySuccess            ChainReason = "retry_success"
	ReasonRetryFailed             ChainReason = "retry_failed"
	ReasonRequestSuccess          ChainReason = "request_success"
	ReasonConcurrentLimitFailed   ChainReason = "concurrent_limit_failed"
	ReasonSystemError             ChainReason = "system_error"
	ReasonSessionReuse            ChainReason = "session_reuse"
	ReasonClientErrorNonRetryable ChainReason = "client_error_non_retryable"
)

// SelectionMethod records how the selector arrived at a provider.
type SelectionMethod string

const (
	SelectPriorityWeighted SelectionMethod = "priority-weighted"
	SelectSessionReuse     SelectionMethod = "session_reuse"
)

// DecisionContext is diagnostic detail attached to selection chain items.
type DecisionContext struct {
	EnabledProviders int `json:"enabled_providers"`
	AfterHealthCheck int `json:"after_health_check"`
	SelectedPriority int `json:"selected_priority"`
}

// ChainItem is one per-attempt decision trace entry attached to a request.
type ChainItem struct {
	Name            string           `json:"name"`
	Reason          ChainReason      `json:"reason"`
	StatusCode      *int             `json:"status_code,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	ErrorCode       string           `json:"error_code,omitempty"`
	ErrorParams     map[string]any   `json:"error_params,omitempty"`
	SelectionMethod SelectionMethod  `json:"selection_method,omitempty"`
	Decision        *DecisionContext `json:"decision_context,omitempty"`
	CostMultiplier  *float64         `json:"cost_multiplier,omitempty"`
}
