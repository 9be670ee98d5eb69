// Package errorrule classifies upstream failures into normalized outcomes.
//
// Rules come from the admin-managed error_rules table, are cached in-process
// with a short TTL, and are evaluated by priority desc then createdAt asc,
// first match wins. Unmatched errors fall back to status-code families.
package errorrule

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// DefaultTTL is the in-process rule cache lifetime.
const DefaultTTL = 30 * time.Second

type compiledRule struct {
	rule domain.ErrorRule
	re   *regexp.Regexp // regex match type only
}

// Classifier matches upstream error payloads against the rule set.
type Classifier struct {
	repo domain.ErrorRuleRepo
	ttl  time.Duration

	mu        sync.RWMutex
	rules     []compiledRule
	fetchedAt time.Time

	now func() time.Time
}

// New constructs a Classifier. A zero ttl uses DefaultTTL.
func New(repo domain.ErrorRuleRepo, ttl time.Duration) *Classifier {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Classifier{repo: repo, ttl: ttl, now: time.Now}
}

// Invalidate drops the cached rule set; the next Classify refetches. Admin
// rule mutations call this so changes apply without waiting out the TTL.
func (c *Classifier) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Classifier) current(ctx domain.Context) []compiledRule {
	c.mu.RLock()
	fresh := c.now().Sub(c.fetchedAt) < c.ttl
	rules := c.rules
	c.mu.RUnlock()
	if fresh {
		return rules
	}

	fetched, err := c.repo.List(ctx)
	if err != nil {
		slog.Warn("error rule refresh failed, keeping cached set", slog.Any("error", err))
		return rules
	}
	compiled := compile(fetched)

	c.mu.Lock()
	c.rules = compiled
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return compiled
}

func compile(rules []domain.ErrorRule) []compiledRule {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.IsEnabled {
			continue
		}
		cr := compiledRule{rule: r}
		if r.MatchType == domain.MatchRegex {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				slog.Warn("invalid error rule regex, skipping",
					slog.Int64("rule_id", r.ID), slog.String("pattern", r.Pattern), slog.Any("error", err))
				continue
			}
			cr.re = re
		}
		out = append(out, cr)
	}
	return out
}

// Classify reduces an upstream attempt to an outcome. A zero status code means
// the attempt failed before any response (connect error, timeout).
func (c *Classifier) Classify(ctx domain.Context, statusCode int, errPayload string) domain.Outcome {
	if errPayload != "" {
		for _, cr := range c.current(ctx) {
			if cr.matches(errPayload) {
				return cr.rule.Category
			}
		}
	}
	return DefaultOutcome(statusCode)
}

func (cr compiledRule) matches(payload string) bool {
	switch cr.rule.MatchType {
	case domain.MatchExact:
		return payload == cr.rule.Pattern
	case domain.MatchContains:
		return strings.Contains(payload, cr.rule.Pattern)
	case domain.MatchRegex:
		return cr.re.MatchString(payload)
	default:
		return false
	}
}

// DefaultOutcome maps a status code family to an outcome when no rule matched.
func DefaultOutcome(statusCode int) domain.Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return domain.OutcomeSuccess
	case statusCode == 429:
		return domain.OutcomeConcurrentLimited
	case statusCode == 408 || statusCode >= 500 || statusCode == 0:
		return domain.OutcomeRetryable
	default:
		return domain.OutcomeFatal
	}
}
