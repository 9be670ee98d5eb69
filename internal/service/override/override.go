// Package override applies per-provider request parameter overrides.
//
// Apply is a pure transformation over the decoded request body. Only claude
// and claude-auth providers are in scope; every rule is independently a no-op
// when its preference is empty, "inherit", or malformed.
package override

import (
	"strconv"
	"strings"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// minThinkingBudget is the API minimum for thinking.budget_tokens.
const minThinkingBudget = 1024

// Change records one audited mutation candidate.
type Change struct {
	Path    string `json:"path"`
	Before  any    `json:"before"`
	After   any    `json:"after"`
	Changed bool   `json:"changed"`
}

// Audit describes what Apply did. A nil *Audit means the provider type was out
// of scope or no rule produced a change candidate.
type Audit struct {
	Hit          bool                `json:"hit"`
	Changed      bool                `json:"changed"`
	ProviderID   int64               `json:"provider_id"`
	ProviderName string              `json:"provider_name"`
	ProviderType domain.ProviderType `json:"provider_type"`
	Changes      []Change            `json:"changes"`
}

func inScope(t domain.ProviderType) bool {
	return t == domain.ProviderClaude || t == domain.ProviderClaudeAuth
}

// parsePref parses a preference as a strict integer. "inherit", empty, and
// malformed strings all disable the rule.
func parsePref(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "inherit") {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Apply mutates body in place per the provider's override preferences and
// returns the audit trail.
func Apply(p domain.Provider, body map[string]any) *Audit {
	if !inScope(p.Type) || body == nil {
		return nil
	}
	audit := &Audit{
		Hit:          true,
		ProviderID:   p.ID,
		ProviderName: p.Name,
		ProviderType: p.Type,
	}

	applyMaxTokens(p.Overrides, body, audit)
	if strings.EqualFold(strings.TrimSpace(p.Overrides.ThinkingBudget), "adaptive") {
		applyAdaptive(p.Overrides, body, audit)
	} else {
		applyThinkingBudget(p.Overrides, body, audit)
	}

	if len(audit.Changes) == 0 {
		return nil
	}
	for _, c := range audit.Changes {
		if c.Changed {
			audit.Changed = true
			break
		}
	}
	return audit
}

func record(audit *Audit, path string, before, after any) {
	audit.Changes = append(audit.Changes, Change{
		Path: path, Before: before, After: after,
		Changed: !equalValue(before, after),
	})
}

func applyMaxTokens(prefs domain.OverridePrefs, body map[string]any, audit *Audit) {
	v, ok := parsePref(prefs.MaxTokens)
	if !ok {
		return
	}
	before := body["max_tokens"]
	body["max_tokens"] = v
	record(audit, "max_tokens", before, v)
}

func applyThinkingBudget(prefs domain.OverridePrefs, body map[string]any, audit *Audit) {
	b, ok := parsePref(prefs.ThinkingBudget)
	if !ok || b < minThinkingBudget {
		return
	}
	if mt, present := intField(body, "max_tokens"); present {
		if b > mt-1 {
			b = mt - 1
		}
		if b < minThinkingBudget {
			return
		}
	}

	before := body["thinking"]
	thinking, wasMap := before.(map[string]any)
	if !wasMap {
		thinking = make(map[string]any)
	} else {
		thinking = copyMap(thinking)
	}
	thinking["type"] = "enabled"
	thinking["budget_tokens"] = b
	body["thinking"] = thinking
	record(audit, "thinking", before, thinking)
}

func applyAdaptive(prefs domain.OverridePrefs, body map[string]any, audit *Audit) {
	cfg := prefs.Adaptive
	if cfg == nil || !validEffort(cfg.Effort) {
		return
	}
	switch cfg.ModelMatchMode {
	case "all":
	case "specific":
		model, _ := body["model"].(string)
		if !prefixMatch(model, cfg.Models) {
			return
		}
	default:
		return
	}

	beforeThinking := body["thinking"]
	body["thinking"] = map[string]any{"type": "adaptive"}
	record(audit, "thinking", beforeThinking, body["thinking"])

	beforeOut := body["output_config"]
	out, wasMap := beforeOut.(map[string]any)
	if !wasMap {
		out = make(map[string]any)
	} else {
		out = copyMap(out)
	}
	out["effort"] = cfg.Effort
	body["output_config"] = out
	record(audit, "output_config.effort", beforeOut, out)
}

func validEffort(e string) bool {
	switch e {
	case domain.EffortLow, domain.EffortMedium, domain.EffortHigh, domain.EffortMax:
		return true
	}
	return false
}

func prefixMatch(model string, prefixes []string) bool {
	if model == "" {
		return false
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// intField reads a numeric body field that may have decoded as float64 or
// been set as int by an earlier rule.
func intField(body map[string]any, key string) (int, bool) {
	switch v := body[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func equalValue(a, b any) bool {
	ai, aok := toInt(a)
	bi, bok := toInt(b)
	if aok && bok {
		return ai == bi
	}
	am, amok := a.(map[string]any)
	bm, bmok := b.(map[string]any)
	if amok && bmok {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !equalValue(av, bv) {
				return false
			}
		}
		return true
	}
	return a == b
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}
