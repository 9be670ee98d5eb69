// Package selector picks the upstream provider and endpoint for a request.
//
// Candidates are filtered by enablement, schedule, routing group, provider
// lifetime budget, and endpoint health; the winner comes from a weighted
// random draw inside the lowest effective-priority bucket.
package selector

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-relay/internal/domain"
	"github.com/fairyhunter13/llm-relay/internal/service/ratelimit"
)

// BreakerView is the selector's read-side view of the breaker registry.
type BreakerView interface {
	Healthy(ctx domain.Context, endpointID int64) bool
}

// TotalChecker filters candidates on the provider lifetime cap.
type TotalChecker interface {
	CheckProviderTotal(ctx domain.Context, p domain.Provider) (ratelimit.Decision, error)
}

// SessionIndex resolves a session id to its prior provider.
type SessionIndex interface {
	LastProvider(ctx domain.Context, sessionID string) (int64, bool)
}

// Exclusion names a (provider, endpoint) pair failed earlier in this request.
type Exclusion struct {
	ProviderID int64
	EndpointID int64
}

// Result is a selected provider/endpoint plus the chain item describing the
// decision.
type Result struct {
	Provider domain.Provider
	Endpoint domain.ProviderEndpoint
	Chain    domain.ChainItem
}

// Selector implements the candidate filter and weighted draw.
type Selector struct {
	breakers BreakerView
	quota    TotalChecker
	sessions SessionIndex

	// randMu serializes draws; rand.Rand is not safe for concurrent use.
	randMu sync.Mutex
	rand   *rand.Rand

	now func() time.Time
}

// New constructs a Selector. sessions may be nil when session reuse is off.
func New(breakers BreakerView, quota TotalChecker, sessions SessionIndex) *Selector {
	return &Selector{
		breakers: breakers,
		quota:    quota,
		sessions: sessions,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

type candidate struct {
	provider  domain.Provider
	endpoints []domain.ProviderEndpoint
	priority  int
}

func groupsOrDefault(groups []string) []string {
	if len(groups) == 0 {
		return []string{domain.DefaultGroup}
	}
	return groups
}

// matchedGroups returns the intersection of the provider's groups with the
// key's effective groups. An untagged provider belongs to the default group.
func matchedGroups(p domain.Provider, keyGroups []string) []string {
	pg := groupsOrDefault(p.Groups())
	kg := groupsOrDefault(keyGroups)
	var out []string
	for _, g := range pg {
		for _, k := range kg {
			if g == k {
				out = append(out, g)
			}
		}
	}
	return out
}

// effectivePriority resolves the provider priority through per-group
// overrides; when several matched groups resolve, the lowest number wins.
func effectivePriority(p domain.Provider, matched []string) int {
	best := p.Priority
	found := false
	for _, g := range matched {
		if pr, ok := p.GroupPriorities[g]; ok {
			if !found || pr < best {
				best = pr
				found = true
			}
		}
	}
	return best
}

func excludedEndpoint(excluded []Exclusion, providerID, endpointID int64) bool {
	for _, ex := range excluded {
		if ex.ProviderID == providerID && ex.EndpointID == endpointID {
			return true
		}
	}
	return false
}

// rankEndpoints orders candidate endpoints: probe-ok first, unprobed next,
// failed last; then sortOrder, probe latency, and id.
func rankEndpoints(eps []domain.ProviderEndpoint) {
	probeRank := func(ok *bool) int {
		switch {
		case ok != nil && *ok:
			return 0
		case ok == nil:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(eps, func(i, j int) bool {
		ri, rj := probeRank(eps[i].LastProbeOK), probeRank(eps[j].LastProbeOK)
		if ri != rj {
			return ri < rj
		}
		if eps[i].SortOrder != eps[j].SortOrder {
			return eps[i].SortOrder < eps[j].SortOrder
		}
		if eps[i].LastProbeLatency != eps[j].LastProbeLatency {
			return eps[i].LastProbeLatency < eps[j].LastProbeLatency
		}
		return eps[i].ID < eps[j].ID
	})
}

// Select picks one (provider, endpoint) from the snapshot for the key's
// groups, honoring exclusions from earlier attempts in the same request.
// Returns domain.ErrCircuitOpen when no candidate survives filtering.
func (s *Selector) Select(ctx domain.Context, providers []domain.Provider, keyGroups []string, sessionID string, excluded []Exclusion) (Result, error) {
	now := s.now()
	enabledCount := 0
	var candidates []candidate

	for _, p := range providers {
		if !p.IsEnabled || p.DeletedAt != nil {
			continue
		}
		if !ScheduleActive(p.Schedule, now) {
			continue
		}
		matched := matchedGroups(p, keyGroups)
		if len(matched) == 0 {
			continue
		}
		enabledCount++

		if d, err := s.quota.CheckProviderTotal(ctx, p); err != nil {
			slog.Warn("provider total check failed, excluding candidate",
				slog.Int64("provider_id", p.ID), slog.Any("error", err))
			continue
		} else if !d.Allowed {
			continue
		}

		var eps []domain.ProviderEndpoint
		probeHealthy := false
		for _, ep := range p.Endpoints {
			if !ep.IsEnabled || excludedEndpoint(excluded, p.ID, ep.ID) {
				continue
			}
			if !s.breakers.Healthy(ctx, ep.ID) {
				continue
			}
			if ep.LastProbeOK == nil || *ep.LastProbeOK {
				probeHealthy = true
			}
			eps = append(eps, ep)
		}
		if !probeHealthy {
			continue
		}
		candidates = append(candidates, candidate{
			provider:  p,
			endpoints: eps,
			priority:  effectivePriority(p, matched),
		})
	}

	if len(candidates) == 0 {
		return Result{}, domain.ErrCircuitOpen
	}

	dc := &domain.DecisionContext{
		EnabledProviders: enabledCount,
		AfterHealthCheck: len(candidates),
	}

	if sessionID != "" && s.sessions != nil {
		if pid, ok := s.sessions.LastProvider(ctx, sessionID); ok {
			for _, c := range candidates {
				if c.provider.ID == pid {
					dc.SelectedPriority = c.priority
					return s.finish(c, domain.ReasonSessionReuse, domain.SelectSessionReuse, dc), nil
				}
			}
		}
	}

	chosen := s.draw(candidates)
	dc.SelectedPriority = chosen.priority
	return s.finish(chosen, domain.ReasonInitialSelection, domain.SelectPriorityWeighted, dc), nil
}

// draw groups candidates by effective priority, keeps the lowest bucket, and
// runs a weighted uniform draw over it.
func (s *Selector) draw(candidates []candidate) candidate {
	lowest := candidates[0].priority
	for _, c := range candidates[1:] {
		if c.priority < lowest {
			lowest = c.priority
		}
	}
	var bucket []candidate
	for _, c := range candidates {
		if c.priority == lowest {
			bucket = append(bucket, c)
		}
	}
	sort.Slice(bucket, func(i, j int) bool { return bucket[i].provider.ID < bucket[j].provider.ID })

	var total int64
	for _, c := range bucket {
		total += weightOf(c.provider)
	}
	s.randMu.Lock()
	r := s.rand.Int63n(total)
	s.randMu.Unlock()
	var cum int64
	for _, c := range bucket {
		cum += weightOf(c.provider)
		if r < cum {
			return c
		}
	}
	return bucket[len(bucket)-1]
}

func weightOf(p domain.Provider) int64 {
	if p.Weight <= 0 {
		return 1
	}
	return int64(p.Weight)
}

func (s *Selector) finish(c candidate, reason domain.ChainReason, method domain.SelectionMethod, dc *domain.DecisionContext) Result {
	rankEndpoints(c.endpoints)
	return Result{
		Provider: c.provider,
		Endpoint: c.endpoints[0],
		Chain: domain.ChainItem{
			Name:            c.provider.Name,
			Reason:          reason,
			SelectionMethod: method,
			Decision:        dc,
		},
	}
}
