package breaker

import (
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

// ProbeFunc performs one liveness check against an endpoint URL and reports
// success plus observed latency.
type ProbeFunc func(ctx domain.Context, url string) (ok bool, latency time.Duration)

// Prober periodically probes every enabled endpoint, records the result on the
// endpoint row, and feeds the breaker registry.
type Prober struct {
	providers domain.ProviderRepo
	registry  *Registry
	probe     ProbeFunc
	interval  time.Duration
	rand      *rand.Rand
}

// NewProber constructs a Prober. A nil probe uses an HTTP HEAD check; a zero
// interval defaults to 30s.
func NewProber(providers domain.ProviderRepo, registry *Registry, probe ProbeFunc, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if probe == nil {
		probe = httpProbe(&http.Client{Timeout: 10 * time.Second})
	}
	return &Prober{
		providers: providers,
		registry:  registry,
		probe:     probe,
		interval:  interval,
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func httpProbe(client *http.Client) ProbeFunc {
	return func(ctx domain.Context, url string) (bool, time.Duration) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false, 0
		}
		start := time.Now()
		resp, err := client.Do(req)
		latency := time.Since(start)
		if err != nil {
			return false, latency
		}
		defer func() { _ = resp.Body.Close() }()
		// Anything the server answers at all counts as alive; auth and method
		// rejections still prove reachability.
		return resp.StatusCode < 500, latency
	}
}

// Run probes until ctx is cancelled. Each cycle sleeps interval with a uniform
// ±10% jitter so replicas do not probe in lockstep.
func (p *Prober) Run(ctx domain.Context) {
	for {
		jitter := time.Duration(float64(p.interval) * (0.9 + 0.2*p.rand.Float64()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}
		p.Sweep(ctx)
	}
}

// Sweep runs one probe pass over all enabled endpoints.
func (p *Prober) Sweep(ctx domain.Context) {
	providers, err := p.providers.Snapshot(ctx)
	if err != nil {
		slog.Warn("probe sweep snapshot failed", slog.Any("error", err))
		return
	}
	for _, prov := range providers {
		if !prov.IsEnabled {
			continue
		}
		for _, ep := range prov.Endpoints {
			if !ep.IsEnabled {
				continue
			}
			ok, latency := p.probe(ctx, ep.URL)
			if err := p.providers.UpdateEndpointProbe(ctx, ep.ID, ok, latency); err != nil {
				slog.Warn("probe result persist failed",
					slog.Int64("endpoint_id", ep.ID), slog.Any("error", err))
			}
			outcome := domain.OutcomeSuccess
			if !ok {
				outcome = domain.OutcomeRetryable
			}
			p.registry.Observe(ctx, ep.ID, outcome)
			slog.Debug("endpoint probed",
				slog.Int64("endpoint_id", ep.ID), slog.Bool("ok", ok),
				slog.Duration("latency", latency))
		}
	}
}
