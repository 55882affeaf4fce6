package connector

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/eb-copilot/internal/config"
	"github.com/sells-group/eb-copilot/internal/metrics"
	"github.com/sells-group/eb-copilot/internal/resilience"
)

// DefaultRoutes maps payer-name prefixes to variants. Anything unmatched
// uses the mock connector.
func DefaultRoutes() map[string]Variant {
	return map[string]Variant{"manual": VariantManualOnly}
}

type route struct {
	prefix  string
	variant Variant
}

// Router selects a connector for a payer name.
type Router struct {
	routes   []route
	variants map[Variant]Connector
}

// NewRouter builds a Router over the default routes plus overrides.
// Override keys are payer-name prefixes (case-insensitive); values must be
// known variant names.
func NewRouter(overrides map[string]string) (*Router, error) {
	table := DefaultRoutes()
	for prefix, name := range overrides {
		v := Variant(strings.ToLower(strings.TrimSpace(name)))
		if !v.Valid() {
			return nil, eris.Errorf("connector: unknown variant %q for prefix %q", name, prefix)
		}
		table[strings.ToLower(strings.TrimSpace(prefix))] = v
	}

	routes := make([]route, 0, len(table))
	for p, v := range table {
		if p == "" {
			continue
		}
		routes = append(routes, route{prefix: p, variant: v})
	}
	// Longest prefix first so "manual review" beats "manual".
	sort.Slice(routes, func(i, j int) bool {
		if len(routes[i].prefix) != len(routes[j].prefix) {
			return len(routes[i].prefix) > len(routes[j].prefix)
		}
		return routes[i].prefix < routes[j].prefix
	})

	return &Router{
		routes: routes,
		variants: map[Variant]Connector{
			VariantMock:       Mock{},
			VariantManualOnly: ManualOnly{},
		},
	}, nil
}

// VariantFor is the pure payer-name mapping.
func (r *Router) VariantFor(payerName string) Variant {
	name := strings.ToLower(strings.TrimSpace(payerName))
	for _, rt := range r.routes {
		if strings.HasPrefix(name, rt.prefix) {
			return rt.variant
		}
	}
	return VariantMock
}

// ForPayer returns the connector for payerName.
func (r *Router) ForPayer(payerName string) Connector {
	return r.variants[r.VariantFor(payerName)]
}

// Wrap replaces every variant with the result of wrap.
func (r *Router) Wrap(wrap func(Connector) Connector) {
	for v, c := range r.variants {
		r.variants[v] = wrap(c)
	}
}

// Guarded rate-limits a connector, trips a circuit breaker on repeated
// transport errors and counts calls.
type Guarded struct {
	next    Connector
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
}

// NewGuarded wraps next using the connector config.
func NewGuarded(next Connector, cfg config.ConnectorConfig, breakers *resilience.Breakers, m *metrics.Metrics) *Guarded {
	limit := rate.Limit(cfg.RatePerSec)
	if cfg.RatePerSec <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Guarded{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breakers.Get("connector:" + string(next.Variant())),
		metrics: m,
	}
}

func (g *Guarded) Variant() Variant { return g.next.Variant() }

func (g *Guarded) GetEligibility(ctx context.Context, q Query) (Result, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Result{}, eris.Wrap(err, "connector: rate limit wait")
	}

	res, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (Result, error) {
		return g.next.GetEligibility(ctx, q)
	})
	if err != nil {
		zap.L().Warn("connector: lookup failed",
			zap.String("variant", string(g.Variant())),
			zap.Error(err),
		)
		return Result{}, err
	}
	g.metrics.IncrementConnectorCall(string(g.Variant()), res.Success)
	return res, nil
}
