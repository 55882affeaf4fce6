package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eb-copilot/internal/config"
	"github.com/sells-group/eb-copilot/internal/metrics"
	"github.com/sells-group/eb-copilot/internal/resilience"
)

func TestMock_EvenDigitIsActive(t *testing.T) {
	res, err := Mock{}.GetEligibility(context.Background(), Query{PayerName: "blue cross", MemberID: "ABC1234"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.FailureReason)

	want := "Eligibility status: active\n" +
		"Member ID: ABC1234\n" +
		"Effective: 2024-01-01 to 2024-12-31\n" +
		"Copay: $25\n" +
		"Coinsurance: 20%\n" +
		"Deductible individual total: $500 remaining: $200\n" +
		"OOP max individual total: $2000 remaining: $1500\n" +
		"Visit limit: 12 visits per year\n" +
		"Payer: Blue Cross\n"
	assert.Equal(t, want, res.RawText)
}

func TestMock_StatusByLastCharacter(t *testing.T) {
	tests := []struct {
		memberID string
		want     string
	}{
		{"X0", "active"},
		{"X8", "active"},
		{"X7", "inactive"},
		{"12A", "inactive"},
		{"  246  ", "active"},
	}
	for _, tt := range tests {
		t.Run(tt.memberID, func(t *testing.T) {
			res, err := Mock{}.GetEligibility(context.Background(), Query{PayerName: "Aetna", MemberID: tt.memberID})
			require.NoError(t, err)
			assert.Contains(t, res.RawText, "Eligibility status: "+tt.want+"\n")
		})
	}
}

func TestMock_MissingMemberID(t *testing.T) {
	for _, id := range []string{"", "   "} {
		res, err := Mock{}.GetEligibility(context.Background(), Query{PayerName: "Aetna", MemberID: id})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, ReasonMissingMemberID, res.FailureReason)
		assert.Empty(t, res.RawText)
	}
}

func TestMock_Deterministic(t *testing.T) {
	q := Query{PayerName: "UNITED health", MemberID: "M42"}
	a, _ := Mock{}.GetEligibility(context.Background(), q)
	b, _ := Mock{}.GetEligibility(context.Background(), q)
	assert.Equal(t, a, b)
	assert.Contains(t, a.RawText, "Payer: United Health\n")
}

func TestManualOnly(t *testing.T) {
	res, err := ManualOnly{}.GetEligibility(context.Background(), Query{MemberID: "M2"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonRequiresUpload, res.FailureReason)
}

func TestRouter_DefaultMapping(t *testing.T) {
	r, err := NewRouter(nil)
	require.NoError(t, err)

	assert.Equal(t, VariantManualOnly, r.VariantFor("Manual Payer Co"))
	assert.Equal(t, VariantManualOnly, r.VariantFor("  manual"))
	assert.Equal(t, VariantMock, r.VariantFor("Blue Cross"))
	assert.Equal(t, VariantMock, r.VariantFor(""))
	assert.Equal(t, VariantMock, r.VariantFor("Not manual"))

	assert.IsType(t, ManualOnly{}, r.ForPayer("MANUAL"))
	assert.IsType(t, Mock{}, r.ForPayer("Cigna"))
}

func TestRouter_Overrides(t *testing.T) {
	r, err := NewRouter(map[string]string{"Kaiser": "manual_only", "manual mock": "mock"})
	require.NoError(t, err)

	assert.Equal(t, VariantManualOnly, r.VariantFor("kaiser permanente"))
	assert.Equal(t, VariantMock, r.VariantFor("Manual Mock Payer"), "longest prefix wins")
	assert.Equal(t, VariantManualOnly, r.VariantFor("Manual Other"))

	_, err = NewRouter(map[string]string{"x": "real_payer"})
	assert.ErrorContains(t, err, `unknown variant "real_payer"`)
}

type failingConnector struct{ calls int }

func (f *failingConnector) Variant() Variant { return VariantMock }

func (f *failingConnector) GetEligibility(context.Context, Query) (Result, error) {
	f.calls++
	return Result{}, errors.New("connection reset by peer")
}

func TestGuarded_CountsCalls(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r, err := NewRouter(nil)
	require.NoError(t, err)
	breakers := resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	r.Wrap(func(c Connector) Connector {
		return NewGuarded(c, config.ConnectorConfig{RatePerSec: 1000, Burst: 10}, breakers, m)
	})

	c := r.ForPayer("Aetna")
	assert.Equal(t, VariantMock, c.Variant())
	res, err := c.GetEligibility(context.Background(), Query{PayerName: "Aetna", MemberID: "2"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = r.ForPayer("manual").GetEligibility(context.Background(), Query{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectorCalls.WithLabelValues("mock", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectorCalls.WithLabelValues("manual_only", "false")))
}

func TestGuarded_BreakerOpens(t *testing.T) {
	inner := &failingConnector{}
	breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	g := NewGuarded(inner, config.ConnectorConfig{}, breakers, nil)

	for range 2 {
		_, err := g.GetEligibility(context.Background(), Query{MemberID: "1"})
		require.Error(t, err)
	}
	_, err := g.GetEligibility(context.Background(), Query{MemberID: "1"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, 2, inner.calls)
}

func TestGuarded_RateLimitHonoursContext(t *testing.T) {
	g := NewGuarded(Mock{}, config.ConnectorConfig{RatePerSec: 0.001, Burst: 1}, resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig()), nil)

	_, err := g.GetEligibility(context.Background(), Query{MemberID: "2"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.GetEligibility(ctx, Query{MemberID: "2"})
	assert.ErrorContains(t, err, "rate limit wait")
}
