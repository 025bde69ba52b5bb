package aggregate

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"dpgate/internal/domain"
	"dpgate/internal/querier"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta() *domain.Metadata {
	return &domain.Metadata{
		Columns: []domain.Column{
			{Name: "income", Type: "numeric", LowerBound: 0, UpperBound: 100000},
			{Name: "age", Type: "numeric", LowerBound: 0, UpperBound: 120},
		},
		RowCount:         1000,
		MaxContributions: 1,
		PrivacyUnit:      "person",
	}
}

func newAggregate(t *testing.T, meta *domain.Metadata) querier.Querier {
	t.Helper()
	registry := querier.NewRegistry()
	Register(registry)
	q, err := registry.New(Library, querier.NewSynthetic(meta), meta)
	require.NoError(t, err)
	return q
}

func request(aggregation, column, mechanism, epsilon, delta string) *domain.QueryRequest {
	req := &domain.QueryRequest{
		Aggregation: aggregation,
		Column:      column,
		Mechanism:   mechanism,
		Epsilon:     decimal.RequireFromString(epsilon),
	}
	if delta != "" {
		req.Delta = decimal.RequireFromString(delta)
	}
	return req
}

func TestCostLaplaceChargesEpsilonOnly(t *testing.T) {
	q := newAggregate(t, testMeta())

	cost, err := q.Cost(context.Background(), request("count", "", "laplace", "0.7", "0.5"))

	require.NoError(t, err)
	assert.True(t, cost.Epsilon.Equal(decimal.RequireFromString("0.7")))
	// Laplace is a pure-epsilon mechanism; the request's delta is not
	// charged.
	assert.True(t, cost.Delta.IsZero())
}

func TestCostGaussianChargesEpsilonAndDelta(t *testing.T) {
	q := newAggregate(t, testMeta())

	cost, err := q.Cost(context.Background(), request("mean", "age", "gaussian", "1.0", "0.0001"))

	require.NoError(t, err)
	assert.True(t, cost.Epsilon.Equal(decimal.RequireFromString("1.0")))
	assert.True(t, cost.Delta.Equal(decimal.RequireFromString("0.0001")))
}

func TestCostIsDeterministic(t *testing.T) {
	q := newAggregate(t, testMeta())
	req := request("sum", "income", "laplace", "0.5", "")

	first, err := q.Cost(context.Background(), req)
	require.NoError(t, err)
	second, err := q.Cost(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, first.Epsilon.Equal(second.Epsilon))
	assert.True(t, first.Delta.Equal(second.Delta))
}

func TestCostRejectsInvalidRequests(t *testing.T) {
	q := newAggregate(t, testMeta())
	ctx := context.Background()

	cases := map[string]*domain.QueryRequest{
		"unknown aggregation":    request("median", "age", "laplace", "0.5", ""),
		"sum without column":     request("sum", "", "laplace", "0.5", ""),
		"unknown column":         request("mean", "height", "laplace", "0.5", ""),
		"unknown mechanism":      request("count", "", "exponential", "0.5", ""),
		"gaussian without delta": request("count", "", "gaussian", "0.5", ""),
		"zero epsilon":           request("count", "", "laplace", "0", ""),
		"negative epsilon":       request("count", "", "laplace", "-1", ""),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := q.Cost(ctx, req)
			assert.Error(t, err)
		})
	}
}

func TestExecuteCountIsNearExact(t *testing.T) {
	q := newAggregate(t, testMeta())

	raw, err := q.Execute(context.Background(), request("count", "", "laplace", "2.0", ""))
	require.NoError(t, err)

	var result Result
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "count", result.Aggregation)
	assert.InDelta(t, 1000.0, result.Value, 50.0)
}

func TestExecuteMeanStaysNearColumnCenter(t *testing.T) {
	q := newAggregate(t, testMeta())

	raw, err := q.Execute(context.Background(), request("mean", "age", "laplace", "2.0", ""))
	require.NoError(t, err)

	var result Result
	require.NoError(t, json.Unmarshal(raw, &result))
	// Synthetic data sweeps [0,120) evenly, so the exact mean is ~60 and the
	// mean-sensitivity noise at this epsilon is tiny.
	assert.InDelta(t, 60.0, result.Value, 10.0)
}

func TestExecuteGaussianSum(t *testing.T) {
	q := newAggregate(t, testMeta())

	raw, err := q.Execute(context.Background(), request("sum", "age", "gaussian", "1.0", "0.001"))
	require.NoError(t, err)

	var result Result
	require.NoError(t, json.Unmarshal(raw, &result))
	// Exact sum of the sweep is ~59940; gaussian sigma here is
	// sqrt(2*ln(1250))*120 ≈ 453, so 5 sigma is a safe band.
	assert.InDelta(t, 59940.0, result.Value, 5*453.0)
}

// fixedAccessor returns a canned column regardless of metadata.
type fixedAccessor struct {
	values []float64
}

func (a *fixedAccessor) Count(ctx context.Context) (int64, error) {
	return int64(len(a.values)), nil
}

func (a *fixedAccessor) Column(ctx context.Context, name string) ([]float64, error) {
	return a.values, nil
}

func TestExecuteClampsOutOfBoundValues(t *testing.T) {
	meta := testMeta()
	// Rows far outside the declared [0,120] age bounds must be clamped
	// before aggregation, not trusted.
	agg := &Aggregate{
		accessor: &fixedAccessor{values: []float64{-500, 60, 60, 1e6}},
		meta:     meta,
		noise:    newNoiseGenerator(),
	}

	raw, err := agg.Execute(context.Background(), request("mean", "age", "laplace", "5.0", ""))
	require.NoError(t, err)

	var result Result
	require.NoError(t, json.Unmarshal(raw, &result))
	// Clamped mean is (0+60+60+120)/4 = 60; noise at this epsilon over four
	// rows has sensitivity 30, scale 6.
	assert.InDelta(t, 60.0, result.Value, 90.0)
}

func TestSensitivityScalesWithContributions(t *testing.T) {
	metaOne := testMeta()
	metaFive := testMeta()
	metaFive.MaxContributions = 5

	aggOne := &Aggregate{meta: metaOne, noise: newNoiseGenerator()}
	aggFive := &Aggregate{meta: metaFive, noise: newNoiseGenerator()}

	reqCount := request("count", "", "laplace", "1.0", "")
	assert.Equal(t, 1.0, aggOne.sensitivity(reqCount, 0))
	assert.Equal(t, 5.0, aggFive.sensitivity(reqCount, 0))

	reqSum := request("sum", "income", "laplace", "1.0", "")
	assert.Equal(t, 100000.0, aggOne.sensitivity(reqSum, 0))
	assert.Equal(t, 500000.0, aggFive.sensitivity(reqSum, 0))
}

func TestLaplaceNoiseIsCentered(t *testing.T) {
	ng := newNoiseGenerator()

	const samples = 20000
	var sum float64
	for i := 0; i < samples; i++ {
		sum += ng.laplace(1.0)
	}
	mean := sum / samples
	// Laplace(0, 1) has variance 2; the sample mean of 20k draws stays well
	// inside 0.1 of zero.
	assert.Less(t, math.Abs(mean), 0.1)
}
