// Package aggregate is the built-in DP querier: noisy count, sum, and mean
// over a single dataset column using the Laplace or Gaussian mechanism.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"dpgate/internal/domain"
	"dpgate/internal/querier"

	"github.com/shopspring/decimal"
)

// Library is the DP-library identifier this plugin registers under.
const Library = "aggregate"

// Register adds this plugin's factory to a registry.
func Register(r *querier.Registry) {
	r.Register(Library, func(accessor querier.Accessor, meta *domain.Metadata) (querier.Querier, error) {
		return &Aggregate{accessor: accessor, meta: meta, noise: newNoiseGenerator()}, nil
	})
}

// Aggregate answers one aggregation per request with mechanism noise
// calibrated to the column bounds declared in the dataset metadata.
type Aggregate struct {
	accessor querier.Accessor
	meta     *domain.Metadata
	noise    *noiseGenerator
}

// Result is the serialized response payload.
type Result struct {
	Aggregation string  `json:"aggregation"`
	Column      string  `json:"column,omitempty"`
	Mechanism   string  `json:"mechanism"`
	Value       float64 `json:"value"`
}

func (a *Aggregate) validate(req *domain.QueryRequest) error {
	switch req.Aggregation {
	case domain.AggregationCount:
	case domain.AggregationSum, domain.AggregationMean:
		if req.Column == "" {
			return fmt.Errorf("aggregation %q requires a column", req.Aggregation)
		}
		if _, ok := a.meta.Column(req.Column); !ok {
			return fmt.Errorf("column %q is not in the dataset metadata", req.Column)
		}
	default:
		return fmt.Errorf("unsupported aggregation %q", req.Aggregation)
	}

	switch req.Mechanism {
	case domain.MechanismLaplace:
	case domain.MechanismGaussian:
		if !req.Delta.IsPositive() {
			return fmt.Errorf("the gaussian mechanism requires delta > 0")
		}
	default:
		return fmt.Errorf("unsupported mechanism %q", req.Mechanism)
	}

	if !req.Epsilon.IsPositive() {
		return fmt.Errorf("epsilon must be > 0")
	}
	return nil
}

// Cost charges exactly what the request asks to spend: epsilon for laplace,
// (epsilon, delta) for gaussian. Reads metadata only, so it is deterministic
// for a fixed request.
func (a *Aggregate) Cost(ctx context.Context, req *domain.QueryRequest) (domain.Budget, error) {
	if err := a.validate(req); err != nil {
		return domain.Budget{}, err
	}
	cost := domain.Budget{Epsilon: req.Epsilon, Delta: decimal.Zero}
	if req.Mechanism == domain.MechanismGaussian {
		cost.Delta = req.Delta
	}
	return cost, nil
}

// sensitivity is the L1 sensitivity of the aggregation, scaled by how many
// rows one individual may contribute.
func (a *Aggregate) sensitivity(req *domain.QueryRequest, n int) float64 {
	contributions := float64(a.meta.MaxContributions)
	if contributions < 1 {
		contributions = 1
	}

	switch req.Aggregation {
	case domain.AggregationCount:
		return contributions
	case domain.AggregationSum:
		col, _ := a.meta.Column(req.Column)
		return math.Max(math.Abs(col.LowerBound), math.Abs(col.UpperBound)) * contributions
	case domain.AggregationMean:
		col, _ := a.meta.Column(req.Column)
		if n == 0 {
			n = 1
		}
		return (col.UpperBound - col.LowerBound) * contributions / float64(n)
	default:
		return 1
	}
}

func (a *Aggregate) Execute(ctx context.Context, req *domain.QueryRequest) (json.RawMessage, error) {
	if err := a.validate(req); err != nil {
		return nil, err
	}

	var exact float64
	var n int
	switch req.Aggregation {
	case domain.AggregationCount:
		count, err := a.accessor.Count(ctx)
		if err != nil {
			return nil, err
		}
		exact = float64(count)
	case domain.AggregationSum, domain.AggregationMean:
		values, err := a.accessor.Column(ctx, req.Column)
		if err != nil {
			return nil, err
		}
		n = len(values)
		col, _ := a.meta.Column(req.Column)
		for _, v := range values {
			exact += clamp(v, col.LowerBound, col.UpperBound)
		}
		if req.Aggregation == domain.AggregationMean && n > 0 {
			exact /= float64(n)
		}
	}

	epsilon, _ := req.Epsilon.Float64()
	delta, _ := req.Delta.Float64()
	sensitivity := a.sensitivity(req, n)

	var noisy float64
	switch req.Mechanism {
	case domain.MechanismLaplace:
		noisy = exact + a.noise.laplace(sensitivity/epsilon)
	case domain.MechanismGaussian:
		noisy = exact + a.noise.gaussian(epsilon, delta, sensitivity)
	}

	return json.Marshal(Result{
		Aggregation: req.Aggregation,
		Column:      req.Column,
		Mechanism:   req.Mechanism,
		Value:       noisy,
	})
}

func clamp(v, lower, upper float64) float64 {
	if upper > lower {
		if v < lower {
			return lower
		}
		if v > upper {
			return upper
		}
	}
	return v
}
