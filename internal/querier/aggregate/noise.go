package aggregate

import (
	"math"
	"math/rand"
	"time"
)

// noiseGenerator produces calibrated noise for the supported mechanisms.
type noiseGenerator struct {
	rng *rand.Rand
}

func newNoiseGenerator() *noiseGenerator {
	return &noiseGenerator{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// laplace draws from the Laplace distribution with the given scale
// (scale = sensitivity / epsilon) via the inverse CDF.
func (ng *noiseGenerator) laplace(scale float64) float64 {
	u := ng.rng.Float64() - 0.5
	if u < 0 {
		return scale * math.Log(1.0+2.0*u)
	}
	return -scale * math.Log(1.0-2.0*u)
}

// gaussian draws noise for the (epsilon, delta) Gaussian mechanism:
// sigma = sqrt(2*ln(1.25/delta)) * sensitivity / epsilon.
func (ng *noiseGenerator) gaussian(epsilon, delta, sensitivity float64) float64 {
	if epsilon <= 0 || delta <= 0 {
		return 0
	}
	sigma := math.Sqrt(2*math.Log(1.25/delta)) * sensitivity / epsilon

	// Box-Muller transform
	u1 := ng.rng.Float64()
	u2 := ng.rng.Float64()
	z0 := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

	return sigma * z0
}
