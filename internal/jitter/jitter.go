// Package jitter provides the randomized amounts and pauses used to keep
// accounts from producing identical on-chain and UI timing patterns.
package jitter

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gopkg.in/yaml.v3"
)

// Range is a closed [Min, Max] interval read from configuration.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// UnmarshalYAML accepts both `[min, max]` and `{min: .., max: ..}` forms.
func (r *Range) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var pair []float64
		if err := node.Decode(&pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("line %d: range needs exactly two values, got %d", node.Line, len(pair))
		}
		r.Min, r.Max = pair[0], pair[1]
		return nil
	}
	type plain Range
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = Range(p)
	return nil
}

// Valid reports whether Min <= Max.
func (r Range) Valid() bool { return r.Min <= r.Max }

// Pick draws a value from the range using r.
func (r Range) Pick(rnd *rand.Rand) float64 {
	return Uniform(rnd, r.Min, r.Max, -1)
}

// New returns a rand source seeded from the runtime generator.
func New() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// Seeded returns a deterministic source for tests.
func Seeded(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Uniform draws from [lo, hi] and rounds to the given number of decimals.
// A negative decimals value skips rounding.
func Uniform(rnd *rand.Rand, lo, hi float64, decimals int) float64 {
	if hi < lo {
		lo, hi = hi, lo
	}
	v := lo + rnd.Float64()*(hi-lo)
	if decimals < 0 {
		return v
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Sleep pauses for a random duration in [lo, hi] seconds.
func Sleep(ctx context.Context, rnd *rand.Rand, lo, hi float64) error {
	d := time.Duration(Uniform(rnd, lo, hi, 3) * float64(time.Second))
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
