package scenario

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/roach88/paybench/internal/merchant"
)

// Params expands the plan into one merchant.Params per request. Amounts are
// drawn from the range at the given scale with a generator seeded from
// Seed, so the same plan always yields the same amounts. Order IDs are
// "<prefix>-<tag>-<n>" with n counted from 1; tag is typically a run ID
// fragment and may be empty.
func (s *Scenario) Params(scale int32, tag string) []merchant.Params {
	rng := rand.New(rand.NewPCG(s.seed(), uint64(s.Count)))

	prefix := s.OrderPrefix
	if tag != "" {
		prefix += "-" + tag
	}

	out := make([]merchant.Params, s.Count)
	for i := range out {
		out[i] = merchant.Params{
			Kind:    s.Kind,
			Amount:  s.Amount.draw(rng, scale),
			OrderID: fmt.Sprintf("%s-%05d", prefix, i+1),
			Extra:   s.Extra,
		}
	}
	return out
}

func (s *Scenario) seed() uint64 {
	if s.Seed != 0 {
		return s.Seed
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(s.Name))
	return h.Sum64()
}

// draw picks a uniformly distributed amount in [Min, Max] with scale digits.
func (r AmountRange) draw(rng *rand.Rand, scale int32) decimal.Decimal {
	lo := r.Min.Shift(scale).Ceil()
	hi := r.Max.Shift(scale).Floor()
	if !hi.GreaterThan(lo) {
		return lo.Shift(-scale)
	}
	span := hi.Sub(lo).IntPart()
	return lo.Add(decimal.NewFromInt(rng.Int64N(span + 1))).Shift(-scale)
}
