// Package stats implements the significance machinery of the evaluator.
package stats

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// ExactThreshold is the discordant-pair count below which McNemar uses the
// exact binomial test.
const ExactThreshold = 25

// Wilson returns the Wilson score interval for k successes in n trials at
// the given two-sided confidence level. n == 0 yields [0, 1].
func Wilson(k, n int, confidence float64) (lo, hi float64) {
	if n <= 0 {
		return 0, 1
	}
	z := distuv.UnitNormal.Quantile(1 - (1-confidence)/2)
	nf := float64(n)
	p := float64(k) / nf
	z2 := z * z
	den := 1 + z2/nf
	center := (p + z2/(2*nf)) / den
	half := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf)) / den
	return math.Max(0, center-half), math.Min(1, center+half)
}

// McNemarResult is a paired test over discordant counts.
type McNemarResult struct {
	B, C      int
	Method    string
	Statistic float64
	PValue    float64
}

// McNemar tests whether b (first only) and c (second only) differ. It uses
// the exact two-sided binomial test when b+c < ExactThreshold and the
// continuity-corrected chi-square otherwise.
func McNemar(b, c int) McNemarResult {
	r := McNemarResult{B: b, C: c}
	n := b + c
	switch {
	case n == 0:
		r.Method = "exact"
		r.PValue = 1
	case n < ExactThreshold:
		r.Method = "exact"
		bin := distuv.Binomial{N: float64(n), P: 0.5}
		k := b
		if c < k {
			k = c
		}
		r.Statistic = float64(k)
		r.PValue = math.Min(1, 2*bin.CDF(float64(k)))
	default:
		r.Method = "chi2_cc"
		d := math.Abs(float64(b-c)) - 1
		if d < 0 {
			d = 0
		}
		r.Statistic = d * d / float64(n)
		r.PValue = 1 - distuv.ChiSquared{K: 1}.CDF(r.Statistic)
	}
	return r
}

// BenjaminiHochberg returns step-up adjusted p-values in input order.
func BenjaminiHochberg(ps []float64) []float64 {
	m := len(ps)
	out := make([]float64, m)
	if m == 0 {
		return out
	}
	idx := make([]int, m)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return ps[idx[a]] < ps[idx[b]] })
	prev := 1.0
	for r := m - 1; r >= 0; r-- {
		i := idx[r]
		v := ps[i] * float64(m) / float64(r+1)
		if v < prev {
			prev = v
		}
		out[i] = math.Min(1, prev)
	}
	return out
}

// ErrUnknownCorrection is returned by Adjust for unsupported methods.
var ErrUnknownCorrection = errors.New("unknown multiple-comparison correction")

// Adjust applies a named correction ("bh" or "none").
func Adjust(method string, ps []float64) ([]float64, error) {
	switch method {
	case "bh", "":
		return BenjaminiHochberg(ps), nil
	case "none":
		return append([]float64(nil), ps...), nil
	default:
		return nil, ErrUnknownCorrection
	}
}
