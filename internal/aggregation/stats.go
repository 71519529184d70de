// Copyright 2025 James Ross
package aggregation

import (
	"math"
	"sort"
)

// Welford is the online mean/variance accumulator.
type Welford struct {
	count uint64
	mean  float64
	m2    float64
}

// Add folds one observation in.
func (w *Welford) Add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
}

// Count returns the number of observations.
func (w *Welford) Count() uint64 { return w.count }

// Mean returns the running mean.
func (w *Welford) Mean() float64 { return w.mean }

// Variance returns the sample variance, zero below two observations.
func (w *Welford) Variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count-1)
}

// Stddev returns the sample standard deviation.
func (w *Welford) Stddev() float64 { return math.Sqrt(w.Variance()) }

// PSquare is the P² streaming quantile estimator: five markers track
// the target quantile without storing the stream.
type PSquare struct {
	p     float64
	count int
	q     [5]float64 // marker heights
	n     [5]float64 // marker positions
	np    [5]float64 // desired positions
	dn    [5]float64 // position increments
	init  []float64
}

// NewPSquare estimates quantile p in (0, 1).
func NewPSquare(p float64) *PSquare {
	e := &PSquare{p: p}
	e.dn = [5]float64{0, p / 2, p, (1 + p) / 2, 1}
	return e
}

// Quantile returns the target quantile of the estimator.
func (e *PSquare) Quantile() float64 { return e.p }

// Add folds one observation in.
func (e *PSquare) Add(x float64) {
	if e.count < 5 {
		e.init = append(e.init, x)
		e.count++
		if e.count == 5 {
			sort.Float64s(e.init)
			for i := 0; i < 5; i++ {
				e.q[i] = e.init[i]
				e.n[i] = float64(i + 1)
			}
			e.np = [5]float64{1, 1 + 2*e.p, 1 + 4*e.p, 3 + 2*e.p, 5}
			e.init = nil
		}
		return
	}
	e.count++

	// Locate the cell containing x and clamp the extremes.
	var k int
	switch {
	case x < e.q[0]:
		e.q[0] = x
		k = 0
	case x < e.q[1]:
		k = 0
	case x < e.q[2]:
		k = 1
	case x < e.q[3]:
		k = 2
	case x <= e.q[4]:
		k = 3
	default:
		e.q[4] = x
		k = 3
	}
	for i := k + 1; i < 5; i++ {
		e.n[i]++
	}
	for i := 0; i < 5; i++ {
		e.np[i] += e.dn[i]
	}

	// Adjust interior markers toward their desired positions.
	for i := 1; i <= 3; i++ {
		d := e.np[i] - e.n[i]
		if (d >= 1 && e.n[i+1]-e.n[i] > 1) || (d <= -1 && e.n[i-1]-e.n[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			qn := e.parabolic(i, sign)
			if e.q[i-1] < qn && qn < e.q[i+1] {
				e.q[i] = qn
			} else {
				e.q[i] = e.linear(i, sign)
			}
			e.n[i] += sign
		}
	}
}

func (e *PSquare) parabolic(i int, d float64) float64 {
	return e.q[i] + d/(e.n[i+1]-e.n[i-1])*
		((e.n[i]-e.n[i-1]+d)*(e.q[i+1]-e.q[i])/(e.n[i+1]-e.n[i])+
			(e.n[i+1]-e.n[i]-d)*(e.q[i]-e.q[i-1])/(e.n[i]-e.n[i-1]))
}

func (e *PSquare) linear(i int, d float64) float64 {
	j := i + int(d)
	return e.q[i] + d*(e.q[j]-e.q[i])/(e.n[j]-e.n[i])
}

// Value returns the current estimate. Below five observations it falls
// back to the exact order statistic of the buffered samples.
func (e *PSquare) Value() float64 {
	if e.count == 0 {
		return 0
	}
	if e.count < 5 {
		sorted := append([]float64(nil), e.init...)
		sort.Float64s(sorted)
		idx := int(e.p * float64(len(sorted)))
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return e.q[2]
}
