// Copyright 2025 James Ross
package aggregation

import (
	"math"
	"sync"
	"time"
)

// Snapshot is the aggregated view of one metric window.
type Snapshot struct {
	Name      string              `json:"name"`
	Count     uint64              `json:"count"`
	Mean      float64             `json:"mean"`
	Variance  float64             `json:"variance"`
	Stddev    float64             `json:"stddev"`
	Min       float64             `json:"min"`
	Max       float64             `json:"max"`
	Quantiles map[float64]float64 `json:"quantiles"`
	At        time.Time           `json:"at"`
}

// Window keeps rolling statistics for one metric: a bounded ring of
// recent raw values, online mean/variance and P² estimators for the
// configured percentile set.
type Window struct {
	mu      sync.Mutex
	name    string
	size    int
	recent  []float64
	next    int
	filled  bool
	welford Welford
	minVal  float64
	maxVal  float64
	quants  []*PSquare
}

// NewWindow builds a window bounded to size raw samples.
func NewWindow(name string, size int, percentiles []float64) *Window {
	if size < 2 {
		size = 2
	}
	w := &Window{
		name:   name,
		size:   size,
		recent: make([]float64, size),
		minVal: math.Inf(1),
		maxVal: math.Inf(-1),
	}
	for _, p := range percentiles {
		w.quants = append(w.quants, NewPSquare(p))
	}
	return w
}

// Record folds one sample in.
func (w *Window) Record(x float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recent[w.next] = x
	w.next = (w.next + 1) % w.size
	if w.next == 0 {
		w.filled = true
	}
	w.welford.Add(x)
	if x < w.minVal {
		w.minVal = x
	}
	if x > w.maxVal {
		w.maxVal = x
	}
	for _, q := range w.quants {
		q.Add(x)
	}
}

// Recent returns the retained raw samples, oldest first.
func (w *Window) Recent() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.filled {
		out := make([]float64, w.next)
		copy(out, w.recent[:w.next])
		return out
	}
	out := make([]float64, 0, w.size)
	out = append(out, w.recent[w.next:]...)
	out = append(out, w.recent[:w.next]...)
	return out
}

// Snapshot captures the aggregated statistics.
func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{
		Name:      w.name,
		Count:     w.welford.Count(),
		Mean:      w.welford.Mean(),
		Variance:  w.welford.Variance(),
		Stddev:    w.welford.Stddev(),
		Quantiles: make(map[float64]float64, len(w.quants)),
		At:        time.Now().UTC(),
	}
	if s.Count > 0 {
		s.Min = w.minVal
		s.Max = w.maxVal
	}
	for _, q := range w.quants {
		s.Quantiles[q.Quantile()] = q.Value()
	}
	return s
}
