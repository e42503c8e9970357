package gravity

import "math"

// #region history
// History summarises the recent error magnitudes seen by one variable.
type History struct {
	Updates     int // committed updates so far
	Recent      int // errors currently held in the window
	RecentLarge int // large errors in the window
	TotalLarge  int // large errors since the engine started (or last reset)
}

// errorHistory is a fixed-size ring of |error| observations.
type errorHistory struct {
	buf        []float64
	next       int
	full       bool
	updates    int
	totalLarge int
}

func newErrorHistory(window int) errorHistory {
	return errorHistory{buf: make([]float64, window)}
}

func (h *errorHistory) record(absErr, threshold float64) {
	h.buf[h.next] = absErr
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
	if absErr > threshold {
		h.totalLarge++
	}
}

func (h *errorHistory) summary(threshold float64) History {
	n := h.next
	if h.full {
		n = len(h.buf)
	}
	var large int
	for i := 0; i < n; i++ {
		if h.buf[i] > threshold {
			large++
		}
	}
	return History{
		Updates:     h.updates,
		Recent:      n,
		RecentLarge: large,
		TotalLarge:  h.totalLarge,
	}
}

// #endregion history

// #region schedule
// LearningRateSchedule maps the base rate and a variable's error history to
// the effective rate λ_eff. Implementations must be non-increasing in the
// large-error counts. The engine clamps the result into [0, base].
type LearningRateSchedule interface {
	Rate(base float64, h History) float64
}

// ConstantSchedule always returns the base rate.
type ConstantSchedule struct{}

// Rate returns base.
func (ConstantSchedule) Rate(base float64, _ History) float64 { return base }

// InverseDecaySchedule shrinks λ as large errors accumulate in the window:
//
//	λ_eff = max(Floor, base / (1 + Decay·RecentLarge))
type InverseDecaySchedule struct {
	Decay float64
	Floor float64
}

// Rate applies inverse decay over the recent large-error count.
func (s InverseDecaySchedule) Rate(base float64, h History) float64 {
	r := base / (1 + s.Decay*float64(h.RecentLarge))
	return math.Max(r, s.Floor)
}

// StepDecaySchedule multiplies λ by Factor for every Every large errors
// seen since start, never dropping below Floor.
type StepDecaySchedule struct {
	Factor float64
	Every  int
	Floor  float64
}

// Rate applies step decay over the lifetime large-error count.
func (s StepDecaySchedule) Rate(base float64, h History) float64 {
	if s.Every <= 0 {
		return base
	}
	steps := h.TotalLarge / s.Every
	r := base * math.Pow(s.Factor, float64(steps))
	return math.Max(r, s.Floor)
}

// effectiveRate clamps a schedule's output into [0, base]; anything
// non-finite disables learning for that step.
func effectiveRate(s LearningRateSchedule, base float64, h History) float64 {
	if s == nil {
		return base
	}
	r := s.Rate(base, h)
	switch {
	case math.IsNaN(r) || math.IsInf(r, 0):
		return 0
	case r < 0:
		return 0
	case r > base:
		return base
	}
	return r
}

// #endregion schedule
