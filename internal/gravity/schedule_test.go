package gravity

import (
	"math"
	"testing"
)

func TestConstantSchedule(t *testing.T) {
	s := ConstantSchedule{}
	if r := s.Rate(0.1, History{RecentLarge: 50, TotalLarge: 500}); r != 0.1 {
		t.Fatalf("expected 0.1, got %f", r)
	}
}

func TestInverseDecayNonIncreasing(t *testing.T) {
	s := InverseDecaySchedule{Decay: 0.5, Floor: 0.01}
	prev := math.Inf(1)
	for large := 0; large <= 40; large++ {
		r := s.Rate(0.1, History{RecentLarge: large})
		if r > prev {
			t.Fatalf("rate increased at %d large errors: %f > %f", large, r, prev)
		}
		if r < 0.01 {
			t.Fatalf("rate %f below floor", r)
		}
		prev = r
	}
	if r := s.Rate(0.1, History{RecentLarge: 2}); math.Abs(r-0.05) > 1e-12 {
		t.Fatalf("expected 0.05, got %f", r)
	}
}

func TestStepDecay(t *testing.T) {
	s := StepDecaySchedule{Factor: 0.5, Every: 4, Floor: 0.001}
	cases := []struct {
		total int
		want  float64
	}{
		{0, 0.1},
		{3, 0.1},
		{4, 0.05},
		{8, 0.025},
		{1000, 0.001},
	}
	for _, tc := range cases {
		if r := s.Rate(0.1, History{TotalLarge: tc.total}); math.Abs(r-tc.want) > 1e-12 {
			t.Errorf("total=%d: expected %f, got %f", tc.total, tc.want, r)
		}
	}
	if r := (StepDecaySchedule{Factor: 0.5}).Rate(0.1, History{TotalLarge: 10}); r != 0.1 {
		t.Errorf("Every=0 should disable decay, got %f", r)
	}
}

type badSchedule struct{ r float64 }

func (b badSchedule) Rate(float64, History) float64 { return b.r }

func TestEffectiveRateClamps(t *testing.T) {
	cases := []struct {
		r    float64
		want float64
	}{
		{math.NaN(), 0},
		{math.Inf(1), 0},
		{-1, 0},
		{5, 0.1},
		{0.02, 0.02},
	}
	for _, tc := range cases {
		if got := effectiveRate(badSchedule{tc.r}, 0.1, History{}); got != tc.want {
			t.Errorf("schedule %v: expected %f, got %f", tc.r, tc.want, got)
		}
	}
	if got := effectiveRate(nil, 0.1, History{}); got != 0.1 {
		t.Errorf("nil schedule: expected base, got %f", got)
	}
}

func TestErrorHistoryWindow(t *testing.T) {
	h := newErrorHistory(3)
	for _, e := range []float64{2, 2, 0.1, 0.1} {
		h.record(e, 1.0)
	}
	s := h.summary(1.0)
	if s.Recent != 3 {
		t.Fatalf("expected 3 recent, got %d", s.Recent)
	}
	if s.RecentLarge != 1 {
		t.Fatalf("expected 1 recent large (oldest evicted), got %d", s.RecentLarge)
	}
	if s.TotalLarge != 2 {
		t.Fatalf("expected 2 total large, got %d", s.TotalLarge)
	}
}

func TestEngineUsesScheduleForLargeErrors(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.LearningRate = 0.1
		c.Momentum = 0
		c.LargeErrorThreshold = 1
		c.TripMagnitude = 1e9
		c.Schedule = InverseDecaySchedule{Decay: 1}
	})
	v := vec(t, []string{"hope"}, []float64{1})

	res, _ := e.Update("v", v, 0.5)
	if res.LearningRate != 0.1 {
		t.Fatalf("small error should keep base rate, got %f", res.LearningRate)
	}
	res, _ = e.Update("v", v, 3)
	if math.Abs(res.LearningRate-0.05) > 1e-12 {
		t.Fatalf("expected 0.05 after one large error, got %f", res.LearningRate)
	}
	res, _ = e.Update("v", v, 3)
	if math.Abs(res.LearningRate-0.1/3) > 1e-12 {
		t.Fatalf("expected 0.0333 after two large errors, got %f", res.LearningRate)
	}
}
