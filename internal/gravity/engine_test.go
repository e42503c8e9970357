package gravity

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/danielpatrickdp/gravity-controller/internal/pillar"
)

// #region helpers
func vec(t *testing.T, names []string, values []float64) pillar.Vector {
	t.Helper()
	v, err := pillar.NewVector(names, values)
	if err != nil {
		t.Fatalf("NewVector: %v", err)
	}
	return v
}

func hopeDespair(t *testing.T) pillar.Vector {
	return vec(t, []string{"hope", "despair"}, []float64{0.8, 0.1})
}

func newEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	c := DefaultConfig()
	if mutate != nil {
		mutate(&c)
	}
	e, err := NewEngine(c, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// #endregion helpers

// #region config-tests
func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cases := map[string]func(*Config){
		"zero learning rate": func(c *Config) { c.LearningRate = 0 },
		"momentum one":       func(c *Config) { c.Momentum = 1 },
		"negative momentum":  func(c *Config) { c.Momentum = -0.1 },
		"zero max":           func(c *Config) { c.MaxCorrection = 0 },
		"zero trip count":    func(c *Config) { c.TripCount = 0 },
		"negative cooldown":  func(c *Config) { c.CooldownSteps = -1 },
		"inf trip magnitude": func(c *Config) { c.TripMagnitude = math.Inf(1) },
		"nan learning rate":  func(c *Config) { c.LearningRate = math.NaN() },
		"zero window":        func(c *Config) { c.HistoryWindow = 0 },
	}
	for name, mutate := range cases {
		c := DefaultConfig()
		mutate(&c)
		if _, err := NewEngine(c, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

// #endregion config-tests

// #region correction-tests
func TestComputeCorrectionZeroWeights(t *testing.T) {
	e := newEngine(t, nil)
	c := e.ComputeCorrection("gdp", hopeDespair(t))
	if c.Value != 0 || c.Clipped || c.Suppressed {
		t.Fatalf("expected zero correction, got %+v", c)
	}
	if len(c.Contributions) != 0 {
		t.Fatalf("expected no contributions, got %v", c.Contributions)
	}
}

func TestComputeCorrectionAlwaysBounded(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.MaxCorrection = 0.3 })
	rng := rand.New(rand.NewSource(7))
	names := []string{"hope", "despair", "trust", "fear"}

	for trial := 0; trial < 500; trial++ {
		weights := make(map[string]float64, len(names))
		values := make([]float64, len(names))
		for i, n := range names {
			weights[n] = (rng.Float64() - 0.5) * math.Pow(10, float64(rng.Intn(8)))
			values[i] = rng.Float64()
		}
		if err := e.Restore(Snapshot{Weights: map[string]map[string]float64{"v": weights}}); err != nil {
			t.Fatalf("Restore: %v", err)
		}
		c := e.ComputeCorrection("v", vec(t, names, values))
		if c.Value < -0.3 || c.Value > 0.3 {
			t.Fatalf("trial %d: correction %f outside [-0.3, 0.3]", trial, c.Value)
		}
		if c.Clipped != (math.Abs(c.Raw) > 0.3) {
			t.Fatalf("trial %d: clipped=%v for raw %f", trial, c.Clipped, c.Raw)
		}
	}
}

func TestComputeCorrectionAbsorbsNonFinite(t *testing.T) {
	e := newEngine(t, nil)
	if err := e.Restore(Snapshot{Weights: map[string]map[string]float64{"v": {"hope": 0.5}}}); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		c := e.ComputeCorrection("v", vec(t, []string{"hope"}, []float64{bad}))
		if c.Value != 0 || !c.Absorbed {
			t.Errorf("pillar %v: expected absorbed zero, got %+v", bad, c)
		}
		if len(c.Contributions) != 0 {
			t.Errorf("pillar %v: expected empty contributions", bad)
		}
	}
}

func TestContributionsSumToClippedValue(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.MaxCorrection = 0.1 })
	err := e.Restore(Snapshot{Weights: map[string]map[string]float64{
		"v": {"hope": 1.0, "despair": -0.5},
	}})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	c := e.ComputeCorrection("v", hopeDespair(t))
	if !c.Clipped || c.Value != 0.1 {
		t.Fatalf("expected clipped 0.1, got %+v", c)
	}
	var sum float64
	for _, x := range c.Contributions {
		sum += x
	}
	if math.Abs(sum-c.Value) > 1e-12 {
		t.Fatalf("contributions sum %f, value %f", sum, c.Value)
	}
}

// #endregion correction-tests

// #region update-tests
func TestUpdateScenarioHopeDespair(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.LearningRate = 0.1
		c.Momentum = 0
	})
	v := hopeDespair(t)

	res, err := e.Update("gdp", v, 0.5)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.Decision.Action != "commit" {
		t.Fatalf("expected commit, got %s", res.Decision.Action)
	}

	w := e.Weights("gdp")
	if math.Abs(w["hope"]-0.04) > 1e-12 {
		t.Fatalf("weight[hope] = %f, want 0.04", w["hope"])
	}
	if math.Abs(w["despair"]-0.005) > 1e-12 {
		t.Fatalf("weight[despair] = %f, want 0.005", w["despair"])
	}

	c := e.ComputeCorrection("gdp", v)
	if math.Abs(c.Value-0.032) > 1e-3 {
		t.Fatalf("correction = %f, want ≈0.032", c.Value)
	}
}

func TestUpdateConstantErrorGrowsUntilClipped(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.LearningRate = 0.05
		c.Momentum = 0.5
		c.MaxCorrection = 0.5
		c.TripMagnitude = 1e9
	})
	v := hopeDespair(t)

	prev := 0.0
	clippedAt := -1
	for i := 0; i < 200; i++ {
		if _, err := e.Update("v", v, -1.0); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
		c := e.ComputeCorrection("v", v)
		if c.Value > 0 {
			t.Fatalf("step %d: correction %f has wrong sign", i, c.Value)
		}
		if clippedAt < 0 {
			if c.Clipped {
				clippedAt = i
				if c.Value != -0.5 {
					t.Fatalf("clipped value %f, want -0.5", c.Value)
				}
				continue
			}
			if math.Abs(c.Value) <= math.Abs(prev) {
				t.Fatalf("step %d: |correction| %f did not grow past %f", i, math.Abs(c.Value), math.Abs(prev))
			}
			prev = c.Value
			continue
		}
		if !c.Clipped || c.Value != -0.5 {
			t.Fatalf("step %d: expected to stay clipped at -0.5, got %+v", i, c)
		}
	}
	if clippedAt < 0 {
		t.Fatal("correction never reached the clip")
	}
}

func TestUpdateClipScenario(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.LearningRate = 0.1
		c.Momentum = 0
		c.MaxCorrection = 0.05
		c.TripMagnitude = 1e9
	})
	v := hopeDespair(t)

	var c Correction
	for i := 0; i < 20; i++ {
		if _, err := e.Update("v", v, 5.0); err != nil {
			t.Fatalf("Update: %v", err)
		}
		c = e.ComputeCorrection("v", v)
	}
	if c.Value != 0.05 || !c.Clipped {
		t.Fatalf("expected clipped 0.05, got %+v", c)
	}
}

func TestUpdateNaNLeavesWeights(t *testing.T) {
	e := newEngine(t, nil)
	v := hopeDespair(t)
	if _, err := e.Update("v", v, 0.3); err != nil {
		t.Fatalf("Update: %v", err)
	}
	before := e.Weights("v")
	beforeCounter := e.Status("v").ConsecutiveLarge

	res, err := e.Update("v", v, math.NaN())
	if !errors.Is(err, ErrNonFiniteUpdate) {
		t.Fatalf("expected ErrNonFiniteUpdate, got %v", err)
	}
	if res.Decision.Action != "reject" {
		t.Fatalf("expected reject, got %s", res.Decision.Action)
	}

	after := e.Weights("v")
	for k, w := range before {
		if after[k] != w {
			t.Fatalf("weight %s changed %f -> %f", k, w, after[k])
		}
	}
	st := e.Status("v")
	if st.ConsecutiveLarge != beforeCounter+1 {
		t.Fatalf("trip counter %d, want %d", st.ConsecutiveLarge, beforeCounter+1)
	}
	if st.NonFiniteRejects != 1 {
		t.Fatalf("expected 1 reject, got %d", st.NonFiniteRejects)
	}

	// Non-finite activation is rejected the same way.
	bad := vec(t, []string{"hope"}, []float64{math.Inf(1)})
	if _, err := e.Update("v", bad, 0.1); !errors.Is(err, ErrNonFiniteUpdate) {
		t.Fatalf("expected ErrNonFiniteUpdate for Inf pillar, got %v", err)
	}
}

func TestRepeatedNaNTripsBreaker(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.TripCount = 2 })
	v := hopeDespair(t)

	e.Update("v", v, math.NaN())
	res, _ := e.Update("v", v, math.NaN())
	if res.Transition == nil || res.Transition.TripReason != TripNonFiniteInput {
		t.Fatalf("expected non-finite input trip, got %+v", res.Transition)
	}
	if e.Status("v").State != BreakerTripped {
		t.Fatal("breaker should be tripped")
	}
}

func TestDivergedWeightsTripAndClear(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.LearningRate = 1
		c.Momentum = 0
	})
	if err := e.Restore(Snapshot{Weights: map[string]map[string]float64{"v": {"hope": 1e308}}}); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	v := vec(t, []string{"hope"}, []float64{1})
	res, err := e.Update("v", v, 1e308)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.Transition == nil || res.Transition.TripReason != TripNonFiniteState {
		t.Fatalf("expected non-finite state trip, got %+v", res.Transition)
	}
	if w := e.Weights("v"); len(w) != 0 {
		t.Fatalf("expected weights cleared, got %v", w)
	}
	if c := e.ComputeCorrection("v", v); c.Value != 0 || !c.Suppressed {
		t.Fatalf("expected suppressed zero, got %+v", c)
	}
}

// #endregion update-tests

// #region breaker-tests
func tripConfig(c *Config) {
	c.LearningRate = 1
	c.Momentum = 0
	c.MaxCorrection = 1
	c.TripMagnitude = 0.5
	c.TripCount = 3
	c.CooldownSteps = 0
}

func TestBreakerTripsAfterConsecutiveLargeCorrections(t *testing.T) {
	e := newEngine(t, tripConfig)
	v := vec(t, []string{"hope"}, []float64{1})

	for i := 0; i < 2; i++ {
		res, err := e.Update("v", v, 1)
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if res.Transition != nil {
			t.Fatalf("tripped early at update %d", i)
		}
	}
	if got := e.Status("v").ConsecutiveLarge; got != 2 {
		t.Fatalf("trip counter %d, want 2", got)
	}

	res, _ := e.Update("v", v, 1)
	if res.Transition == nil || res.Transition.TripReason != TripMagnitude {
		t.Fatalf("expected magnitude trip, got %+v", res.Transition)
	}

	trs := e.Transitions()
	if len(trs) != 1 || trs[0].To != BreakerTripped {
		t.Fatalf("expected one trip transition, got %+v", trs)
	}
	if len(e.Transitions()) != 0 {
		t.Fatal("Transitions must drain")
	}

	for i := 0; i < 3; i++ {
		c := e.ComputeCorrection("v", v)
		if c.Value != 0 || len(c.Contributions) != 0 || !c.Suppressed {
			t.Fatalf("expected suppressed zero, got %+v", c)
		}
	}

	wBefore := e.Weights("v")["hope"]
	res, err := e.Update("v", v, 1)
	if err != nil || res.Decision.Action != "skip" {
		t.Fatalf("expected skip while tripped, got %+v %v", res.Decision, err)
	}
	if e.Weights("v")["hope"] != wBefore {
		t.Fatal("weights changed while tripped")
	}

	// Cooldown 0: ticking never closes it.
	for i := 0; i < 10; i++ {
		e.Tick()
	}
	if e.Status("v").State != BreakerTripped {
		t.Fatal("breaker closed without cooldown configured")
	}

	e.ResetBreaker("v")
	if st := e.Status("v"); st.State != BreakerNormal || st.ConsecutiveLarge != 0 {
		t.Fatalf("expected clean normal breaker, got %+v", st)
	}
	trs = e.Transitions()
	if len(trs) != 1 || trs[0].Reset != ResetOperator {
		t.Fatalf("expected operator reset transition, got %+v", trs)
	}
	if c := e.ComputeCorrection("v", v); c.Value != 1 || !c.Clipped {
		t.Fatalf("expected clipped correction after reset, got %+v", c)
	}
}

func TestBreakerCounterResetsOnSmallCorrection(t *testing.T) {
	e := newEngine(t, tripConfig)
	v := vec(t, []string{"hope"}, []float64{1})

	e.Update("v", v, 1)    // w=1
	e.Update("v", v, 1)    // w=2
	e.Update("v", v, -1.8) // w=0.2, below threshold
	if got := e.Status("v").ConsecutiveLarge; got != 0 {
		t.Fatalf("trip counter %d after small correction, want 0", got)
	}
	if e.Status("v").State != BreakerNormal {
		t.Fatal("breaker should still be normal")
	}
}

func TestBreakerCooldown(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		tripConfig(c)
		c.CooldownSteps = 2
	})
	v := vec(t, []string{"hope"}, []float64{1})
	for i := 0; i < 3; i++ {
		e.Update("v", v, 1)
	}
	e.Transitions()
	if e.Status("v").CooldownRemaining != 2 {
		t.Fatalf("cooldown %d, want 2", e.Status("v").CooldownRemaining)
	}

	e.Tick()
	if e.Status("v").State != BreakerTripped {
		t.Fatal("closed too early")
	}

	// A non-finite update while tripped restarts the cooldown.
	if _, err := e.Update("v", v, math.NaN()); !errors.Is(err, ErrNonFiniteUpdate) {
		t.Fatalf("expected ErrNonFiniteUpdate, got %v", err)
	}
	e.Tick()
	if e.Status("v").State != BreakerTripped {
		t.Fatal("cooldown should have restarted")
	}
	e.Tick()
	if st := e.Status("v"); st.State != BreakerTripped || st.CooldownRemaining != 0 {
		t.Fatalf("expected tripped with cooldown spent, got %+v", st)
	}
	e.Tick()
	st := e.Status("v")
	if st.State != BreakerNormal {
		t.Fatalf("expected normal after cooldown, got %+v", st)
	}
	trs := e.Transitions()
	if len(trs) != 1 || trs[0].Reset != ResetCooldown {
		t.Fatalf("expected cooldown reset transition, got %+v", trs)
	}
}

func TestStatusUnknownVariable(t *testing.T) {
	e := newEngine(t, nil)
	st := e.Status("nobody")
	if st.State != BreakerNormal || st.StateName != "normal" {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(e.Variables()) != 0 {
		t.Fatal("Status must not create variables")
	}
}

// #endregion breaker-tests

// #region snapshot-tests
func TestSnapshotRestore(t *testing.T) {
	e := newEngine(t, tripConfig)
	v := vec(t, []string{"hope"}, []float64{1})
	for i := 0; i < 3; i++ {
		e.Update("tripped", v, 1)
	}
	e.Update("calm", v, 0.1)

	snap := e.Snapshot()
	if snap.Breakers["tripped"].StateName != "tripped" {
		t.Fatalf("expected tripped status in snapshot, got %+v", snap.Breakers["tripped"])
	}

	other := newEngine(t, tripConfig)
	// Drop the typed state the way JSON would.
	st := snap.Breakers["tripped"]
	st.State = BreakerNormal
	snap.Breakers["tripped"] = st
	if err := other.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if other.Status("tripped").State != BreakerTripped {
		t.Fatal("restored breaker should be tripped")
	}
	if other.Weights("calm")["hope"] != e.Weights("calm")["hope"] {
		t.Fatal("weights not restored")
	}

	// Mutating the snapshot must not reach the engine.
	snap.Weights["calm"]["hope"] = 99
	if other.Weights("calm")["hope"] == 99 {
		t.Fatal("engine aliases snapshot maps")
	}
}

func TestRestoreRejectsNonFinite(t *testing.T) {
	e := newEngine(t, nil)
	err := e.Restore(Snapshot{Weights: map[string]map[string]float64{
		"a": {"hope": 0.1},
		"b": {"hope": math.NaN()},
	}})
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
	}
	if len(e.Variables()) != 0 {
		t.Fatal("failed restore must not write anything")
	}
}

// #endregion snapshot-tests
