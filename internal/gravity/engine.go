package gravity

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/danielpatrickdp/gravity-controller/internal/pillar"
)

// #region engine
// Engine learns and applies a bounded per-variable linear correction
// g_v(p) = Σ_i w_v[i]·p[i] over pillar activations.
//
// An Engine is a plain mutable structure with no locking. Give each
// simulation its own instance.
type Engine struct {
	config  Config
	vars    map[string]*variableState
	step    int64
	pending []Transition
	logger  *slog.Logger
}

type variableState struct {
	weights  map[string]float64
	momentum map[string]float64
	breaker  breaker
	history  errorHistory
}

// NewEngine validates config and returns an empty engine. Variables are
// created lazily on first reference. A nil logger uses slog.Default().
func NewEngine(config Config, logger *slog.Logger) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Schedule == nil {
		config.Schedule = ConstantSchedule{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config: config,
		vars:   make(map[string]*variableState),
		logger: logger.With("component", "gravity"),
	}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.config }

// Step returns the number of Tick calls so far.
func (e *Engine) Step() int64 { return e.step }

func (e *Engine) variable(name string) *variableState {
	vs, ok := e.vars[name]
	if !ok {
		vs = &variableState{
			weights:  make(map[string]float64),
			momentum: make(map[string]float64),
			history:  newErrorHistory(e.config.HistoryWindow),
		}
		e.vars[name] = vs
	}
	return vs
}

// #endregion engine

// #region compute-correction
// ComputeCorrection evaluates the correction for variable at vector. It
// never fails: a tripped breaker or any non-finite weight or activation
// yields a zero correction with no contributions. The returned Value is
// always within [-MaxCorrection, MaxCorrection].
func (e *Engine) ComputeCorrection(variable string, vector pillar.Vector) Correction {
	vs := e.variable(variable)
	if vs.breaker.tripped() {
		return Correction{Contributions: map[string]float64{}, Suppressed: true}
	}

	contrib := make(map[string]float64, vector.Len())
	var raw float64
	for i := 0; i < vector.Len(); i++ {
		name := vector.Name(i)
		w := vs.weights[name]
		c := w * vector.At(i)
		if c != 0 {
			contrib[name] = c
		}
		raw += c
	}
	if !isFinite(raw) {
		return Correction{Contributions: map[string]float64{}, Absorbed: true}
	}

	value, clipped := clamp(raw, e.config.MaxCorrection)
	if clipped && raw != 0 {
		// Scale shares so they still sum to the applied value.
		scale := value / raw
		for k := range contrib {
			contrib[k] *= scale
		}
	}
	return Correction{
		Value:         value,
		Raw:           raw,
		Contributions: contrib,
		Clipped:       clipped,
	}
}

// #endregion compute-correction

// #region update
// Update performs one SGD-with-momentum step for variable:
//
//	v_i ← β·v_i + (1-β)·λ_eff·err·p_i
//	w_i ← w_i + v_i
//
// Update is a no-op while the breaker is tripped. A non-finite err or
// activation is rejected with ErrNonFiniteUpdate; the only state change is
// the breaker's trip counter. After a committed step the correction is
// re-evaluated and the breaker updated.
func (e *Engine) Update(variable string, vector pillar.Vector, err float64) (UpdateResult, error) {
	vs := e.variable(variable)
	finite := isFinite(err) && vector.Finite()

	if vs.breaker.tripped() {
		if !finite {
			// Still unstable: count it and restart the cooldown.
			vs.breaker.rejects++
			vs.breaker.cooldown = e.config.CooldownSteps
			return UpdateResult{Decision: Decision{Action: "reject", Reason: "non-finite input while tripped"}},
				fmt.Errorf("update %s: %w", variable, ErrNonFiniteUpdate)
		}
		return UpdateResult{Decision: Decision{Action: "skip", Reason: "breaker tripped"}}, nil
	}

	if !finite {
		res := UpdateResult{Decision: Decision{Action: "reject", Reason: "non-finite error or pillar activation"}}
		if vs.breaker.observeReject(e.config.TripCount) {
			t := vs.breaker.trip(variable, TripNonFiniteInput, e.step, e.config.CooldownSteps)
			e.record(t)
			res.Transition = &t
		}
		return res, fmt.Errorf("update %s: %w", variable, ErrNonFiniteUpdate)
	}

	vs.history.record(math.Abs(err), e.config.LargeErrorThreshold)
	rate := effectiveRate(e.config.Schedule, e.config.LearningRate, vs.history.summary(e.config.LargeErrorThreshold))

	beta := e.config.Momentum
	var deltaSq float64
	for i := 0; i < vector.Len(); i++ {
		name := vector.Name(i)
		v := beta*vs.momentum[name] + (1-beta)*rate*err*vector.At(i)
		vs.momentum[name] = v
		vs.weights[name] += v
		deltaSq += v * v
	}
	vs.history.updates++

	res := UpdateResult{
		Decision:     Decision{Action: "commit", Reason: fmt.Sprintf("err=%.6f rate=%.6f", err, rate)},
		LearningRate: rate,
		DeltaNorm:    math.Sqrt(deltaSq),
	}

	if !vs.finiteState() {
		// Diverged: the learned state is unusable, start over from zero.
		clear(vs.weights)
		clear(vs.momentum)
		t := vs.breaker.trip(variable, TripNonFiniteState, e.step, e.config.CooldownSteps)
		e.record(t)
		res.Transition = &t
		res.Decision = Decision{Action: "reject", Reason: "weights diverged"}
		res.Correction = e.ComputeCorrection(variable, vector)
		return res, nil
	}

	res.Correction = e.ComputeCorrection(variable, vector)
	if vs.breaker.observeMagnitude(math.Abs(res.Correction.Raw), e.config.TripMagnitude, e.config.TripCount) {
		clear(vs.momentum)
		t := vs.breaker.trip(variable, TripMagnitude, e.step, e.config.CooldownSteps)
		e.record(t)
		res.Transition = &t
	}
	return res, nil
}

func (vs *variableState) finiteState() bool {
	for _, w := range vs.weights {
		if !isFinite(w) {
			return false
		}
	}
	for _, v := range vs.momentum {
		if !isFinite(v) {
			return false
		}
	}
	return true
}

// #endregion update

// #region breaker-control
// Tick advances the engine one simulation step and runs breaker cooldowns.
// Breakers whose cooldown elapses close with ResetCooldown.
func (e *Engine) Tick() {
	e.step++
	for _, name := range e.sortedVariables() {
		vs := e.vars[name]
		if vs.breaker.tick(e.config.CooldownSteps) {
			e.record(vs.breaker.reset(name, ResetCooldown, e.step))
		}
	}
}

// ResetBreaker closes a variable's breaker for operator intervention. It
// clears the trip counters and momentum; learned weights are kept.
// Resetting a breaker that is already normal only clears its counters.
func (e *Engine) ResetBreaker(variable string) {
	vs := e.variable(variable)
	wasTripped := vs.breaker.tripped()
	t := vs.breaker.reset(variable, ResetOperator, e.step)
	clear(vs.momentum)
	if wasTripped {
		e.record(t)
	}
}

// Status returns the breaker status for variable. Unknown variables report
// a normal breaker without being created.
func (e *Engine) Status(variable string) BreakerStatus {
	vs, ok := e.vars[variable]
	if !ok {
		b := breaker{}
		return b.status()
	}
	return vs.breaker.status()
}

// Statuses returns the status of every known variable.
func (e *Engine) Statuses() map[string]BreakerStatus {
	out := make(map[string]BreakerStatus, len(e.vars))
	for name, vs := range e.vars {
		out[name] = vs.breaker.status()
	}
	return out
}

// Transitions drains breaker transitions recorded since the last call.
func (e *Engine) Transitions() []Transition {
	out := e.pending
	e.pending = nil
	return out
}

func (e *Engine) record(t Transition) {
	e.pending = append(e.pending, t)
	if t.To == BreakerTripped {
		e.logger.Warn("breaker tripped",
			"variable", t.Variable, "step", t.Step, "reason", t.TripReason)
		return
	}
	e.logger.Info("breaker reset",
		"variable", t.Variable, "step", t.Step, "reason", t.Reset)
}

// #endregion breaker-control

// #region weights
// Weights returns a copy of the learned weights for variable.
func (e *Engine) Weights(variable string) map[string]float64 {
	vs, ok := e.vars[variable]
	if !ok {
		return map[string]float64{}
	}
	return copyMap(vs.weights)
}

// Variables returns every variable the engine has seen, sorted.
func (e *Engine) Variables() []string { return e.sortedVariables() }

// Snapshot exports the learned state for persistence.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Weights:  make(map[string]map[string]float64, len(e.vars)),
		Momentum: make(map[string]map[string]float64, len(e.vars)),
		Breakers: make(map[string]BreakerStatus, len(e.vars)),
	}
	for name, vs := range e.vars {
		s.Weights[name] = copyMap(vs.weights)
		s.Momentum[name] = copyMap(vs.momentum)
		s.Breakers[name] = vs.breaker.status()
	}
	return s
}

// Restore replaces the learned state of every variable named in s. The
// snapshot is validated in full before anything is written.
func (e *Engine) Restore(s Snapshot) error {
	for _, m := range []map[string]map[string]float64{s.Weights, s.Momentum} {
		for variable, ws := range m {
			for p, w := range ws {
				if !isFinite(w) {
					return fmt.Errorf("%s/%s=%v: %w", variable, p, w, ErrInvalidSnapshot)
				}
			}
		}
	}

	names := make(map[string]struct{})
	for v := range s.Weights {
		names[v] = struct{}{}
	}
	for v := range s.Momentum {
		names[v] = struct{}{}
	}
	for v := range s.Breakers {
		names[v] = struct{}{}
	}
	for v := range names {
		vs := e.variable(v)
		vs.weights = copyMap(s.Weights[v])
		vs.momentum = copyMap(s.Momentum[v])
		if st, ok := s.Breakers[v]; ok {
			vs.breaker = breakerFromStatus(st)
		}
	}
	return nil
}

func (e *Engine) sortedVariables() []string {
	names := make([]string, 0, len(e.vars))
	for n := range e.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// #endregion weights

// #region helpers
func clamp(x, limit float64) (float64, bool) {
	switch {
	case x > limit:
		return limit, true
	case x < -limit:
		return -limit, true
	}
	return x, false
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// #endregion helpers
