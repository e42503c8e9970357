package fabric

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/danielpatrickdp/gravity-controller/internal/gravity"
	"github.com/danielpatrickdp/gravity-controller/internal/pillar"
)

// #region fabric
// Fabric runs one correction cycle per simulation step: it snapshots the
// pillars, asks the engine for a bounded correction per enabled variable and
// feeds ground truth back into the engine when the caller has it.
//
// Like the engine and pillar system it owns, a Fabric has no locking and
// belongs to exactly one simulation loop.
type Fabric struct {
	config   Config
	pillars  *pillar.System
	engine   *gravity.Engine
	enabled  map[string]bool
	cache    map[string]stepVector
	trace    *ring
	stats    Stats
	observer Observer
	logger   *slog.Logger
}

// stepVector is the pillar snapshot a variable was corrected with.
type stepVector struct {
	step   int64
	vector pillar.Vector
}

// Option configures optional Fabric collaborators.
type Option func(*Fabric)

// WithLogger sets the logger used by the fabric and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fabric) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithObserver attaches an observer notified of every trace record and
// breaker transition.
func WithObserver(o Observer) Option {
	return func(f *Fabric) { f.observer = o }
}

// New builds a fabric over pillars. The engine is created from
// config.Engine and owned by the fabric.
func New(config Config, pillars *pillar.System, opts ...Option) (*Fabric, error) {
	if pillars == nil {
		return nil, fmt.Errorf("%w: nil pillar system", ErrInvalidConfig)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.ErrorMode == "" {
		config.ErrorMode = ErrorResidual
	}
	if config.TraceCapacity == 0 {
		config.TraceCapacity = DefaultTraceCapacity
	}

	f := &Fabric{
		config:  config,
		pillars: pillars,
		enabled: make(map[string]bool, len(config.EnabledVariables)),
		cache:   make(map[string]stepVector, len(config.EnabledVariables)),
		trace:   newRing(config.TraceCapacity),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}

	engine, err := gravity.NewEngine(config.Engine, f.logger)
	if err != nil {
		return nil, fmt.Errorf("new fabric: %w", err)
	}
	f.engine = engine
	f.logger = f.logger.With("component", "fabric")

	for _, v := range config.EnabledVariables {
		f.enabled[v] = true
	}
	return f, nil
}

// Config returns the fabric configuration.
func (f *Fabric) Config() Config { return f.config }

// Engine exposes the owned engine for persistence and inspection.
func (f *Fabric) Engine() *gravity.Engine { return f.engine }

// Pillars returns the pillar system the fabric reads from.
func (f *Fabric) Pillars() *pillar.System { return f.pillars }

// #endregion fabric

// #region step
// Step corrects causal values for the current pillar state and returns the
// corrected mapping. Every input variable appears in the output; disabled
// and unknown variables pass through unchanged. Breaker cooldowns advance
// once per call.
func (f *Fabric) Step(causal map[string]float64) map[string]float64 {
	f.engine.Tick()
	f.stats.Steps++
	step := f.engine.Step()
	f.drainTransitions()

	vector := f.pillars.ApplyInteractions(f.pillars.Vector())

	out := make(map[string]float64, len(causal))
	for _, v := range sortedKeys(causal) {
		value := causal[v]
		if !f.enabled[v] {
			out[v] = value
			continue
		}

		c := f.engine.ComputeCorrection(v, vector)
		corrected := value + c.Value
		out[v] = corrected
		f.cache[v] = stepVector{step: step, vector: vector}

		f.stats.Corrections++
		if c.Clipped {
			f.stats.Clipped++
		}
		if c.Suppressed {
			f.stats.Suppressed++
		}
		f.push(CorrectionRecord{
			Kind:           RecordCorrection,
			Variable:       v,
			Step:           step,
			CausalValue:    value,
			Correction:     c.Value,
			CorrectedValue: corrected,
			Contributions:  c.Contributions,
			Clipped:        c.Clipped,
			Suppressed:     c.Suppressed,
		})
	}
	return out
}

// #endregion step

// #region learn
// Learn feeds ground truth for variable back into the engine using the
// pillar vector of the most recent Step, which must have corrected it. The
// learning error is
// observedTrue − corrected in ErrorResidual mode and observedTrue − causal
// in ErrorCausal mode.
//
// Only programmer errors are returned: an unknown variable, or a variable
// the most recent Step did not correct. Rejected non-finite updates are counted, traced
// and logged. Learning for a disabled variable is a no-op.
func (f *Fabric) Learn(variable string, observedTrue, causal, corrected float64) error {
	enabled, known := f.enabled[variable]
	if !known {
		return fmt.Errorf("learn %s: %w", variable, ErrUnknownVariable)
	}
	if !enabled {
		return nil
	}
	cached, ok := f.cache[variable]
	if !ok {
		return fmt.Errorf("learn %s: %w", variable, ErrNoStepVector)
	}
	if cached.step != f.engine.Step() {
		return fmt.Errorf("learn %s: last corrected at step %d, now %d: %w",
			variable, cached.step, f.engine.Step(), ErrNoStepVector)
	}

	target := corrected
	if f.config.ErrorMode == ErrorCausal {
		target = causal
	}
	res, err := f.engine.Update(variable, cached.vector, observedTrue-target)
	switch {
	case errors.Is(err, gravity.ErrNonFiniteUpdate):
		f.stats.RejectedUpdates++
		f.logger.Warn("update rejected",
			"variable", variable, "step", cached.step, "reason", res.Decision.Reason)
		f.push(CorrectionRecord{
			Kind:     RecordRejected,
			Variable: variable,
			Step:     f.engine.Step(),
			Reason:   res.Decision.Reason,
		})
	case err != nil:
		return fmt.Errorf("learn %s: %w", variable, err)
	case res.Decision.Action == "commit":
		f.stats.Learned++
		f.logger.Debug("update committed",
			"variable", variable, "step", cached.step,
			"rate", res.LearningRate, "delta_norm", res.DeltaNorm)
	}
	f.drainTransitions()
	return nil
}

// Retrodict runs Step over causal and then Learn for every variable that
// has a ground-truth value. It returns the corrected mapping of the step.
func (f *Fabric) Retrodict(causal, truth map[string]float64) (map[string]float64, error) {
	corrected := f.Step(causal)
	for _, v := range sortedKeys(truth) {
		c, ok := causal[v]
		if !ok {
			continue
		}
		if err := f.Learn(v, truth[v], c, corrected[v]); err != nil {
			return corrected, err
		}
	}
	return corrected, nil
}

// #endregion learn

// #region control
// SetEnabled toggles correction for variable. A disabled variable passes
// through Step unchanged and ignores Learn; its learned state is kept.
// Enabling a variable not named in the config adds it.
func (f *Fabric) SetEnabled(variable string, enabled bool) error {
	if variable == "" {
		return fmt.Errorf("set enabled: %w", ErrUnknownVariable)
	}
	if _, known := f.enabled[variable]; !known && !enabled {
		return fmt.Errorf("set enabled %s: %w", variable, ErrUnknownVariable)
	}
	if f.enabled[variable] != enabled {
		f.logger.Info("variable toggled", "variable", variable, "enabled", enabled)
	}
	f.enabled[variable] = enabled
	return nil
}

// Enabled reports whether variable is currently corrected.
func (f *Fabric) Enabled(variable string) bool { return f.enabled[variable] }

// Variables returns every known variable, sorted.
func (f *Fabric) Variables() []string {
	names := make([]string, 0, len(f.enabled))
	for v := range f.enabled {
		names = append(names, v)
	}
	sort.Strings(names)
	return names
}

// BreakerStatus returns the read-only breaker view for variable.
func (f *Fabric) BreakerStatus(variable string) gravity.BreakerStatus {
	return f.engine.Status(variable)
}

// BreakerStatuses returns the breaker view of every known variable.
func (f *Fabric) BreakerStatuses() map[string]gravity.BreakerStatus {
	out := make(map[string]gravity.BreakerStatus, len(f.enabled))
	for v := range f.enabled {
		out[v] = f.engine.Status(v)
	}
	return out
}

// ResetBreaker closes the breaker of variable. The reset appears in the
// trace when the breaker was tripped.
func (f *Fabric) ResetBreaker(variable string) error {
	if _, known := f.enabled[variable]; !known {
		return fmt.Errorf("reset breaker %s: %w", variable, ErrUnknownVariable)
	}
	f.engine.ResetBreaker(variable)
	f.drainTransitions()
	return nil
}

// #endregion control

// #region trace
// Trace returns a copy of the retained records, oldest first.
func (f *Fabric) Trace() []CorrectionRecord { return f.trace.snapshot() }

// DrainTrace returns the retained records and empties the trace.
func (f *Fabric) DrainTrace() []CorrectionRecord { return f.trace.drain() }

// Stats returns the running counters.
func (f *Fabric) Stats() Stats {
	s := f.stats
	s.TraceDropped = f.trace.dropped
	return s
}

func (f *Fabric) push(rec CorrectionRecord) {
	f.trace.push(rec)
	if f.observer != nil {
		f.observer.ObserveRecord(rec)
	}
}

// drainTransitions moves engine breaker transitions into the trace.
func (f *Fabric) drainTransitions() {
	for _, t := range f.engine.Transitions() {
		kind := RecordReset
		if t.To == gravity.BreakerTripped {
			kind = RecordTrip
			f.stats.Trips++
		} else {
			f.stats.Resets++
		}
		f.push(CorrectionRecord{
			Kind:     kind,
			Variable: t.Variable,
			Step:     t.Step,
			Reason:   t.Reason(),
		})
		if f.observer != nil {
			f.observer.ObserveStatus(t.Variable, f.engine.Status(t.Variable))
		}
	}
}

// #endregion trace

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
