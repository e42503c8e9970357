package gravity

import "errors"

// #region errors
var (
	// ErrNonFiniteUpdate rejects a learning step whose error or pillar
	// activations are NaN or ±Inf. Weights are left untouched.
	ErrNonFiniteUpdate = errors.New("gravity: non-finite update")
	ErrInvalidConfig   = errors.New("gravity: invalid config")
	ErrInvalidSnapshot = errors.New("gravity: invalid snapshot")
)

// #endregion errors

// #region breaker-state
// BreakerState is the tagged state of a per-variable circuit breaker.
type BreakerState int

const (
	BreakerNormal BreakerState = iota
	BreakerTripped
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerNormal:
		return "normal"
	case BreakerTripped:
		return "tripped"
	default:
		return "unknown"
	}
}

// ParseBreakerState is the inverse of String.
func ParseBreakerState(s string) (BreakerState, bool) {
	switch s {
	case "normal":
		return BreakerNormal, true
	case "tripped":
		return BreakerTripped, true
	}
	return BreakerNormal, false
}

// #endregion breaker-state

// #region reasons
// TripReason names the condition that opened a breaker.
type TripReason string

const (
	TripNone           TripReason = ""
	TripMagnitude      TripReason = "correction_magnitude"
	TripNonFiniteState TripReason = "non_finite_state"
	TripNonFiniteInput TripReason = "non_finite_input"
)

// ResetReason names what closed a breaker.
type ResetReason string

const (
	ResetOperator ResetReason = "operator"
	ResetCooldown ResetReason = "cooldown"
)

// #endregion reasons

// #region breaker-status
// BreakerStatus is the read-only view of a variable's breaker.
type BreakerStatus struct {
	State               BreakerState `json:"-"`
	StateName           string       `json:"state"`
	TripReason          TripReason   `json:"trip_reason,omitempty"`
	ConsecutiveLarge    int          `json:"consecutive_large"`    // trip counter
	CumulativeMagnitude float64      `json:"cumulative_magnitude"` // Σ|raw correction| over the current run of large evaluations
	NonFiniteRejects    int          `json:"non_finite_rejects"`
	CooldownRemaining   int          `json:"cooldown_remaining"`
	TrippedAtStep       int64        `json:"tripped_at_step"`
	Trips               int          `json:"trips"`
}

// #endregion breaker-status

// #region transition
// Transition records one breaker state change.
type Transition struct {
	Variable   string
	Step       int64
	From       BreakerState
	To         BreakerState
	TripReason TripReason  // set when To == BreakerTripped
	Reset      ResetReason // set when To == BreakerNormal
}

// Reason returns whichever of TripReason/Reset applies.
func (t Transition) Reason() string {
	if t.To == BreakerTripped {
		return string(t.TripReason)
	}
	return string(t.Reset)
}

// #endregion transition

// #region correction
// Correction is the outcome of evaluating g_v(p) for one variable.
type Correction struct {
	Value         float64            // bounded to [-MaxCorrection, MaxCorrection]
	Raw           float64            // unclamped dot product (0 if suppressed)
	Contributions map[string]float64 // per-pillar share of Value
	Clipped       bool
	Suppressed    bool // breaker tripped, Value forced to 0
	Absorbed      bool // non-finite weights or inputs, Value forced to 0
}

// #endregion correction

// #region update-result
// Decision records what Update did.
type Decision struct {
	Action string // "commit" | "reject" | "skip"
	Reason string
}

// UpdateResult bundles everything returned by Update.
type UpdateResult struct {
	Decision     Decision
	LearningRate float64 // λ_eff used for the step (0 unless committed)
	DeltaNorm    float64 // L2 norm of the weight change
	Correction   Correction
	Transition   *Transition // non-nil if the update tripped the breaker
}

// #endregion update-result

// #region snapshot
// Snapshot is the serializable learned state of an engine.
type Snapshot struct {
	Weights  map[string]map[string]float64 `json:"weights"`
	Momentum map[string]map[string]float64 `json:"momentum"`
	Breakers map[string]BreakerStatus      `json:"breakers"`
}

// #endregion snapshot
