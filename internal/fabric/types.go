package fabric

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/gravity-controller/internal/gravity"
)

// #region errors
var (
	ErrUnknownVariable = errors.New("fabric: unknown variable")
	ErrNoStepVector    = errors.New("fabric: no step vector cached for variable")
	ErrInvalidConfig   = errors.New("fabric: invalid config")
)

// #endregion errors

// #region error-mode
// ErrorMode selects the learning target.
type ErrorMode string

const (
	// ErrorResidual learns the gap left after correction: truth − corrected.
	ErrorResidual ErrorMode = "residual"
	// ErrorCausal learns the causal core's own gap: truth − causal.
	ErrorCausal ErrorMode = "causal"
)

// #endregion error-mode

// #region config
// Config is fixed for the life of a Fabric.
type Config struct {
	Engine gravity.Config

	// EnabledVariables are the variables the fabric corrects. They are all
	// enabled at construction; SetEnabled toggles them afterwards.
	EnabledVariables []string

	// TraceCapacity bounds the correction trace (oldest records drop).
	TraceCapacity int

	ErrorMode ErrorMode
}

// DefaultTraceCapacity is used when Config.TraceCapacity is zero.
const DefaultTraceCapacity = 1024

// DefaultConfig returns sensible defaults for the given variables.
func DefaultConfig(variables ...string) Config {
	return Config{
		Engine:           gravity.DefaultConfig(),
		EnabledVariables: variables,
		TraceCapacity:    DefaultTraceCapacity,
		ErrorMode:        ErrorResidual,
	}
}

func (c Config) validate() error {
	switch c.ErrorMode {
	case ErrorResidual, ErrorCausal, "":
	default:
		return fmt.Errorf("%w: error mode %q", ErrInvalidConfig, c.ErrorMode)
	}
	if c.TraceCapacity < 0 {
		return fmt.Errorf("%w: trace capacity %d", ErrInvalidConfig, c.TraceCapacity)
	}
	seen := make(map[string]struct{}, len(c.EnabledVariables))
	for _, v := range c.EnabledVariables {
		if v == "" {
			return fmt.Errorf("%w: empty variable name", ErrInvalidConfig)
		}
		if _, ok := seen[v]; ok {
			return fmt.Errorf("%w: variable %s listed twice", ErrInvalidConfig, v)
		}
		seen[v] = struct{}{}
	}
	return nil
}

// #endregion config

// #region record
// RecordKind distinguishes trace entries.
type RecordKind string

const (
	RecordCorrection RecordKind = "correction"
	RecordTrip       RecordKind = "breaker_trip"
	RecordReset      RecordKind = "breaker_reset"
	RecordRejected   RecordKind = "update_rejected"
)

// CorrectionRecord is one trace entry. Correction records carry the values
// of a step; breaker and rejection records carry Kind and Reason.
type CorrectionRecord struct {
	Kind           RecordKind         `json:"kind"`
	Variable       string             `json:"variable"`
	Step           int64              `json:"step"`
	CausalValue    float64            `json:"causal_value"`
	Correction     float64            `json:"correction"`
	CorrectedValue float64            `json:"corrected_value"`
	Contributions  map[string]float64 `json:"pillar_contributions"`
	Clipped        bool               `json:"clipped"`
	Suppressed     bool               `json:"suppressed,omitempty"`
	Reason         string             `json:"reason,omitempty"`
}

// #endregion record

// #region stats
// Stats are running counters for one fabric.
type Stats struct {
	Steps           int64 `json:"steps"`
	Corrections     int64 `json:"corrections"`
	Clipped         int64 `json:"clipped"`
	Suppressed      int64 `json:"suppressed"`
	Learned         int64 `json:"learned"`
	RejectedUpdates int64 `json:"rejected_updates"`
	Trips           int64 `json:"trips"`
	Resets          int64 `json:"resets"`
	TraceDropped    int64 `json:"trace_dropped"`
}

// #endregion stats

// #region observer
// Observer receives fabric events, for example to export metrics.
type Observer interface {
	ObserveRecord(rec CorrectionRecord)
	ObserveStatus(variable string, status gravity.BreakerStatus)
}

// #endregion observer
