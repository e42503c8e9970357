package gravity

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// configValidate checks Config struct tags. Built once; validator caches
// struct metadata internally.
var configValidate = validator.New()

// #region config
// Config holds the learning and stability parameters of an Engine. It is
// read once at construction.
type Config struct {
	LearningRate  float64 `validate:"gt=0"`           // λ
	Momentum      float64 `validate:"gte=0,lt=1"`     // β
	MaxCorrection float64 `validate:"gt=0"`           // M, output clamp
	TripMagnitude float64 `validate:"gt=0"`           // T_trip, compared to the unclamped correction
	TripCount     int     `validate:"gte=1"`          // N_trip consecutive evaluations
	CooldownSteps int     `validate:"gte=0"`          // C, 0 disables automatic reset
	HistoryWindow int     `validate:"gte=1,lte=4096"` // recent errors kept for the schedule

	// LargeErrorThreshold marks an |error| as large for the schedule history.
	LargeErrorThreshold float64 `validate:"gt=0"`

	// Schedule maps large-error history to λ_eff. Nil means constant λ.
	Schedule LearningRateSchedule `validate:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LearningRate:        0.01,
		Momentum:            0.9,
		MaxCorrection:       1.0,
		TripMagnitude:       2.0,
		TripCount:           3,
		CooldownSteps:       25,
		HistoryWindow:       32,
		LargeErrorThreshold: 1.0,
		Schedule:            ConstantSchedule{},
	}
}

// Validate reports the first invalid field wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	// validator accepts +Inf for gt=0.
	for name, v := range map[string]float64{
		"LearningRate":        c.LearningRate,
		"MaxCorrection":       c.MaxCorrection,
		"TripMagnitude":       c.TripMagnitude,
		"LargeErrorThreshold": c.LargeErrorThreshold,
	} {
		if !isFinite(v) {
			return fmt.Errorf("%w: %s is %v", ErrInvalidConfig, name, v)
		}
	}
	return nil
}

// #endregion config
