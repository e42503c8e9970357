package eval

// #region eval-config
// EvalConfig holds stability thresholds checked after a run.
type EvalConfig struct {
	MaxWeightNorm float64 `json:"max_weight_norm"` // fail if any variable's weight norm exceeds this
	MaxClipRate   float64 `json:"max_clip_rate"`   // fail if clipped/corrections exceeds this
	MaxTripped    int     `json:"max_tripped"`     // fail if more breakers than this are open
	MaxRejectRate float64 `json:"max_reject_rate"` // warn if rejected/learned updates exceeds this
}

// DefaultEvalConfig returns sensible defaults.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MaxWeightNorm: 10.0,
		MaxClipRate:   0.5,
		MaxTripped:    0,
		MaxRejectRate: 0.05,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of a stability evaluation.
type EvalResult struct {
	Passed  bool         `json:"passed"`
	Metrics []EvalMetric `json:"metrics"`
	Reason  string       `json:"reason"`
}

// #endregion eval-result
