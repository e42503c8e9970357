package replay

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/gravity-controller/internal/eval"
	"github.com/danielpatrickdp/gravity-controller/internal/fabric"
	"github.com/danielpatrickdp/gravity-controller/internal/gravity"
)

// #region types
// Per-variable outcomes of one step.
const (
	ActionCorrected   = "corrected"
	ActionClipped     = "clipped"
	ActionSuppressed  = "suppressed"
	ActionPassthrough = "passthrough"
)

// StepResult captures the outcome of replaying one fixture step.
type StepResult struct {
	StepID    string
	Step      int64
	Causal    map[string]float64
	Corrected map[string]float64
	Truth     map[string]float64
	Actions   map[string]string
	Records   []fabric.CorrectionRecord
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalSteps   int `json:"total_steps"`
	LearnedSteps int `json:"learned_steps"`

	// Mean absolute error against truth, before and after correction.
	MAECausal    float64 `json:"mae_causal"`
	MAECorrected float64 `json:"mae_corrected"`

	Clipped    int `json:"clipped"`
	Suppressed int `json:"suppressed"`
	Trips      int `json:"trips"`
	Resets     int `json:"resets"`
	Rejected   int `json:"rejected"`

	Stats    fabric.Stats                     `json:"stats"`
	Final    gravity.Snapshot                 `json:"final"`
	Breakers map[string]gravity.BreakerStatus `json:"breakers"`
	Eval     eval.EvalResult                  `json:"eval"`
}

// Mismatch is an expected result that the replay did not reproduce.
type Mismatch struct {
	StepID   string
	Variable string
	Want     string
	Got      string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s/%s: want %s, got %s", m.StepID, m.Variable, m.Want, m.Got)
}

// #endregion types

// #region replay
// Run replays steps through f in order. Each step's trace records are
// drained into its result. Only invalid step input returns an error.
func Run(f *fabric.Fabric, steps []FixtureStep) ([]StepResult, error) {
	results := make([]StepResult, 0, len(steps))
	for i, s := range steps {
		id := s.StepID
		if id == "" {
			id = fmt.Sprintf("step-%d", i+1)
		}

		if len(s.Pillars) > 0 {
			if err := f.Pillars().SetAll(s.Pillars); err != nil {
				return results, fmt.Errorf("step %s: set pillars: %w", id, err)
			}
		}
		for _, v := range s.Disable {
			if err := f.SetEnabled(v, false); err != nil {
				return results, fmt.Errorf("step %s: %w", id, err)
			}
		}
		for _, v := range s.Enable {
			if err := f.SetEnabled(v, true); err != nil {
				return results, fmt.Errorf("step %s: %w", id, err)
			}
		}
		for _, v := range s.ResetBreakers {
			if err := f.ResetBreaker(v); err != nil {
				return results, fmt.Errorf("step %s: %w", id, err)
			}
		}

		var corrected map[string]float64
		if len(s.Truth) > 0 {
			var err error
			corrected, err = f.Retrodict(s.Causal, s.Truth)
			if err != nil {
				return results, fmt.Errorf("step %s: %w", id, err)
			}
		} else {
			corrected = f.Step(s.Causal)
		}

		records := f.DrainTrace()
		results = append(results, StepResult{
			StepID:    id,
			Step:      f.Engine().Step(),
			Causal:    s.Causal,
			Corrected: corrected,
			Truth:     s.Truth,
			Actions:   actions(s.Causal, records),
			Records:   records,
		})
	}
	return results, nil
}

// RunFixture builds a fresh fabric for fx and replays all of its steps.
func RunFixture(fx *Fixture, opts ...fabric.Option) (*fabric.Fabric, []StepResult, error) {
	f, err := fx.Build(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("build fabric: %w", err)
	}
	results, err := Run(f, fx.Steps)
	if err != nil {
		return f, results, err
	}
	return f, results, nil
}

func actions(causal map[string]float64, records []fabric.CorrectionRecord) map[string]string {
	out := make(map[string]string, len(causal))
	for v := range causal {
		out[v] = ActionPassthrough
	}
	for _, rec := range records {
		if rec.Kind != fabric.RecordCorrection {
			continue
		}
		switch {
		case rec.Suppressed:
			out[rec.Variable] = ActionSuppressed
		case rec.Clipped:
			out[rec.Variable] = ActionClipped
		default:
			out[rec.Variable] = ActionCorrected
		}
	}
	return out
}

// #endregion replay

// #region summarize
// Summarize aggregates results and evaluates the final state of f.
func Summarize(f *fabric.Fabric, results []StepResult, evalConfig eval.EvalConfig) ReplaySummary {
	s := ReplaySummary{TotalSteps: len(results)}

	var causalErr, correctedErr float64
	var n int
	for _, r := range results {
		if len(r.Truth) > 0 {
			s.LearnedSteps++
		}
		for v, truth := range r.Truth {
			c, ok := r.Causal[v]
			if !ok {
				continue
			}
			causalErr += math.Abs(truth - c)
			correctedErr += math.Abs(truth - r.Corrected[v])
			n++
		}
		for _, rec := range r.Records {
			switch rec.Kind {
			case fabric.RecordCorrection:
				if rec.Clipped {
					s.Clipped++
				}
				if rec.Suppressed {
					s.Suppressed++
				}
			case fabric.RecordTrip:
				s.Trips++
			case fabric.RecordReset:
				s.Resets++
			case fabric.RecordRejected:
				s.Rejected++
			}
		}
	}
	if n > 0 {
		s.MAECausal = causalErr / float64(n)
		s.MAECorrected = correctedErr / float64(n)
	}

	s.Stats = f.Stats()
	s.Final = f.Engine().Snapshot()
	s.Breakers = f.BreakerStatuses()
	s.Eval = eval.NewEvalHarness(evalConfig).Run(s.Final, s.Stats)
	return s
}

// #endregion summarize

// #region check
// Check compares results against expectations and returns every mismatch.
func Check(results []StepResult, expected []FixtureExpectedResult) []Mismatch {
	byID := make(map[string]StepResult, len(results))
	for _, r := range results {
		byID[r.StepID] = r
	}

	var out []Mismatch
	for _, e := range expected {
		r, ok := byID[e.StepID]
		if !ok {
			out = append(out, Mismatch{StepID: e.StepID, Variable: e.Variable, Want: "step present", Got: "missing"})
			continue
		}
		if e.Action != "" {
			if got := r.Actions[e.Variable]; got != e.Action {
				out = append(out, Mismatch{StepID: e.StepID, Variable: e.Variable, Want: e.Action, Got: got})
			}
		}
		if e.Corrected != nil {
			tol := e.Tolerance
			if tol == 0 {
				tol = 1e-9
			}
			got, ok := r.Corrected[e.Variable]
			if !ok || math.Abs(got-*e.Corrected) > tol {
				out = append(out, Mismatch{
					StepID:   e.StepID,
					Variable: e.Variable,
					Want:     fmt.Sprintf("corrected=%.6f±%g", *e.Corrected, tol),
					Got:      fmt.Sprintf("corrected=%.6f", got),
				})
			}
		}
	}
	return out
}

// #endregion check
