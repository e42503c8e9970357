package eval

import (
	"fmt"
	"math"
	"sort"

	"github.com/danielpatrickdp/gravity-controller/internal/fabric"
	"github.com/danielpatrickdp/gravity-controller/internal/gravity"
)

// #region eval-harness
// EvalHarness checks a fabric's learned state for signs of instability.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run evaluates an engine snapshot together with the fabric counters of
// the run that produced it.
func (h *EvalHarness) Run(snap gravity.Snapshot, stats fabric.Stats) EvalResult {
	var metrics []EvalMetric
	var failReasons []string

	// 1. Weight norm per variable
	variables := make([]string, 0, len(snap.Weights))
	for v := range snap.Weights {
		variables = append(variables, v)
	}
	sort.Strings(variables)
	for _, v := range variables {
		norm := weightNorm(snap.Weights[v])
		pass := norm <= h.config.MaxWeightNorm
		metrics = append(metrics, EvalMetric{
			Name:  fmt.Sprintf("weight_norm_%s", v),
			Value: norm,
			Pass:  pass,
		})
		if !pass {
			failReasons = append(failReasons, fmt.Sprintf("%s weight norm %.4f exceeds %.4f", v, norm, h.config.MaxWeightNorm))
		}
	}

	// 2. Clip rate
	clipRate := ratio(stats.Clipped, stats.Corrections)
	clipPass := clipRate <= h.config.MaxClipRate
	metrics = append(metrics, EvalMetric{Name: "clip_rate", Value: clipRate, Pass: clipPass})
	if !clipPass {
		failReasons = append(failReasons, fmt.Sprintf("clip rate %.4f exceeds %.4f", clipRate, h.config.MaxClipRate))
	}

	// 3. Open breakers
	var tripped int
	for _, st := range snap.Breakers {
		if st.StateName == gravity.BreakerTripped.String() || st.State == gravity.BreakerTripped {
			tripped++
		}
	}
	trippedPass := tripped <= h.config.MaxTripped
	metrics = append(metrics, EvalMetric{Name: "tripped_variables", Value: float64(tripped), Pass: trippedPass})
	if !trippedPass {
		failReasons = append(failReasons, fmt.Sprintf("%d breakers tripped, max %d", tripped, h.config.MaxTripped))
	}

	// 4. Reject rate: informational only
	rejectRate := ratio(stats.RejectedUpdates, stats.Learned+stats.RejectedUpdates)
	metrics = append(metrics, EvalMetric{
		Name:  "reject_rate",
		Value: rejectRate,
		Pass:  rejectRate <= h.config.MaxRejectRate,
	})

	reason := "all checks passed"
	if len(failReasons) == 1 {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
	} else if len(failReasons) > 1 {
		reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
	}

	return EvalResult{
		Passed:  len(failReasons) == 0,
		Metrics: metrics,
		Reason:  reason,
	}
}

// #endregion eval-harness

// #region helpers
func weightNorm(w map[string]float64) float64 {
	var sum float64
	for _, x := range w {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// #endregion helpers
