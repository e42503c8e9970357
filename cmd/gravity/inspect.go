package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/gravity-controller/internal/eval"
	"github.com/danielpatrickdp/gravity-controller/internal/gravity"
	"github.com/danielpatrickdp/gravity-controller/internal/logging"
	"github.com/danielpatrickdp/gravity-controller/internal/store"
)

// #region command
type inspectOptions struct {
	db          string
	last        int
	version     string
	transitions int
	json        bool
}

var (
	inspectOpts inspectOptions

	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "List snapshot versions or show one version in detail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), inspectOpts)
		},
	}
)

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectOpts.db, "db", envOr("GRAVITY_DB", ""), "path to gravity.db")
	inspectCmd.Flags().IntVar(&inspectOpts.last, "last", 20, "show N most recent versions")
	inspectCmd.Flags().StringVar(&inspectOpts.version, "version", "", "show single version detail")
	inspectCmd.Flags().IntVar(&inspectOpts.transitions, "transitions", 10, "show N most recent breaker transitions")
	inspectCmd.Flags().BoolVar(&inspectOpts.json, "json", false, "output as JSON instead of table")
}

func runInspect(w io.Writer, opts inspectOptions) error {
	if opts.db == "" {
		return errors.New("usage: gravity inspect --db path/to/gravity.db [--last N] [--version id] [--transitions N] [--json]")
	}
	st, err := store.NewStore(opts.db)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()

	if opts.version != "" {
		return runDetailMode(w, st, opts.version, opts.json)
	}
	return runListMode(w, st, opts)
}

// #endregion command

// #region list-mode

type listRow struct {
	VersionID string  `json:"version_id"`
	Active    bool    `json:"active"`
	Step      int64   `json:"step"`
	Variables int     `json:"variables"`
	Tripped   int     `json:"tripped"`
	MaxNorm   float64 `json:"max_weight_norm"`
	Eval      string  `json:"eval"`
	CreatedAt string  `json:"created_at"`
}

type listOutput struct {
	Versions    []listRow                 `json:"versions"`
	Transitions []logging.TransitionEntry `json:"transitions,omitempty"`
}

func runListMode(w io.Writer, st *store.Store, opts inspectOptions) error {
	versions, err := st.ListVersions(opts.last)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintln(w, "no versions found")
		return nil
	}

	var activeID string
	if cur, err := st.GetCurrent(); err == nil {
		activeID = cur.VersionID
	} else if !errors.Is(err, store.ErrNoActiveSnapshot) {
		return err
	}

	// Store returns DESC, reverse for chronological.
	out := listOutput{Versions: make([]listRow, len(versions))}
	for i, v := range versions {
		out.Versions[len(versions)-1-i] = listRow{
			VersionID: v.VersionID,
			Active:    v.VersionID == activeID,
			Step:      v.Step,
			Variables: len(v.Variables()),
			Tripped:   countTripped(v.Engine.Breakers),
			MaxNorm:   maxWeightNorm(v.Engine.Weights),
			Eval:      evalVerdict(v.MetricsJSON),
			CreatedAt: v.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}
	if opts.transitions > 0 {
		out.Transitions, err = logging.RecentTransitions(st.DB(), opts.transitions)
		if err != nil {
			return err
		}
	}

	if opts.json {
		return printJSON(w, out)
	}

	fmt.Fprintf(w, "%-12s  %8s  %4s  %7s  %10s  %-6s  %s\n",
		"Version", "Step", "Vars", "Tripped", "Max Norm", "Eval", "Time")
	fmt.Fprintf(w, "%-12s+-%8s+-%4s+-%7s+-%10s+-%-6s+-%s\n",
		"------------", "--------", "----", "-------", "----------", "------", "--------------------")
	for _, r := range out.Versions {
		vid := shortID(r.VersionID)
		if r.Active {
			vid += " *"
		}
		fmt.Fprintf(w, "%-12s  %8d  %4d  %7d  %10.4f  %-6s  %s\n",
			vid, r.Step, r.Variables, r.Tripped, r.MaxNorm, r.Eval, r.CreatedAt)
	}

	if len(out.Transitions) > 0 {
		fmt.Fprintf(w, "\nRecent transitions:\n")
		for _, t := range out.Transitions {
			fmt.Fprintf(w, "  %-8s  %-14s  %-16s  step %-6d  %s\n",
				shortID(t.VersionID), t.Variable, t.Kind, t.Step, t.Reason)
		}
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	VersionID string                           `json:"version_id"`
	ParentID  string                           `json:"parent_id"`
	CreatedAt string                           `json:"created_at"`
	Step      int64                            `json:"step"`
	Pillars   map[string]float64               `json:"pillars"`
	Weights   map[string]map[string]float64    `json:"weights"`
	Breakers  map[string]gravity.BreakerStatus `json:"breakers"`
	Eval      *eval.EvalResult                 `json:"eval,omitempty"`
}

func runDetailMode(w io.Writer, st *store.Store, versionID string, jsonOut bool) error {
	v, err := st.GetVersion(versionID)
	if err != nil {
		return err
	}

	out := detailOutput{
		VersionID: v.VersionID,
		ParentID:  v.ParentID,
		CreatedAt: v.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Step:      v.Step,
		Pillars:   v.Pillars,
		Weights:   v.Engine.Weights,
		Breakers:  v.Engine.Breakers,
		Eval:      parseEval(v.MetricsJSON),
	}
	if jsonOut {
		return printJSON(w, out)
	}

	fmt.Fprintf(w, "Version:    %s\n", out.VersionID)
	fmt.Fprintf(w, "Parent:     %s\n", out.ParentID)
	fmt.Fprintf(w, "Created:    %s\n", out.CreatedAt)
	fmt.Fprintf(w, "Step:       %d\n", out.Step)

	fmt.Fprintf(w, "\nPillars:\n")
	for _, name := range sortedNames(out.Pillars) {
		fmt.Fprintf(w, "  %-12s %.4f\n", name, out.Pillars[name])
	}

	for _, variable := range v.Variables() {
		b := out.Breakers[variable]
		fmt.Fprintf(w, "\n%s  [%s", variable, b.StateName)
		if b.State == gravity.BreakerTripped {
			fmt.Fprintf(w, " %s at step %d, cooldown %d", b.TripReason, b.TrippedAtStep, b.CooldownRemaining)
		}
		fmt.Fprintf(w, ", trips %d]\n", b.Trips)
		ws := out.Weights[variable]
		for _, p := range sortedNames(ws) {
			fmt.Fprintf(w, "  %-12s %+.6f\n", p, ws[p])
		}
	}

	if out.Eval != nil {
		fmt.Fprintf(w, "\nEval:\n")
		fmt.Fprintf(w, "  Passed:  %v\n", out.Eval.Passed)
		if out.Eval.Reason != "" {
			fmt.Fprintf(w, "  Reason:  %s\n", out.Eval.Reason)
		}
	}
	return nil
}

// #endregion detail-mode

// #region helpers

func countTripped(breakers map[string]gravity.BreakerStatus) int {
	var n int
	for _, b := range breakers {
		if b.State == gravity.BreakerTripped {
			n++
		}
	}
	return n
}

func maxWeightNorm(weights map[string]map[string]float64) float64 {
	var out float64
	for _, ws := range weights {
		var sum float64
		for _, w := range ws {
			sum += w * w
		}
		out = math.Max(out, math.Sqrt(sum))
	}
	return out
}

func parseEval(metricsJSON string) *eval.EvalResult {
	if metricsJSON == "" {
		return nil
	}
	var r eval.EvalResult
	if err := json.Unmarshal([]byte(metricsJSON), &r); err != nil {
		return nil
	}
	return &r
}

func evalVerdict(metricsJSON string) string {
	r := parseEval(metricsJSON)
	switch {
	case r == nil:
		return "—"
	case r.Passed:
		return "pass"
	default:
		return "fail"
	}
}

func sortedNames(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// #endregion helpers
