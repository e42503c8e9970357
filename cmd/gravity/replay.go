package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/gravity-controller/internal/fabric"
	"github.com/danielpatrickdp/gravity-controller/internal/logging"
	"github.com/danielpatrickdp/gravity-controller/internal/metrics"
	"github.com/danielpatrickdp/gravity-controller/internal/replay"
	"github.com/danielpatrickdp/gravity-controller/internal/store"
)

// #region command
type replayOptions struct {
	fixture string
	db      string
	resume  bool
	json    bool
	metrics bool
}

var (
	replayOpts replayOptions

	replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Replay a retrodiction fixture through a fresh fabric",
		Long: `Replays every step of a JSON fixture, prints the per-step outcome and
summary, and exits non-zero when an expected result is not reproduced.
With --db the final weights are saved as a new snapshot version and
breaker transitions are written to the transition log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.OutOrStdout(), replayOpts)
		},
	}
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayOpts.fixture, "fixture", "", "path to fixture JSON")
	replayCmd.Flags().StringVar(&replayOpts.db, "db", "", "snapshot database to save the result into")
	replayCmd.Flags().BoolVar(&replayOpts.resume, "resume", false, "start from the active snapshot in --db")
	replayCmd.Flags().BoolVar(&replayOpts.json, "json", false, "output as JSON instead of table")
	replayCmd.Flags().BoolVar(&replayOpts.metrics, "metrics", false, "print Prometheus metrics after the run")
	replayCmd.MarkFlagRequired("fixture")
}

// #endregion command

// #region run
var errMismatch = errors.New("expected results not reproduced")

type replayOutput struct {
	Description string               `json:"description,omitempty"`
	VersionID   string               `json:"version_id,omitempty"`
	Steps       []stepRow            `json:"steps"`
	Summary     replay.ReplaySummary `json:"summary"`
	Mismatches  []string             `json:"mismatches,omitempty"`
}

type stepRow struct {
	StepID    string             `json:"step_id"`
	Step      int64              `json:"step"`
	Corrected map[string]float64 `json:"corrected"`
	Actions   map[string]string  `json:"actions"`
}

func runReplay(w io.Writer, opts replayOptions) error {
	if opts.fixture == "" {
		return errors.New("usage: gravity replay --fixture path/to/fixture.json [--db path] [--resume] [--json] [--metrics]")
	}
	if opts.resume && opts.db == "" {
		return errors.New("--resume requires --db")
	}

	fx, err := replay.LoadFixture(opts.fixture)
	if err != nil {
		return fmt.Errorf("load fixture: %w", err)
	}

	reg := prometheus.NewRegistry()
	f, err := fx.Build(fabric.WithLogger(logger), fabric.WithObserver(metrics.NewRecorder(reg)))
	if err != nil {
		return fmt.Errorf("build fabric: %w", err)
	}

	var st *store.Store
	if opts.db != "" {
		st, err = store.NewStore(opts.db)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer st.Close()
	}
	if opts.resume {
		cur, err := st.GetCurrent()
		switch {
		case errors.Is(err, store.ErrNoActiveSnapshot):
			logger.Info("no active snapshot, starting from zero weights", "db", opts.db)
		case err != nil:
			return fmt.Errorf("load active snapshot: %w", err)
		default:
			if err := f.Engine().Restore(cur.Engine); err != nil {
				return fmt.Errorf("restore %s: %w", shortID(cur.VersionID), err)
			}
			logger.Info("resumed from snapshot", "version", cur.VersionID, "variables", len(cur.Variables()))
		}
	}

	results, err := replay.Run(f, fx.Steps)
	if err != nil {
		return err
	}
	summary := replay.Summarize(f, results, fx.EvalConfig)

	out := replayOutput{Description: fx.Description, Summary: summary}
	for _, r := range results {
		out.Steps = append(out.Steps, stepRow{StepID: r.StepID, Step: r.Step, Corrected: r.Corrected, Actions: r.Actions})
	}
	for _, m := range replay.Check(results, fx.ExpectedResults) {
		out.Mismatches = append(out.Mismatches, m.String())
	}

	if st != nil {
		id, err := persistReplay(st, f, results, summary)
		if err != nil {
			return err
		}
		out.VersionID = id
	}

	if opts.json {
		if err := printJSON(w, out); err != nil {
			return err
		}
	} else {
		printReplayTable(w, out)
	}
	if opts.metrics {
		if err := writeMetrics(w, reg); err != nil {
			return err
		}
	}

	if len(out.Mismatches) > 0 {
		return fmt.Errorf("%d %w", len(out.Mismatches), errMismatch)
	}
	return nil
}

// persistReplay saves the final engine state and logs every breaker
// transition and rejected update against the new version.
func persistReplay(st *store.Store, f *fabric.Fabric, results []replay.StepResult, summary replay.ReplaySummary) (string, error) {
	evalJSON, err := json.Marshal(summary.Eval)
	if err != nil {
		return "", fmt.Errorf("marshal eval: %w", err)
	}
	saved, err := st.SaveSnapshot(store.SnapshotRecord{
		Step:        f.Engine().Step(),
		Pillars:     f.Pillars().Vector().Map(),
		Engine:      summary.Final,
		MetricsJSON: string(evalJSON),
	})
	if err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}

	var logged int
	for _, r := range results {
		for _, rec := range r.Records {
			entry, ok := logging.EntryFromRecord(rec, saved.VersionID)
			if !ok {
				continue
			}
			if err := logging.LogTransition(st.DB(), entry); err != nil {
				return saved.VersionID, fmt.Errorf("log transition: %w", err)
			}
			logged++
		}
	}
	logger.Info("snapshot saved", "version", saved.VersionID, "parent", saved.ParentID, "transitions", logged)
	return saved.VersionID, nil
}

// #endregion run

// #region output
func printReplayTable(w io.Writer, out replayOutput) {
	if out.Description != "" {
		fmt.Fprintf(w, "%s\n\n", out.Description)
	}
	fmt.Fprintf(w, "%-12s| %-14s| %12s| %s\n", "Step", "Variable", "Corrected", "Action")
	fmt.Fprintf(w, "%-12s+%-15s+%13s+%s\n",
		"------------", "---------------", "-------------", "------------")
	for _, r := range out.Steps {
		vars := make([]string, 0, len(r.Actions))
		for v := range r.Actions {
			vars = append(vars, v)
		}
		sort.Strings(vars)
		for _, v := range vars {
			fmt.Fprintf(w, "%-12s| %-14s| %12.6f| %s\n", r.StepID, v, r.Corrected[v], r.Actions[v])
		}
	}

	s := out.Summary
	fmt.Fprintf(w, "\nSummary: %d steps, %d learned, %d clipped, %d suppressed, %d trips, %d resets, %d rejected\n",
		s.TotalSteps, s.LearnedSteps, s.Clipped, s.Suppressed, s.Trips, s.Resets, s.Rejected)
	fmt.Fprintf(w, "MAE:     causal %.6f, corrected %.6f\n", s.MAECausal, s.MAECorrected)

	verdict := "PASS"
	if !s.Eval.Passed {
		verdict = "FAIL (" + s.Eval.Reason + ")"
	}
	fmt.Fprintf(w, "Eval:    %s\n", verdict)
	for _, m := range s.Eval.Metrics {
		mark := "ok"
		if !m.Pass {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "  %-24s %10.4f  %s\n", m.Name, m.Value, mark)
	}

	if out.VersionID != "" {
		fmt.Fprintf(w, "\nSaved:   %s\n", out.VersionID)
	}
	if len(out.Mismatches) > 0 {
		fmt.Fprintf(w, "\nMismatches:\n")
		for _, m := range out.Mismatches {
			fmt.Fprintf(w, "  %s\n", m)
		}
	}
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	fmt.Fprintln(w)
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

// #endregion output
