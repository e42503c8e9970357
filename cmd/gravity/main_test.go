package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/danielpatrickdp/gravity-controller/internal/gravity"
	"github.com/danielpatrickdp/gravity-controller/internal/metrics"
	"github.com/danielpatrickdp/gravity-controller/internal/statusrpc"
	"github.com/danielpatrickdp/gravity-controller/internal/store"
)

// #region helpers
const hopeDespair = "../../internal/replay/testdata/hope_despair.json"

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "gravity.db")
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func trippedSnapshot() gravity.Snapshot {
	return gravity.Snapshot{
		Weights:  map[string]map[string]float64{"gdp": {"hope": 0.2}, "unrest": {"hope": -0.1}},
		Momentum: map[string]map[string]float64{"gdp": {"hope": 0}, "unrest": {"hope": 0}},
		Breakers: map[string]gravity.BreakerStatus{
			"gdp": {
				State:         gravity.BreakerTripped,
				StateName:     "tripped",
				TripReason:    gravity.TripMagnitude,
				TrippedAtStep: 4,
				Trips:         1,
			},
			"unrest": {State: gravity.BreakerNormal, StateName: "normal"},
		},
	}
}

// #endregion helpers

// #region replay-tests
func TestReplay_FixturePasses(t *testing.T) {
	var out bytes.Buffer
	if err := runReplay(&out, replayOptions{fixture: hopeDespair}); err != nil {
		t.Fatalf("runReplay: %v\n%s", err, out.String())
	}
	for _, want := range []string{"s2", "corrected", "Summary: 4 steps, 1 learned", "Eval:    PASS"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestReplay_JSONAndMetrics(t *testing.T) {
	var out bytes.Buffer
	if err := runReplay(&out, replayOptions{fixture: hopeDespair, json: true, metrics: true}); err != nil {
		t.Fatalf("runReplay: %v", err)
	}
	body := out.String()
	if !strings.Contains(body, `gravity_fabric_corrections_total{variable="gdp"} 3`) {
		t.Errorf("expected 3 gdp corrections in exposition:\n%s", body)
	}

	jsonPart := body[:strings.Index(body, "\n# HELP")]
	var parsed replayOutput
	if err := json.Unmarshal([]byte(jsonPart), &parsed); err != nil {
		t.Fatalf("unmarshal json output: %v", err)
	}
	if len(parsed.Steps) != 4 || parsed.Steps[2].Actions["gdp"] != "passthrough" {
		t.Errorf("unexpected steps %+v", parsed.Steps)
	}
}

func TestReplay_Mismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fx.json")
	body := `{
		"config": {"enabled_variables": ["gdp"]},
		"pillars": [{"name": "hope"}],
		"steps": [{"step_id": "s1", "causal": {"gdp": 1}}],
		"expected_results": [{"step_id": "s1", "variable": "gdp", "action": "clipped"}]
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	var out bytes.Buffer
	err := runReplay(&out, replayOptions{fixture: path})
	if !errors.Is(err, errMismatch) {
		t.Fatalf("expected mismatch error, got %v", err)
	}
	if !strings.Contains(out.String(), "s1/gdp: want clipped, got corrected") {
		t.Errorf("mismatch not printed:\n%s", out.String())
	}
}

func TestReplay_Usage(t *testing.T) {
	if err := runReplay(&bytes.Buffer{}, replayOptions{}); err == nil {
		t.Fatal("expected usage error")
	}
	if err := runReplay(&bytes.Buffer{}, replayOptions{fixture: hopeDespair, resume: true}); err == nil {
		t.Fatal("expected --resume without --db to fail")
	}
}

func TestReplay_SavesAndResumes(t *testing.T) {
	db := tempDB(t)
	if err := runReplay(&bytes.Buffer{}, replayOptions{fixture: hopeDespair, db: db}); err != nil {
		t.Fatalf("first replay: %v", err)
	}

	// Resuming starts from weight[hope]=0.04, so s1 is no longer uncorrected.
	err := runReplay(&bytes.Buffer{}, replayOptions{fixture: hopeDespair, db: db, resume: true})
	if !errors.Is(err, errMismatch) {
		t.Fatalf("expected resumed replay to diverge, got %v", err)
	}

	st := openStore(t, db)
	versions, err := st.ListVersions(10)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].ParentID != versions[1].VersionID {
		t.Errorf("expected parent chain, got %q -> %q", versions[0].ParentID, versions[1].VersionID)
	}
	if w := versions[1].Engine.Weights["gdp"]["hope"]; w < 0.039 || w > 0.041 {
		t.Errorf("expected first snapshot weight ≈0.04, got %f", w)
	}
	if versions[0].MetricsJSON == "" {
		t.Error("expected eval result stored with snapshot")
	}
}

// #endregion replay-tests

// #region inspect-tests
func TestInspect_ListAndDetail(t *testing.T) {
	db := tempDB(t)
	if err := runReplay(&bytes.Buffer{}, replayOptions{fixture: "../../internal/replay/testdata/breaker_trip.json", db: db}); err != nil {
		t.Fatalf("runReplay: %v", err)
	}

	var out bytes.Buffer
	if err := runInspect(&out, inspectOptions{db: db, last: 5, transitions: 10}); err != nil {
		t.Fatalf("runInspect list: %v", err)
	}
	for _, want := range []string{"Version", " *", "pass", "Recent transitions:", "breaker_trip", "breaker_reset"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("list output missing %q:\n%s", want, out.String())
		}
	}

	st := openStore(t, db)
	cur, err := st.GetCurrent()
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}

	out.Reset()
	if err := runInspect(&out, inspectOptions{db: db, version: cur.VersionID, json: true}); err != nil {
		t.Fatalf("runInspect detail: %v", err)
	}
	var detail detailOutput
	if err := json.Unmarshal(out.Bytes(), &detail); err != nil {
		t.Fatalf("unmarshal detail: %v\n%s", err, out.String())
	}
	if detail.VersionID != cur.VersionID || detail.Eval == nil || !detail.Eval.Passed {
		t.Errorf("unexpected detail %+v", detail)
	}
	if _, ok := detail.Breakers["gdp"]; !ok {
		t.Errorf("expected gdp breaker in detail, got %+v", detail.Breakers)
	}
}

func TestInspect_Empty(t *testing.T) {
	var out bytes.Buffer
	if err := runInspect(&out, inspectOptions{db: tempDB(t), last: 5}); err != nil {
		t.Fatalf("runInspect: %v", err)
	}
	if !strings.Contains(out.String(), "no versions found") {
		t.Errorf("unexpected output %q", out.String())
	}
	if err := runInspect(&out, inspectOptions{}); err == nil {
		t.Fatal("expected usage error without --db")
	}
}

func TestRollback(t *testing.T) {
	db := tempDB(t)
	st := openStore(t, db)
	first, err := st.SaveSnapshot(store.SnapshotRecord{Engine: trippedSnapshot()})
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if _, err := st.SaveSnapshot(store.SnapshotRecord{Step: 9}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	var out bytes.Buffer
	if err := runRollback(&out, db, first.VersionID); err != nil {
		t.Fatalf("runRollback: %v", err)
	}
	cur, err := st.GetCurrent()
	if err != nil {
		t.Fatalf("GetCurrent: %v", err)
	}
	if cur.VersionID != first.VersionID {
		t.Errorf("expected active %s, got %s", first.VersionID, cur.VersionID)
	}
	if err := runRollback(&out, db, "missing"); !errors.Is(err, store.ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound, got %v", err)
	}
}

// #endregion inspect-tests

// #region serve-tests
func TestPublisher_Refresh(t *testing.T) {
	st := openStore(t, tempDB(t))
	srv := statusrpc.NewServer(nil)
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	pub := &publisher{store: st, server: srv, recorder: rec}

	if err := pub.refresh(); err != nil {
		t.Fatalf("refresh with empty store: %v", err)
	}
	if len(srv.Report().Breakers) != 0 {
		t.Fatalf("expected empty report, got %+v", srv.Report())
	}

	saved, err := st.SaveSnapshot(store.SnapshotRecord{Step: 7, Engine: trippedSnapshot()})
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := pub.refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	r := srv.Report()
	if r.VersionID != saved.VersionID || r.Step != 7 {
		t.Errorf("unexpected report header %+v", r)
	}
	if r.Breakers["gdp"].State != gravity.BreakerTripped {
		t.Errorf("expected gdp tripped, got %+v", r.Breakers["gdp"])
	}
	if v := testutil.ToFloat64(rec.BreakerTripped.WithLabelValues("gdp")); v != 1 {
		t.Errorf("expected gdp gauge 1, got %f", v)
	}
	if v := testutil.ToFloat64(rec.BreakerTripped.WithLabelValues("unrest")); v != 0 {
		t.Errorf("expected unrest gauge 0, got %f", v)
	}
}

func TestStatus_Table(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	srv := statusrpc.NewServer(nil)
	srv.Register(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	snap := trippedSnapshot()
	srv.Publish(statusrpc.Report{Step: 7, VersionID: "v1", Breakers: snap.Breakers})

	c, err := statusrpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	if err := runStatus(ctx, &out, c, false); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	lines := strings.Split(out.String(), "\n")
	var gdp, unrest string
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "gdp "):
			gdp = l
		case strings.HasPrefix(l, "unrest "):
			unrest = l
		}
	}
	if !strings.Contains(gdp, "tripped") || !strings.Contains(gdp, "NOT_SERVING") {
		t.Errorf("unexpected gdp row %q", gdp)
	}
	if !strings.HasSuffix(unrest, " SERVING") {
		t.Errorf("unexpected unrest row %q", unrest)
	}
}

// #endregion serve-tests
