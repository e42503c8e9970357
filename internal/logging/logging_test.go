package logging

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/gravity-controller/internal/fabric"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// One connection: every :memory: connection is its own database.
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE transition_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		version_id  TEXT,
		variable    TEXT NOT NULL,
		step        INTEGER NOT NULL,
		kind        TEXT NOT NULL,
		reason      TEXT,
		detail_json TEXT,
		created_at  TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// #endregion helpers

// #region log-transition-tests
func TestLogTransition_Success(t *testing.T) {
	db := setupDB(t)

	entry := TransitionEntry{
		VersionID: "v1",
		Variable:  "gdp",
		Step:      14,
		Kind:      "breaker_trip",
		Reason:    "correction_magnitude",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := LogTransition(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM transition_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}

	got, err := RecentTransitions(db, 10)
	if err != nil {
		t.Fatalf("RecentTransitions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].Variable != "gdp" || got[0].Step != 14 || got[0].Reason != "correction_magnitude" {
		t.Errorf("unexpected entry %+v", got[0])
	}
	if !got[0].CreatedAt.Equal(entry.CreatedAt) {
		t.Errorf("created_at: expected %v, got %v", entry.CreatedAt, got[0].CreatedAt)
	}
}

func TestLogTransition_NullableFields(t *testing.T) {
	db := setupDB(t)
	if err := LogTransition(db, TransitionEntry{Variable: "gdp", Kind: "update_rejected"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var versionID, reason sql.NullString
	var created string
	db.QueryRow("SELECT version_id, reason, created_at FROM transition_log").Scan(&versionID, &reason, &created)
	if versionID.Valid || reason.Valid {
		t.Errorf("expected NULLs, got %v %v", versionID, reason)
	}
	if created == "" {
		t.Error("expected created_at to be filled in")
	}
}

func TestRecentTransitions_NewestFirst(t *testing.T) {
	db := setupDB(t)
	for i := int64(1); i <= 3; i++ {
		if err := LogTransition(db, TransitionEntry{Variable: "gdp", Step: i, Kind: "breaker_trip"}); err != nil {
			t.Fatalf("LogTransition: %v", err)
		}
	}
	got, err := RecentTransitions(db, 2)
	if err != nil {
		t.Fatalf("RecentTransitions: %v", err)
	}
	if len(got) != 2 || got[0].Step != 3 || got[1].Step != 2 {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestLogTransition_MissingTable(t *testing.T) {
	db, _ := sql.Open("sqlite", ":memory:")
	defer db.Close()
	if err := LogTransition(db, TransitionEntry{Variable: "gdp", Kind: "breaker_trip"}); err == nil {
		t.Fatal("expected error without table")
	}
}

func TestEntryFromRecord(t *testing.T) {
	if _, ok := EntryFromRecord(fabric.CorrectionRecord{Kind: fabric.RecordCorrection}, "v"); ok {
		t.Fatal("correction records should not be logged")
	}
	e, ok := EntryFromRecord(fabric.CorrectionRecord{
		Kind:     fabric.RecordReset,
		Variable: "gdp",
		Step:     9,
		Reason:   "operator",
	}, "v2")
	if !ok {
		t.Fatal("expected reset record to convert")
	}
	if e.Kind != "breaker_reset" || e.VersionID != "v2" || e.Step != 9 {
		t.Fatalf("unexpected entry %+v", e)
	}
}

// #endregion log-transition-tests

// #region logger-tests
func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Debug("breaker tripped", "variable", "gdp")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if line["variable"] != "gdp" || line["msg"] != "breaker tripped" {
		t.Fatalf("unexpected line %v", line)
	}
}

func TestNewLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&buf, "warn", "text")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestNewLoggerRejectsUnknown(t *testing.T) {
	if _, err := NewLogger(&bytes.Buffer{}, "loud", "text"); err == nil {
		t.Error("expected level error")
	}
	if _, err := NewLogger(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Error("expected format error")
	}
}

// #endregion logger-tests
