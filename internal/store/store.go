package store

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/gravity-controller/internal/gravity"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS snapshot_versions (
	version_id    TEXT PRIMARY KEY,
	parent_id     TEXT,
	step          INTEGER NOT NULL,
	pillars_json  TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	metrics_json  TEXT,
	FOREIGN KEY (parent_id) REFERENCES snapshot_versions(version_id)
);

CREATE TABLE IF NOT EXISTS snapshot_variables (
	version_id    TEXT NOT NULL,
	variable      TEXT NOT NULL,
	pillar_names  TEXT NOT NULL,
	weights       BLOB NOT NULL,
	momentum      BLOB NOT NULL,
	breaker_json  TEXT NOT NULL,
	PRIMARY KEY (version_id, variable),
	FOREIGN KEY (version_id) REFERENCES snapshot_versions(version_id)
);

CREATE TABLE IF NOT EXISTS transition_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	version_id    TEXT,
	variable      TEXT NOT NULL,
	step          INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	reason        TEXT,
	detail_json   TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS active_snapshot (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	version_id    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES snapshot_versions(version_id)
);
`

// #endregion schema

// #region store-struct
// Store keeps versioned engine snapshots in SQLite with an active pointer.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for the transition log writer.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region save
// SaveSnapshot inserts rec as a new version and makes it active in one
// transaction. An empty VersionID gets a fresh UUID, a zero CreatedAt the
// current time, and an empty ParentID the currently active version.
func (s *Store) SaveSnapshot(rec SnapshotRecord) (SnapshotRecord, error) {
	if rec.VersionID == "" {
		rec.VersionID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ParentID == "" {
		cur, err := s.activeID()
		switch {
		case err == nil:
			rec.ParentID = cur
		case !errors.Is(err, ErrNoActiveSnapshot):
			return SnapshotRecord{}, err
		}
	}

	pillarsJSON, err := json.Marshal(nonNil(rec.Pillars))
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("marshal pillars: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO snapshot_versions (version_id, parent_id, step, pillars_json, created_at, metrics_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.VersionID, nullIfEmpty(rec.ParentID), rec.Step, string(pillarsJSON),
		rec.CreatedAt.Format(time.RFC3339Nano), nullIfEmpty(rec.MetricsJSON),
	)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("insert version: %w", err)
	}

	for _, variable := range variableNames(rec.Engine) {
		names, weights, momentum := encodeVariable(rec.Engine.Weights[variable], rec.Engine.Momentum[variable])
		namesJSON, err := json.Marshal(names)
		if err != nil {
			return SnapshotRecord{}, fmt.Errorf("marshal pillar names: %w", err)
		}
		breakerJSON, err := json.Marshal(rec.Engine.Breakers[variable])
		if err != nil {
			return SnapshotRecord{}, fmt.Errorf("marshal breaker: %w", err)
		}
		_, err = tx.Exec(
			`INSERT INTO snapshot_variables (version_id, variable, pillar_names, weights, momentum, breaker_json)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.VersionID, variable, string(namesJSON), weights, momentum, string(breakerJSON),
		)
		if err != nil {
			return SnapshotRecord{}, fmt.Errorf("insert variable %s: %w", variable, err)
		}
	}

	_, err = tx.Exec(
		`INSERT INTO active_snapshot (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		rec.VersionID,
	)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("set active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SnapshotRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// #endregion save

// #region get
// GetCurrent reads the active snapshot.
func (s *Store) GetCurrent() (SnapshotRecord, error) {
	id, err := s.activeID()
	if err != nil {
		return SnapshotRecord{}, err
	}
	return s.GetVersion(id)
}

func (s *Store) activeID() (string, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_snapshot WHERE id = 1`).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoActiveSnapshot
	}
	if err != nil {
		return "", fmt.Errorf("get active: %w", err)
	}
	return versionID, nil
}

// GetVersion retrieves a specific snapshot by ID.
func (s *Store) GetVersion(id string) (SnapshotRecord, error) {
	rec, err := scanVersion(s.db.QueryRow(
		`SELECT version_id, parent_id, step, pillars_json, created_at, metrics_json
		 FROM snapshot_versions WHERE version_id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, fmt.Errorf("get version %s: %w", id, ErrVersionNotFound)
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("get version %s: %w", id, err)
	}
	if err := s.loadVariables(&rec); err != nil {
		return SnapshotRecord{}, err
	}
	return rec, nil
}

func (s *Store) loadVariables(rec *SnapshotRecord) error {
	rows, err := s.db.Query(
		`SELECT variable, pillar_names, weights, momentum, breaker_json
		 FROM snapshot_variables WHERE version_id = ? ORDER BY variable`, rec.VersionID,
	)
	if err != nil {
		return fmt.Errorf("load variables: %w", err)
	}
	defer rows.Close()

	rec.Engine = gravity.Snapshot{
		Weights:  make(map[string]map[string]float64),
		Momentum: make(map[string]map[string]float64),
		Breakers: make(map[string]gravity.BreakerStatus),
	}
	for rows.Next() {
		var variable, namesJSON, breakerJSON string
		var weights, momentum []byte
		if err := rows.Scan(&variable, &namesJSON, &weights, &momentum, &breakerJSON); err != nil {
			return fmt.Errorf("scan variable: %w", err)
		}
		var names []string
		if err := json.Unmarshal([]byte(namesJSON), &names); err != nil {
			return fmt.Errorf("unmarshal pillar names: %w", err)
		}
		var st gravity.BreakerStatus
		if err := json.Unmarshal([]byte(breakerJSON), &st); err != nil {
			return fmt.Errorf("unmarshal breaker: %w", err)
		}
		if parsed, ok := gravity.ParseBreakerState(st.StateName); ok {
			st.State = parsed
		}
		rec.Engine.Weights[variable] = decodeFloats(names, weights)
		rec.Engine.Momentum[variable] = decodeFloats(names, momentum)
		rec.Engine.Breakers[variable] = st
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (SnapshotRecord, error) {
	var rec SnapshotRecord
	var parentID, metricsJSON sql.NullString
	var pillarsJSON, createdStr string

	if err := row.Scan(&rec.VersionID, &parentID, &rec.Step, &pillarsJSON, &createdStr, &metricsJSON); err != nil {
		return SnapshotRecord{}, err
	}
	if parentID.Valid {
		rec.ParentID = parentID.String
	}
	if err := json.Unmarshal([]byte(pillarsJSON), &rec.Pillars); err != nil {
		return SnapshotRecord{}, fmt.Errorf("unmarshal pillars: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if metricsJSON.Valid {
		rec.MetricsJSON = metricsJSON.String
	}
	return rec, nil
}

// #endregion get

// #region rollback
// Rollback sets the active pointer to a previous version.
func (s *Store) Rollback(targetVersionID string) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM snapshot_versions WHERE version_id = ?`, targetVersionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("rollback %s: %w", targetVersionID, ErrVersionNotFound)
	}

	_, err = s.db.Exec(
		`INSERT INTO active_snapshot (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		targetVersionID,
	)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// #endregion rollback

// #region list-versions
// ListVersions returns the most recent snapshots, newest first.
func (s *Store) ListVersions(limit int) ([]SnapshotRecord, error) {
	rows, err := s.db.Query(
		`SELECT version_id, parent_id, step, pillars_json, created_at, metrics_json
		 FROM snapshot_versions ORDER BY rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}

	var records []SnapshotRecord
	for rows.Next() {
		rec, err := scanVersion(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range records {
		if err := s.loadVariables(&records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// #endregion list-versions

// #region encoding
// encodeVariable lays weights and momentum out over one sorted pillar
// order as little-endian float64 blobs.
func encodeVariable(weights, momentum map[string]float64) ([]string, []byte, []byte) {
	seen := make(map[string]struct{}, len(weights)+len(momentum))
	for k := range weights {
		seen[k] = struct{}{}
	}
	for k := range momentum {
		seen[k] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)

	w := make([]byte, len(names)*8)
	m := make([]byte, len(names)*8)
	for i, n := range names {
		binary.LittleEndian.PutUint64(w[i*8:], math.Float64bits(weights[n]))
		binary.LittleEndian.PutUint64(m[i*8:], math.Float64bits(momentum[n]))
	}
	return names, w, m
}

func decodeFloats(names []string, b []byte) map[string]float64 {
	out := make(map[string]float64, len(names))
	for i, n := range names {
		if i*8+8 <= len(b) {
			out[n] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
		}
	}
	return out
}

func variableNames(s gravity.Snapshot) []string {
	seen := make(map[string]struct{})
	for v := range s.Weights {
		seen[v] = struct{}{}
	}
	for v := range s.Momentum {
		seen[v] = struct{}{}
	}
	for v := range s.Breakers {
		seen[v] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for v := range seen {
		names = append(names, v)
	}
	sort.Strings(names)
	return names
}

// #endregion encoding

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

// #endregion helpers
