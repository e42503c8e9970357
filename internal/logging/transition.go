package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region log-transition
// LogTransition writes a breaker or rejection event to the transition_log table.
func LogTransition(db *sql.DB, entry TransitionEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO transition_log (version_id, variable, step, kind, reason, detail_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(entry.VersionID),
		entry.Variable,
		entry.Step,
		entry.Kind,
		nullIfEmpty(entry.Reason),
		nullIfEmpty(entry.DetailJSON),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log transition: %w", err)
	}
	return nil
}

// #endregion log-transition

// #region recent
// RecentTransitions returns up to limit entries, newest first.
func RecentTransitions(db *sql.DB, limit int) ([]TransitionEntry, error) {
	rows, err := db.Query(
		`SELECT version_id, variable, step, kind, reason, detail_json, created_at
		 FROM transition_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionEntry
	for rows.Next() {
		var e TransitionEntry
		var versionID, reason, detail sql.NullString
		var created string
		if err := rows.Scan(&versionID, &e.Variable, &e.Step, &e.Kind, &reason, &detail, &created); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.VersionID = versionID.String
		e.Reason = reason.String
		e.DetailJSON = detail.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion recent

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
