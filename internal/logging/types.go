package logging

import (
	"time"

	"github.com/danielpatrickdp/gravity-controller/internal/fabric"
)

// #region transition-entry
// TransitionEntry is a single row in the transition_log table.
type TransitionEntry struct {
	VersionID  string // snapshot saved after the event, if any
	Variable   string
	Step       int64
	Kind       string // "breaker_trip" | "breaker_reset" | "update_rejected"
	Reason     string
	DetailJSON string
	CreatedAt  time.Time
}

// #endregion transition-entry

// #region from-record
// EntryFromRecord converts a non-correction trace record into a log entry.
// Correction records are not logged and return false.
func EntryFromRecord(rec fabric.CorrectionRecord, versionID string) (TransitionEntry, bool) {
	if rec.Kind == fabric.RecordCorrection {
		return TransitionEntry{}, false
	}
	return TransitionEntry{
		VersionID: versionID,
		Variable:  rec.Variable,
		Step:      rec.Step,
		Kind:      string(rec.Kind),
		Reason:    rec.Reason,
	}, true
}

// #endregion from-record
