package store

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/gravity-controller/internal/gravity"
)

var (
	ErrNoActiveSnapshot = errors.New("store: no active snapshot")
	ErrVersionNotFound  = errors.New("store: version not found")
)

// #region snapshot-record
// SnapshotRecord is one persisted version of a fabric's learned state.
type SnapshotRecord struct {
	VersionID   string
	ParentID    string
	Step        int64              // engine step at save time
	Pillars     map[string]float64 // pillar values at save time
	Engine      gravity.Snapshot
	CreatedAt   time.Time
	MetricsJSON string
}

// Variables returns the variables carried by the snapshot.
func (r SnapshotRecord) Variables() []string {
	return variableNames(r.Engine)
}

// #endregion snapshot-record
