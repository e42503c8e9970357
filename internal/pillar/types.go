package pillar

import (
	"errors"
	"math"
)

// #region errors
var (
	ErrInvalidPillarValue = errors.New("pillar: invalid pillar value")
	ErrDuplicatePillar    = errors.New("pillar: duplicate pillar")
	ErrUnknownPillar      = errors.New("pillar: unknown pillar")
	ErrEmptyName          = errors.New("pillar: empty pillar name")
	ErrInvalidInteraction = errors.New("pillar: invalid interaction matrix")
	ErrShapeMismatch      = errors.New("pillar: names and values length mismatch")
)

// #endregion errors

// DefaultInitial is the activation a pillar starts at when registered without one.
const DefaultInitial = 0.5

// #region vector
// Vector is an immutable, ordered snapshot of pillar activations.
// The zero Vector is empty and valid.
type Vector struct {
	names  []string // shared, never mutated after construction
	values []float64
}

// NewVector builds a Vector from parallel name and value slices.
// Both slices are copied. Values are not clamped, so callers can
// construct vectors for tests and replay fixtures verbatim.
func NewVector(names []string, values []float64) (Vector, error) {
	if len(names) != len(values) {
		return Vector{}, ErrShapeMismatch
	}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			return Vector{}, ErrEmptyName
		}
		if _, ok := seen[n]; ok {
			return Vector{}, ErrDuplicatePillar
		}
		seen[n] = struct{}{}
	}
	return Vector{
		names:  append([]string(nil), names...),
		values: append([]float64(nil), values...),
	}, nil
}

// Len returns the number of pillars in the snapshot.
func (v Vector) Len() int { return len(v.values) }

// Name returns the pillar name at position i.
func (v Vector) Name(i int) string { return v.names[i] }

// At returns the activation at position i.
func (v Vector) At(i int) float64 { return v.values[i] }

// Value looks a pillar up by name.
func (v Vector) Value(name string) (float64, bool) {
	for i, n := range v.names {
		if n == name {
			return v.values[i], true
		}
	}
	return 0, false
}

// Names returns a copy of the pillar names in snapshot order.
func (v Vector) Names() []string {
	return append([]string(nil), v.names...)
}

// Values returns a copy of the activations in snapshot order.
func (v Vector) Values() []float64 {
	return append([]float64(nil), v.values...)
}

// Map returns the snapshot as a name → value map.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.values))
	for i, n := range v.names {
		m[n] = v.values[i]
	}
	return m
}

// Finite reports whether every activation is a finite number.
func (v Vector) Finite() bool {
	for _, x := range v.values {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Equal reports whether two snapshots hold the same pillars, in the same
// order, with identical values.
func (v Vector) Equal(o Vector) bool {
	if len(v.values) != len(o.values) {
		return false
	}
	for i := range v.values {
		if v.names[i] != o.names[i] || v.values[i] != o.values[i] {
			return false
		}
	}
	return true
}

// withValues returns a vector sharing v's names with a fresh value slice.
func (v Vector) withValues(values []float64) Vector {
	return Vector{names: v.names, values: values}
}

// #endregion vector

// #region helpers
func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return x
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// #endregion helpers
