package pillar

import (
	"fmt"
	"sort"
)

// #region model
// InteractionModel adjusts a pillar snapshot for cross-pillar effects.
// Implementations must return a vector with the same pillars in the same
// order and must not retain or mutate the input.
type InteractionModel interface {
	Apply(v Vector) Vector
}

// Identity leaves activations unchanged.
type Identity struct{}

// Apply returns v as-is.
func (Identity) Apply(v Vector) Vector { return v }

// #endregion model

// #region matrix
// MatrixInteraction applies additive coupling between pillars:
//
//	p'[i] = p[i] + Σ_j M[i][j] · p[j]
//
// Row i is the pillar being adjusted and column j the pillar influencing it.
// Pillars present in a vector but absent from the matrix pass through.
type MatrixInteraction struct {
	names []string
	index map[string]int
	coeff [][]float64
}

// NewMatrixInteraction builds a dense n×n coupling over the given pillars.
func NewMatrixInteraction(names []string, coeff [][]float64) (*MatrixInteraction, error) {
	if len(coeff) != len(names) {
		return nil, fmt.Errorf("%d rows for %d pillars: %w", len(coeff), len(names), ErrInvalidInteraction)
	}
	index := make(map[string]int, len(names))
	for i, n := range names {
		if n == "" {
			return nil, ErrEmptyName
		}
		if _, ok := index[n]; ok {
			return nil, fmt.Errorf("pillar %s listed twice: %w", n, ErrInvalidInteraction)
		}
		index[n] = i
	}

	rows := make([][]float64, len(coeff))
	for i, row := range coeff {
		if len(row) != len(names) {
			return nil, fmt.Errorf("row %s has %d columns, want %d: %w", names[i], len(row), len(names), ErrInvalidInteraction)
		}
		for j, c := range row {
			if !isFinite(c) {
				return nil, fmt.Errorf("coefficient %s<-%s is %v: %w", names[i], names[j], c, ErrInvalidInteraction)
			}
		}
		rows[i] = append([]float64(nil), row...)
	}

	return &MatrixInteraction{
		names: append([]string(nil), names...),
		index: index,
		coeff: rows,
	}, nil
}

// NewCouplingInteraction builds a matrix from a sparse target → source →
// coefficient map, the shape configuration files use.
func NewCouplingInteraction(couplings map[string]map[string]float64) (*MatrixInteraction, error) {
	set := make(map[string]struct{})
	for target, sources := range couplings {
		set[target] = struct{}{}
		for source := range sources {
			set[source] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)

	pos := make(map[string]int, len(names))
	for i, n := range names {
		pos[n] = i
	}
	coeff := make([][]float64, len(names))
	for i := range coeff {
		coeff[i] = make([]float64, len(names))
	}
	for target, sources := range couplings {
		for source, c := range sources {
			coeff[pos[target]][pos[source]] = c
		}
	}
	return NewMatrixInteraction(names, coeff)
}

// Coefficient returns M[target][source], or 0 if either pillar is unknown.
func (m *MatrixInteraction) Coefficient(target, source string) float64 {
	i, ok := m.index[target]
	if !ok {
		return 0
	}
	j, ok := m.index[source]
	if !ok {
		return 0
	}
	return m.coeff[i][j]
}

// Apply computes the coupled activations. Output is not clamped here; the
// owning System clamps after every model.
func (m *MatrixInteraction) Apply(v Vector) Vector {
	// Map matrix columns onto vector positions once per call.
	cols := make([]int, len(m.names))
	for j, n := range m.names {
		cols[j] = -1
		for k := 0; k < v.Len(); k++ {
			if v.names[k] == n {
				cols[j] = k
				break
			}
		}
	}

	out := make([]float64, v.Len())
	for k := 0; k < v.Len(); k++ {
		out[k] = v.values[k]
		i, ok := m.index[v.names[k]]
		if !ok {
			continue
		}
		var delta float64
		for j, c := range m.coeff[i] {
			if c == 0 || cols[j] < 0 {
				continue
			}
			delta += c * v.values[cols[j]]
		}
		out[k] += delta
	}
	return v.withValues(out)
}

// #endregion matrix
