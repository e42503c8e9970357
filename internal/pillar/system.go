package pillar

import (
	"fmt"
	"sort"
)

// #region system
// System holds the current pillar activations and the interaction model
// applied to them. It is not safe for concurrent use; each simulation owns
// its own System.
type System struct {
	index  map[string]int
	names  []string // replaced, never appended in place, so vectors can share it
	values []float64
	model  InteractionModel
}

// NewSystem creates an empty pillar system. A nil model means pillars do
// not interact.
func NewSystem(model InteractionModel) *System {
	if model == nil {
		model = Identity{}
	}
	return &System{
		index: make(map[string]int),
		model: model,
	}
}

// #endregion system

// #region register
// Register adds a pillar with the given initial activation (clamped).
// Registering a name twice fails with ErrDuplicatePillar; use Reinitialize
// to deliberately reset an existing pillar.
func (s *System) Register(name string, initial float64) error {
	if name == "" {
		return ErrEmptyName
	}
	if !isFinite(initial) {
		return fmt.Errorf("register %s: %w", name, ErrInvalidPillarValue)
	}
	if _, ok := s.index[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrDuplicatePillar)
	}

	names := make([]string, len(s.names), len(s.names)+1)
	copy(names, s.names)
	s.names = append(names, name)
	s.values = append(s.values, clamp01(initial))
	s.index[name] = len(s.names) - 1
	return nil
}

// Reinitialize registers name if it is new, or overwrites its activation
// if it already exists.
func (s *System) Reinitialize(name string, value float64) error {
	if _, ok := s.index[name]; !ok {
		return s.Register(name, value)
	}
	return s.Set(name, value)
}

// #endregion register

// #region read-write
// Set writes a pillar activation, clamped into [0, 1].
func (s *System) Set(name string, value float64) error {
	i, ok := s.index[name]
	if !ok {
		return fmt.Errorf("set %s: %w", name, ErrUnknownPillar)
	}
	if !isFinite(value) {
		return fmt.Errorf("set %s=%v: %w", name, value, ErrInvalidPillarValue)
	}
	s.values[i] = clamp01(value)
	return nil
}

// SetAll applies a batch of writes. Every entry is validated first so a bad
// value leaves all pillars untouched.
func (s *System) SetAll(values map[string]float64) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, ok := s.index[k]; !ok {
			return fmt.Errorf("set %s: %w", k, ErrUnknownPillar)
		}
		if !isFinite(values[k]) {
			return fmt.Errorf("set %s=%v: %w", k, values[k], ErrInvalidPillarValue)
		}
	}
	for _, k := range keys {
		s.values[s.index[k]] = clamp01(values[k])
	}
	return nil
}

// Get returns the current activation of a pillar.
func (s *System) Get(name string) (float64, error) {
	i, ok := s.index[name]
	if !ok {
		return 0, fmt.Errorf("get %s: %w", name, ErrUnknownPillar)
	}
	return s.values[i], nil
}

// Index returns the closed index assigned to name at registration.
func (s *System) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Names returns the registered pillar names in registration order.
func (s *System) Names() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of registered pillars.
func (s *System) Len() int { return len(s.names) }

// #endregion read-write

// #region snapshot
// Vector captures the current activations. The result is a copy: later
// writes to the system never change a vector already handed out.
func (s *System) Vector() Vector {
	return Vector{
		names:  s.names,
		values: append([]float64(nil), s.values...),
	}
}

// ApplyInteractions runs v through the interaction model and re-clamps the
// result into [0, 1]. It is a pure function of v and the model; the
// system's own activations are not read or written.
func (s *System) ApplyInteractions(v Vector) Vector {
	out := s.model.Apply(v)
	if out.Len() != v.Len() {
		// A model must not add or drop pillars; fall back to the input.
		return v
	}
	values := out.Values()
	for i := range values {
		values[i] = clamp01(values[i])
	}
	return v.withValues(values)
}

// #endregion snapshot
