package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/gravity-controller/internal/config"
	"github.com/danielpatrickdp/gravity-controller/internal/eval"
	"github.com/danielpatrickdp/gravity-controller/internal/fabric"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a retrodiction fixture.
type Fixture struct {
	Description     string                        `json:"description"`
	Config          config.Gravity                `json:"config"`
	EvalConfig      eval.EvalConfig               `json:"eval_config"`
	Pillars         []config.Pillar               `json:"pillars"`
	Couplings       map[string]map[string]float64 `json:"couplings,omitempty"`
	Steps           []FixtureStep                 `json:"steps"`
	ExpectedResults []FixtureExpectedResult       `json:"expected_results"`
}

// FixtureStep is one simulation step. Pillars are written before the step;
// toggles and breaker resets are applied before correction. Truth, when
// present, is learned from after correction.
type FixtureStep struct {
	StepID        string             `json:"step_id"`
	Pillars       map[string]float64 `json:"pillars,omitempty"`
	Causal        map[string]float64 `json:"causal"`
	Truth         map[string]float64 `json:"truth,omitempty"`
	Disable       []string           `json:"disable,omitempty"`
	Enable        []string           `json:"enable,omitempty"`
	ResetBreakers []string           `json:"reset_breakers,omitempty"`
}

// FixtureExpectedResult captures the expected outcome for one variable at
// one step. Corrected is checked within Tolerance when set.
type FixtureExpectedResult struct {
	StepID    string   `json:"step_id"`
	Variable  string   `json:"variable"`
	Action    string   `json:"action"`
	Corrected *float64 `json:"corrected,omitempty"`
	Tolerance float64  `json:"tolerance,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	f, err := ParseFixture(data)
	if err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return f, nil
}

// ParseFixture decodes a fixture over the default configuration, so a
// fixture only lists the settings it changes.
func ParseFixture(data []byte) (*Fixture, error) {
	f := Fixture{
		Config:     config.Default().Gravity,
		EvalConfig: eval.DefaultEvalConfig(),
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ToConfig converts the fixture settings to a validated controller config.
func (f *Fixture) ToConfig() (config.Config, error) {
	c := config.Default()
	c.Gravity = f.Config
	c.Pillars = f.Pillars
	c.Couplings = f.Couplings
	if err := c.Validate(); err != nil {
		return config.Config{}, err
	}
	return c, nil
}

// Build creates a fresh fabric for the fixture.
func (f *Fixture) Build(opts ...fabric.Option) (*fabric.Fabric, error) {
	c, err := f.ToConfig()
	if err != nil {
		return nil, err
	}
	return c.Fabric(opts...)
}

// #endregion fixture-loader
