// Package config loads gravity controller settings from YAML with
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/gravity-controller/internal/fabric"
	"github.com/danielpatrickdp/gravity-controller/internal/gravity"
	"github.com/danielpatrickdp/gravity-controller/internal/pillar"
)

var validate = validator.New()

// #region types
// Config is the full controller configuration.
type Config struct {
	Gravity   Gravity                       `yaml:"gravity" json:"gravity"`
	Pillars   []Pillar                      `yaml:"pillars" json:"pillars" validate:"dive"`
	Couplings map[string]map[string]float64 `yaml:"couplings" json:"couplings"`
	Store     Store                         `yaml:"store" json:"store"`
	Server    Server                        `yaml:"server" json:"server"`
	Log       Log                           `yaml:"log" json:"log"`
}

// Gravity configures the engine and fabric.
type Gravity struct {
	LearningRate        float64  `yaml:"learning_rate" json:"learning_rate" validate:"gt=0"`
	Momentum            float64  `yaml:"momentum" json:"momentum" validate:"gte=0,lt=1"`
	MaxCorrection       float64  `yaml:"max_correction" json:"max_correction" validate:"gt=0"`
	TripMagnitude       float64  `yaml:"trip_magnitude" json:"trip_magnitude" validate:"gt=0"`
	TripCount           int      `yaml:"trip_count" json:"trip_count" validate:"gte=1"`
	CooldownSteps       int      `yaml:"cooldown_steps" json:"cooldown_steps" validate:"gte=0"`
	HistoryWindow       int      `yaml:"history_window" json:"history_window" validate:"gte=1,lte=4096"`
	LargeErrorThreshold float64  `yaml:"large_error_threshold" json:"large_error_threshold" validate:"gt=0"`
	Schedule            Schedule `yaml:"schedule" json:"schedule"`
	EnabledVariables    []string `yaml:"enabled_variables" json:"enabled_variables" validate:"unique,dive,required"`
	TraceCapacity       int      `yaml:"trace_capacity" json:"trace_capacity" validate:"gte=0"`
	ErrorMode           string   `yaml:"error_mode" json:"error_mode" validate:"omitempty,oneof=residual causal"`
}

// Schedule selects the learning-rate strategy.
type Schedule struct {
	Kind   string  `yaml:"kind" json:"kind" validate:"omitempty,oneof=constant inverse step"`
	Decay  float64 `yaml:"decay" json:"decay" validate:"gte=0"`
	Factor float64 `yaml:"factor" json:"factor" validate:"gte=0,lte=1"`
	Every  int     `yaml:"every" json:"every" validate:"gte=0"`
	Floor  float64 `yaml:"floor" json:"floor" validate:"gte=0"`
}

// Pillar registers one pillar. A nil Initial uses pillar.DefaultInitial.
type Pillar struct {
	Name    string   `yaml:"name" json:"name" validate:"required"`
	Initial *float64 `yaml:"initial" json:"initial"`
}

// Store locates the snapshot database.
type Store struct {
	Path string `yaml:"path" json:"path"`
}

// Server configures `gravity serve`.
type Server struct {
	Addr        string        `yaml:"addr" json:"addr" validate:"required"`
	MetricsAddr string        `yaml:"metrics_addr" json:"metrics_addr"`
	Refresh     time.Duration `yaml:"refresh" json:"refresh" validate:"gte=0"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
}

// #endregion types

// #region defaults
// Default returns the built-in configuration.
func Default() Config {
	g := gravity.DefaultConfig()
	return Config{
		Gravity: Gravity{
			LearningRate:        g.LearningRate,
			Momentum:            g.Momentum,
			MaxCorrection:       g.MaxCorrection,
			TripMagnitude:       g.TripMagnitude,
			TripCount:           g.TripCount,
			CooldownSteps:       g.CooldownSteps,
			HistoryWindow:       g.HistoryWindow,
			LargeErrorThreshold: g.LargeErrorThreshold,
			Schedule:            Schedule{Kind: "constant"},
			TraceCapacity:       fabric.DefaultTraceCapacity,
			ErrorMode:           string(fabric.ErrorResidual),
		},
		Store:  Store{Path: "gravity.db"},
		Server: Server{Addr: "localhost:50061", MetricsAddr: "localhost:9461", Refresh: 5 * time.Second},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// #endregion defaults

// #region load
// Load reads path over the defaults, applies environment overrides and
// validates. An empty path uses defaults plus environment only.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// applyEnv overrides selected fields from GRAVITY_* variables.
func (c *Config) applyEnv() error {
	c.Store.Path = envOr("GRAVITY_DB", c.Store.Path)
	c.Server.Addr = envOr("GRAVITY_ADDR", c.Server.Addr)
	c.Server.MetricsAddr = envOr("GRAVITY_METRICS_ADDR", c.Server.MetricsAddr)
	c.Log.Level = envOr("GRAVITY_LOG_LEVEL", c.Log.Level)
	if v := os.Getenv("GRAVITY_LEARNING_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse GRAVITY_LEARNING_RATE: %w", err)
		}
		c.Gravity.LearningRate = f
	}
	return nil
}

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Pillars))
	for _, p := range c.Pillars {
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("invalid config: pillar %s listed twice", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	if err := c.checkCouplings(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Gravity.EngineConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// checkCouplings rejects coupling targets and sources that are not
// configured pillars.
func (c Config) checkCouplings() error {
	known := make(map[string]bool, len(c.Pillars))
	for _, p := range c.Pillars {
		known[p.Name] = true
	}
	targets := make([]string, 0, len(c.Couplings))
	for t := range c.Couplings {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	for _, t := range targets {
		if !known[t] {
			return fmt.Errorf("coupling target %s: %w", t, pillar.ErrUnknownPillar)
		}
		sources := make([]string, 0, len(c.Couplings[t]))
		for s := range c.Couplings[t] {
			sources = append(sources, s)
		}
		sort.Strings(sources)
		for _, s := range sources {
			if !known[s] {
				return fmt.Errorf("coupling %s <- %s: %w", t, s, pillar.ErrUnknownPillar)
			}
		}
	}
	return nil
}

// #endregion load

// #region conversions
// EngineConfig converts the gravity section to a validated engine config.
func (g Gravity) EngineConfig() (gravity.Config, error) {
	ec := gravity.Config{
		LearningRate:        g.LearningRate,
		Momentum:            g.Momentum,
		MaxCorrection:       g.MaxCorrection,
		TripMagnitude:       g.TripMagnitude,
		TripCount:           g.TripCount,
		CooldownSteps:       g.CooldownSteps,
		HistoryWindow:       g.HistoryWindow,
		LargeErrorThreshold: g.LargeErrorThreshold,
		Schedule:            g.Schedule.Build(),
	}
	if err := ec.Validate(); err != nil {
		return gravity.Config{}, err
	}
	return ec, nil
}

// FabricConfig converts the gravity section to a fabric config.
func (g Gravity) FabricConfig() (fabric.Config, error) {
	ec, err := g.EngineConfig()
	if err != nil {
		return fabric.Config{}, err
	}
	return fabric.Config{
		Engine:           ec,
		EnabledVariables: append([]string(nil), g.EnabledVariables...),
		TraceCapacity:    g.TraceCapacity,
		ErrorMode:        fabric.ErrorMode(g.ErrorMode),
	}, nil
}

// Build returns the schedule strategy named by Kind.
func (s Schedule) Build() gravity.LearningRateSchedule {
	switch s.Kind {
	case "inverse":
		return gravity.InverseDecaySchedule{Decay: s.Decay, Floor: s.Floor}
	case "step":
		return gravity.StepDecaySchedule{Factor: s.Factor, Every: s.Every, Floor: s.Floor}
	}
	return gravity.ConstantSchedule{}
}

// PillarSystem registers the configured pillars in order, with the
// coupling matrix as interaction model when one is configured.
func (c Config) PillarSystem() (*pillar.System, error) {
	if err := c.checkCouplings(); err != nil {
		return nil, err
	}
	var model pillar.InteractionModel
	if len(c.Couplings) > 0 {
		m, err := pillar.NewCouplingInteraction(c.Couplings)
		if err != nil {
			return nil, fmt.Errorf("couplings: %w", err)
		}
		model = m
	}
	s := pillar.NewSystem(model)
	for _, p := range c.Pillars {
		initial := pillar.DefaultInitial
		if p.Initial != nil {
			initial = *p.Initial
		}
		if err := s.Register(p.Name, initial); err != nil {
			return nil, fmt.Errorf("register pillar %s: %w", p.Name, err)
		}
	}
	return s, nil
}

// Fabric builds the pillar system and fabric described by c.
func (c Config) Fabric(opts ...fabric.Option) (*fabric.Fabric, error) {
	ps, err := c.PillarSystem()
	if err != nil {
		return nil, err
	}
	fc, err := c.Gravity.FabricConfig()
	if err != nil {
		return nil, err
	}
	return fabric.New(fc, ps, opts...)
}

// String renders c as JSON for logging.
func (c Config) String() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(b)
}

// #endregion conversions

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
