// Package config loads closed-loop run configurations from YAML.
package config

import (
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/dynmpc/internal/closedloop"
	"github.com/san-kum/dynmpc/internal/constraint"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/estimator"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/models"
	"github.com/san-kum/dynmpc/internal/mpc"
	"github.com/san-kum/dynmpc/internal/sim"
)

const (
	DefaultSteps     = 50
	DefaultMaxIter   = 100
	DefaultSolver    = "sqp"
	DefaultEstimator = "state_feedback"
)

type Config struct {
	Model     string            `yaml:"model"`
	Steps     int               `yaml:"steps"`
	Policy    closedloop.Policy `yaml:"policy"`
	Solver    string            `yaml:"solver"`
	Estimator string            `yaml:"estimator"`
	// TStep overrides the model's sampling period for the optimizer, the
	// simulator and the estimator alike. Zero keeps the model default.
	TStep     float64             `yaml:"t_step"`
	MPC       mpc.Settings        `yaml:"mpc"`
	Simulator sim.Config          `yaml:"simulator"`
	MHE       estimator.MHEConfig `yaml:"mhe"`
	NLP       NLPConfig           `yaml:"nlp"`

	InitState   []float64            `yaml:"init_state,omitempty"`
	Uncertainty map[string][]float64 `yaml:"uncertainty_values,omitempty"`
	RTerm       map[string]float64   `yaml:"rterm,omitempty"`
	Bounds      []BoundConfig        `yaml:"bounds,omitempty"`
	Scaling     []ScalingConfig      `yaml:"scaling,omitempty"`
	Constraints map[string]SoftConfig `yaml:"constraints,omitempty"`
	// EnsembleCheck replays the applied controls under every realization
	// combination after the run.
	EnsembleCheck bool `yaml:"ensemble_check"`
}

type NLPConfig struct {
	MaxIter int           `yaml:"max_iter"`
	Timeout time.Duration `yaml:"timeout"`
}

type BoundConfig struct {
	Type  string    `yaml:"type"`
	Name  string    `yaml:"name"`
	Lower []float64 `yaml:"lower"`
	Upper []float64 `yaml:"upper"`
}

type ScalingConfig struct {
	Type   string  `yaml:"type"`
	Name   string  `yaml:"name"`
	Factor float64 `yaml:"factor"`
}

// SoftConfig overrides the bound, side or penalty weight of a named
// nonlinear constraint.
type SoftConfig struct {
	Bound  *float64 `yaml:"bound,omitempty"`
	Side   string   `yaml:"side,omitempty"`
	Weight *float64 `yaml:"penalty_weight,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Model:     "cstr",
		Steps:     DefaultSteps,
		Policy:    closedloop.Abort,
		Solver:    DefaultSolver,
		Estimator: DefaultEstimator,
		MPC:       mpc.DefaultSettings(),
		Simulator: sim.DefaultConfig(),
		MHE:       estimator.DefaultMHEConfig(),
		NLP:       NLPConfig{MaxIter: DefaultMaxIter},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, dynamo.Configf("parse run configuration: %v", err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the options that do not depend on the model. Structural
// options are validated again by the components that consume them.
func (c *Config) Validate() error {
	if _, err := models.Get(c.Model); err != nil {
		return err
	}
	if c.Steps <= 0 {
		return dynamo.Configf("steps must be positive, got %d", c.Steps)
	}
	if c.TStep < 0 {
		return dynamo.Configf("t_step must not be negative, got %g", c.TStep)
	}
	switch c.Solver {
	case "sqp", "auglag":
	default:
		return dynamo.Configf("unknown solver %q", c.Solver)
	}
	switch c.Estimator {
	case "state_feedback", "mhe":
	default:
		return dynamo.Configf("unknown estimator %q", c.Estimator)
	}
	if c.NLP.MaxIter < 0 || c.NLP.Timeout < 0 {
		return dynamo.Configf("nlp budget must not be negative")
	}
	for _, b := range c.Bounds {
		if _, err := model.ParseVarType(b.Type); err != nil {
			return err
		}
	}
	for _, s := range c.Scaling {
		if _, err := model.ParseVarType(s.Type); err != nil {
			return err
		}
		if !(s.Factor > 0) || math.IsInf(s.Factor, 0) {
			return dynamo.Configf("scaling factor of %q must be positive and finite, got %g", s.Name, s.Factor)
		}
	}
	return nil
}

// ApplyBounds merges the bound overrides into base. An override replaces
// every earlier bound of the same variable.
func (c *Config) ApplyBounds(base []constraint.Bound) ([]constraint.Bound, error) {
	out := append([]constraint.Bound(nil), base...)
	for _, bc := range c.Bounds {
		t, err := model.ParseVarType(bc.Type)
		if err != nil {
			return nil, err
		}
		b := constraint.Bound{Type: t, Name: bc.Name, Lower: bc.Lower, Upper: bc.Upper}
		replaced := false
		for i := range out {
			if out[i].Type == t && out[i].Name == bc.Name {
				out[i] = b
				replaced = true
			}
		}
		if !replaced {
			out = append(out, b)
		}
	}
	return out, nil
}

// ApplyScaling merges the scaling overrides into base the way ApplyBounds
// merges bounds.
func (c *Config) ApplyScaling(base []constraint.Scaling) ([]constraint.Scaling, error) {
	out := append([]constraint.Scaling(nil), base...)
	for _, sc := range c.Scaling {
		t, err := model.ParseVarType(sc.Type)
		if err != nil {
			return nil, err
		}
		s := constraint.Scaling{Type: t, Name: sc.Name, Factor: sc.Factor}
		replaced := false
		for i := range out {
			if out[i].Type == t && out[i].Name == sc.Name {
				out[i] = s
				replaced = true
			}
		}
		if !replaced {
			out = append(out, s)
		}
	}
	return out, nil
}

// ApplyConstraints overrides bounds and penalty weights of named specs. A
// weight turns a hard constraint soft.
func (c *Config) ApplyConstraints(base []constraint.Spec) ([]constraint.Spec, error) {
	out := append([]constraint.Spec(nil), base...)
	for name, sc := range c.Constraints {
		found := false
		for i := range out {
			if out[i].Name != name {
				continue
			}
			found = true
			if sc.Bound != nil {
				out[i].Bound = *sc.Bound
			}
			if sc.Side != "" {
				side, err := constraint.ParseSide(sc.Side)
				if err != nil {
					return nil, err
				}
				out[i].Side = side
			}
			if sc.Weight != nil {
				out[i].Kind = constraint.Soft{Weight: *sc.Weight}
			}
		}
		if !found {
			return nil, dynamo.Configf("override for unknown constraint %q", name)
		}
	}
	return out, nil
}
