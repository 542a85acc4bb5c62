package mpc

import (
	"github.com/san-kum/dynmpc/internal/colloc"
	"github.com/san-kum/dynmpc/internal/dynamo"
)

// Settings are the structural options fixed at Setup.
type Settings struct {
	NHorizon          int           `yaml:"n_horizon" json:"n_horizon"`
	NRobust           int           `yaml:"n_robust" json:"n_robust"`
	TStep             float64       `yaml:"t_step" json:"t_step"`
	Collocation       colloc.Config `yaml:"collocation" json:"collocation"`
	StoreFullSolution bool          `yaml:"store_full_solution" json:"store_full_solution"`
	// ColdStart disables seeding each solve with the previous solution.
	ColdStart bool `yaml:"cold_start" json:"cold_start"`
}

func DefaultSettings() Settings {
	return Settings{
		NHorizon:    20,
		NRobust:     1,
		Collocation: colloc.DefaultConfig(),
	}
}

func (s Settings) Validate() error {
	if s.NHorizon <= 0 {
		return dynamo.Configf("n_horizon must be positive, got %d", s.NHorizon)
	}
	if s.NRobust < 0 || s.NRobust > s.NHorizon {
		return dynamo.Configf("n_robust must be in [0, n_horizon=%d], got %d", s.NHorizon, s.NRobust)
	}
	if !(s.TStep > 0) {
		return dynamo.Configf("t_step must be positive, got %g", s.TStep)
	}
	return s.Collocation.Validate()
}

type phase int

const (
	unconfigured phase = iota
	configured
	built
	ready
)

func (p phase) String() string {
	switch p {
	case unconfigured:
		return "unconfigured"
	case configured:
		return "configured"
	case built:
		return "built"
	case ready:
		return "ready"
	default:
		return "unknown"
	}
}
