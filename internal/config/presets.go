package config

import (
	"sort"

	"github.com/san-kum/dynmpc/internal/closedloop"
	"github.com/san-kum/dynmpc/internal/colloc"
	"github.com/san-kum/dynmpc/internal/estimator"
	"github.com/san-kum/dynmpc/internal/mpc"
)

func preset(modify func(c *Config)) *Config {
	c := DefaultConfig()
	modify(c)
	return c
}

var Presets = map[string]map[string]*Config{
	"cstr": {
		"robust": preset(func(c *Config) {
			c.Model = "cstr"
			c.MPC = mpc.Settings{
				NHorizon:          20,
				NRobust:           1,
				Collocation:       colloc.Config{Degree: 2, Elements: 2, Family: colloc.Radau},
				StoreFullSolution: true,
			}
		}),
		"nominal": preset(func(c *Config) {
			c.Model = "cstr"
			c.MPC = mpc.Settings{
				NHorizon:    20,
				NRobust:     0,
				Collocation: colloc.Config{Degree: 2, Elements: 2, Family: colloc.Radau},
			}
		}),
		"hold": preset(func(c *Config) {
			c.Model = "cstr"
			c.Steps = 100
			c.Policy = closedloop.Hold
			c.MPC.NRobust = 1
			c.EnsembleCheck = true
		}),
	},
	"spring_mass": {
		"track": preset(func(c *Config) {
			c.Model = "spring_mass"
			c.Steps = 60
			c.Estimator = "mhe"
			c.MPC = mpc.Settings{
				NHorizon:    15,
				NRobust:     1,
				Collocation: colloc.Config{Degree: 2, Elements: 1, Family: colloc.Radau},
			}
			c.MHE = estimator.MHEConfig{
				NHorizon:    8,
				Collocation: colloc.Config{Degree: 3, Elements: 2, Family: colloc.Radau},
				PX:          []float64{1e-2, 1e-2},
				PV:          []float64{1e2},
			}
		}),
	},
	"pendulum": {
		"stabilize": preset(func(c *Config) {
			c.Model = "pendulum"
			c.Steps = 80
			c.MPC = mpc.Settings{
				NHorizon:    20,
				NRobust:     1,
				Collocation: colloc.Config{Degree: 3, Elements: 1, Family: colloc.Legendre},
			}
		}),
		"auglag": preset(func(c *Config) {
			c.Model = "pendulum"
			c.Steps = 40
			c.Solver = "auglag"
			c.MPC = mpc.Settings{
				NHorizon:    10,
				NRobust:     0,
				Collocation: colloc.Config{Degree: 2, Elements: 1, Family: colloc.Radau},
			}
		}),
	},
}

// GetPreset returns a copy of a preset, or nil.
func GetPreset(model, preset string) *Config {
	modelPresets, ok := Presets[model]
	if !ok {
		return nil
	}
	cfg, ok := modelPresets[preset]
	if !ok {
		return nil
	}
	out := *cfg
	return &out
}

func ListPresets(model string) []string {
	modelPresets, ok := Presets[model]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(modelPresets))
	for name := range modelPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PresetModels lists the models that have presets.
func PresetModels() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
