package sim

import (
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/integrators"
)

// Config controls plant integration over one sampling interval.
type Config struct {
	TStep      float64 `yaml:"t_step" json:"t_step"`
	AbsTol     float64 `yaml:"abstol" json:"abstol"`
	RelTol     float64 `yaml:"reltol" json:"reltol"`
	MaxSteps   int     `yaml:"max_steps" json:"max_steps"`
	Integrator string  `yaml:"integrator" json:"integrator"`
	// Substeps is the number of fixed steps per interval for rk4.
	Substeps int `yaml:"substeps" json:"substeps"`
}

func DefaultConfig() Config {
	return Config{
		AbsTol:     1e-10,
		RelTol:     1e-10,
		MaxSteps:   integrators.DefaultMaxSteps,
		Integrator: "rk45",
		Substeps:   10,
	}
}

func (c Config) Validate() error {
	if !(c.TStep > 0) {
		return dynamo.Configf("simulator t_step must be positive, got %g", c.TStep)
	}
	if !(c.AbsTol > 0) || !(c.RelTol > 0) {
		return dynamo.Configf("simulator tolerances must be positive, got abstol=%g reltol=%g", c.AbsTol, c.RelTol)
	}
	if c.MaxSteps < 1 {
		return dynamo.Configf("simulator max_steps must be positive, got %d", c.MaxSteps)
	}
	if c.Integrator == "rk4" && c.Substeps < 1 {
		return dynamo.Configf("simulator substeps must be positive, got %d", c.Substeps)
	}
	return nil
}

func (c Config) integrator() (dynamo.Integrator, error) {
	in, err := integrators.New(c.Integrator)
	if err != nil {
		return nil, err
	}
	switch v := in.(type) {
	case *integrators.RK45:
		v.AbsTol, v.RelTol, v.MaxSteps = c.AbsTol, c.RelTol, c.MaxSteps
		v.InitialStep = c.TStep / 10
	case *integrators.RK4:
		v.Substeps = c.Substeps
	}
	return in, nil
}

// ParamFunc returns the parameter snapshot for time t.
type ParamFunc func(t float64) []float64
