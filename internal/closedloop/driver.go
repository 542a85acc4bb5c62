// Package closedloop runs the optimizer, the plant simulator and the
// estimator in lockstep and records every step.
package closedloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/san-kum/dynmpc/internal/data"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/estimator"
)

// Controller computes the control for the current state estimate.
type Controller interface {
	MakeStep(ctx context.Context, x0 []float64) ([]float64, error)
}

// Plant advances the process over one sampling period and returns the
// measurement taken at its end.
type Plant interface {
	MakeStep(u []float64, tNow float64) ([]float64, error)
}

// AuxFunc evaluates the auxiliary expressions recorded with each step.
type AuxFunc func(x, u []float64, t float64) ([]float64, error)

// clock is implemented by components that track the loop time themselves.
type clock interface {
	SetTime(t float64)
}

// Policy decides what happens when a component fails during the loop.
type Policy int

const (
	// Abort stops the run at the first failure.
	Abort Policy = iota
	// Hold reuses the last valid control, measurement and estimate, marks
	// the step degraded and continues.
	Hold
)

func (p Policy) String() string {
	switch p {
	case Abort:
		return "abort"
	case Hold:
		return "hold"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return Abort, nil
	case "hold":
		return Hold, nil
	default:
		return Abort, dynamo.Configf("unknown failure policy %q", s)
	}
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Config struct {
	Steps  int     `yaml:"steps" json:"steps"`
	TStep  float64 `yaml:"t_step" json:"t_step"`
	T0     float64 `yaml:"t0" json:"t0"`
	Policy Policy  `yaml:"policy" json:"policy"`
}

func (c Config) Validate() error {
	if c.Steps <= 0 {
		return dynamo.Configf("steps must be positive, got %d", c.Steps)
	}
	if !(c.TStep > 0) {
		return dynamo.Configf("t_step must be positive, got %g", c.TStep)
	}
	if c.Policy != Abort && c.Policy != Hold {
		return dynamo.Configf("unknown failure policy %d", int(c.Policy))
	}
	return nil
}

// Failure is one component failure seen by the driver.
type Failure struct {
	Step      int         `json:"step"`
	Time      float64     `json:"time"`
	Component string      `json:"component"`
	Kind      dynamo.Kind `json:"kind"`
	Err       error       `json:"-"`
}

func (f Failure) String() string {
	return fmt.Sprintf("step %d (t=%.4f): %s failed [%s]: %v", f.Step, f.Time, f.Component, f.Kind, f.Err)
}

type Report struct {
	Steps    int
	Failures []Failure
	Metrics  map[string]float64
	Duration time.Duration
}

// Degraded reports whether any step ran on held values.
func (r *Report) Degraded() bool { return len(r.Failures) > 0 }

type Driver struct {
	ctrl      Controller
	plant     Plant
	est       estimator.Estimator
	log       *data.Log
	aux       AuxFunc
	predict   func() []data.Prediction
	metrics   []dynamo.Metric
	observers []dynamo.Observer
	logger    *slog.Logger
}

type Option func(*Driver)

func WithAux(fn AuxFunc) Option {
	return func(d *Driver) { d.aux = fn }
}

// WithPredictions records the tree predictions returned by fn after every
// successful optimizer step.
func WithPredictions(fn func() []data.Prediction) Option {
	return func(d *Driver) { d.predict = fn }
}

func WithMetrics(m ...dynamo.Metric) Option {
	return func(d *Driver) { d.metrics = append(d.metrics, m...) }
}

func WithObservers(o ...dynamo.Observer) Option {
	return func(d *Driver) { d.observers = append(d.observers, o...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

func New(ctrl Controller, plant Plant, est estimator.Estimator, log *data.Log, opts ...Option) *Driver {
	d := &Driver{ctrl: ctrl, plant: plant, est: est, log: log}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With(slog.String("component", "driver"))
	return d
}

func (d *Driver) Log() *data.Log { return d.log }

// Run executes cfg.Steps iterations starting from the estimate x0. Each
// iteration runs the optimizer, the plant and the estimator in that order
// and appends one log entry before the next iteration starts.
func (d *Driver) Run(ctx context.Context, x0 []float64, cfg Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.ctrl == nil || d.plant == nil || d.est == nil || d.log == nil {
		return nil, dynamo.Configf("driver needs an optimizer, a simulator, an estimator and a log")
	}
	if err := dynamo.CheckLen("initial estimate", x0, d.log.Schema().NX); err != nil {
		return nil, err
	}
	for _, m := range d.metrics {
		m.Reset()
	}

	start := time.Now()
	report := &Report{Metrics: make(map[string]float64)}
	defer func() {
		report.Duration = time.Since(start)
		for _, m := range d.metrics {
			report.Metrics[m.Name()] = m.Value()
		}
	}()

	x := append([]float64(nil), x0...)
	t := cfg.T0
	var lastU, lastY []float64

	for k := 0; k < cfg.Steps; k++ {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		entry := data.Entry{Step: k, Time: t, State: x}
		var failures []string

		fail := func(component string, err error, held []float64) error {
			f := Failure{Step: k, Time: t, Component: component, Kind: dynamo.KindOf(err), Err: err}
			report.Failures = append(report.Failures, f)
			failures = append(failures, f.String())
			d.logger.Warn("step failed",
				slog.Int("step", k),
				slog.Float64("t", t),
				slog.String("failed", component),
				slog.String("kind", f.Kind.String()),
				slog.Any("err", err),
			)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			stepErr := &dynamo.StepError{Step: k, Time: t, Component: component, Wrapped: err}
			if cfg.Policy == Abort || held == nil {
				return stepErr
			}
			switch f.Kind {
			case dynamo.KindConfiguration, dynamo.KindDimension:
				return stepErr
			}
			return nil
		}

		if c, ok := d.ctrl.(clock); ok {
			c.SetTime(t)
		}
		u, err := d.ctrl.MakeStep(ctx, x)
		if err != nil {
			if err := fail("optimizer", err, lastU); err != nil {
				return report, err
			}
			u = lastU
		} else if d.predict != nil {
			entry.Predictions = d.predict()
		}

		if obs, ok := d.est.(estimator.InputObserver); ok {
			obs.ObserveInput(u)
		}
		next := x
		y, err := d.plant.MakeStep(u, t)
		if err != nil {
			if err := fail("simulator", err, lastY); err != nil {
				return report, err
			}
			y = lastY
		} else {
			if c, ok := d.est.(clock); ok {
				c.SetTime(t)
			}
			est, err := d.est.MakeStep(y)
			if err != nil {
				if err := fail("estimator", err, x); err != nil {
					return report, err
				}
			} else {
				next = est
			}
		}

		entry.Input = u
		entry.Measurement = y
		entry.Estimate = next
		if d.aux != nil {
			if aux, err := d.aux(x, u, t); err == nil {
				entry.Aux = aux
			}
		}
		if len(failures) > 0 {
			entry.Degraded = true
			entry.Failure = strings.Join(failures, "; ")
		}
		if err := d.log.Append(entry); err != nil {
			return report, &dynamo.StepError{Step: k, Time: t, Component: "recorder", Wrapped: err}
		}

		for _, m := range d.metrics {
			m.Observe(x, u, t)
		}
		for _, o := range d.observers {
			o.OnStep(x, u, t)
		}

		report.Steps++
		x = append([]float64(nil), next...)
		lastU, lastY = u, y
		t += cfg.TStep
	}

	d.logger.Info("run complete",
		slog.Int("steps", report.Steps),
		slog.Int("failures", len(report.Failures)),
	)
	return report, nil
}
