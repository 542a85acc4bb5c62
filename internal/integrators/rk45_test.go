package integrators

import (
	"errors"
	"math"
	"testing"

	"github.com/san-kum/dynmpc/internal/dynamo"
)

type harmonicOscillator struct{}

func (h *harmonicOscillator) StateDim() int   { return 2 }
func (h *harmonicOscillator) ControlDim() int { return 0 }

func (h *harmonicOscillator) Derive(x dynamo.State, u dynamo.Control, t float64) dynamo.State {
	return dynamo.State{x[1], -x[0]}
}

func (h *harmonicOscillator) Energy(x dynamo.State) float64 {
	return 0.5 * (x[0]*x[0] + x[1]*x[1])
}

func TestRK45_Accuracy(t *testing.T) {
	integrator := NewRK45()
	integrator.AbsTol, integrator.RelTol = 1e-10, 1e-10
	dyn := &harmonicOscillator{}

	x, err := integrator.Integrate(dyn, dynamo.State{1, 0}, nil, 0, 2*math.Pi)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(x[0]-1) > 1e-7 || math.Abs(x[1]) > 1e-7 {
		t.Errorf("expected to return to [1 0] after one period, got %v", x)
	}
}

func TestRK45_EnergyConservation(t *testing.T) {
	integrator := NewRK45()
	dyn := &harmonicOscillator{}
	x0 := dynamo.State{1.0, 0.0}

	initialEnergy := dyn.Energy(x0)
	x := x0.Clone()
	dt := 0.1

	for i := 0; i < 1000; i++ {
		var err error
		x, err = integrator.Integrate(dyn, x, nil, float64(i)*dt, float64(i+1)*dt)
		if err != nil {
			t.Fatal(err)
		}
	}

	drift := math.Abs(dyn.Energy(x)-initialEnergy) / initialEnergy
	if drift > 1e-4 {
		t.Errorf("RK45 energy drift too high: %e", drift)
	}
}

func TestRK45_ZeroSpan(t *testing.T) {
	x0 := dynamo.State{1, 2}
	x, err := NewRK45().Integrate(&harmonicOscillator{}, x0, nil, 3, 3)
	if err != nil {
		t.Fatal(err)
	}
	x[0] = 5
	if x0[0] != 1 {
		t.Error("Integrate must not alias its input")
	}
}

func TestRK45_Failures(t *testing.T) {
	blowUp := dynamo.SystemFunc{
		F:  func(x dynamo.State, _ dynamo.Control, _ float64) dynamo.State { return dynamo.State{x[0] * x[0]} },
		NX: 1,
	}
	if _, err := NewRK45().Integrate(blowUp, dynamo.State{1}, nil, 0, 2); !errors.Is(err, dynamo.ErrIntegration) {
		t.Errorf("finite time blow-up: got %v", err)
	}

	budget := NewRK45()
	budget.MaxSteps = 3
	budget.AbsTol, budget.RelTol = 1e-12, 1e-12
	if _, err := budget.Integrate(&harmonicOscillator{}, dynamo.State{1, 0}, nil, 0, 100); !errors.Is(err, dynamo.ErrIntegration) {
		t.Errorf("step budget: got %v", err)
	}

	if _, err := NewRK45().Integrate(&harmonicOscillator{}, dynamo.State{math.NaN(), 0}, nil, 0, 1); !errors.Is(err, dynamo.ErrIntegration) {
		t.Errorf("nan initial state: got %v", err)
	}

	bad := NewRK45()
	bad.AbsTol = 0
	if _, err := bad.Integrate(&harmonicOscillator{}, dynamo.State{1, 0}, nil, 0, 1); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("zero tolerance: got %v", err)
	}
}

func TestRK4_VsRK45(t *testing.T) {
	dyn := &harmonicOscillator{}
	x4, err := NewRK4().Integrate(dyn, dynamo.State{1, 0}, nil, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	x45, err := NewRK45().Integrate(dyn, dynamo.State{1, 0}, nil, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := dynamo.State{math.Cos(1), -math.Sin(1)}
	if x4.MaxAbsDiff(want) > 1e-5 {
		t.Errorf("rk4 error %e", x4.MaxAbsDiff(want))
	}
	if x45.MaxAbsDiff(want) > 1e-6 {
		t.Errorf("rk45 error %e", x45.MaxAbsDiff(want))
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"rk4", "rk45", ""} {
		if _, err := New(name); err != nil {
			t.Errorf("%q: %v", name, err)
		}
	}
	if _, err := New("verlet"); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("unknown integrator: %v", err)
	}
}
