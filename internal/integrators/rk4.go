package integrators

import (
	"fmt"

	"github.com/san-kum/dynmpc/internal/dynamo"
)

// RK4 is the classical fixed-step Runge-Kutta method. Integrate splits the
// span into Substeps equal steps.
type RK4 struct {
	Substeps int

	k1, k2, k3, k4 dynamo.State
	scratch        dynamo.State
}

func NewRK4() *RK4 {
	return &RK4{Substeps: 10}
}

func (r *RK4) ensureScratch(n int) {
	if len(r.k1) != n {
		r.k1 = make(dynamo.State, n)
		r.k2 = make(dynamo.State, n)
		r.k3 = make(dynamo.State, n)
		r.k4 = make(dynamo.State, n)
		r.scratch = make(dynamo.State, n)
	}
}

// Step takes a single step of size dt.
func (r *RK4) Step(dyn dynamo.System, x dynamo.State, u dynamo.Control, t, dt float64) dynamo.State {
	n := len(x)
	r.ensureScratch(n)

	copy(r.k1, dyn.Derive(x, u, t))

	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*0.5*r.k1[i]
	}
	copy(r.k2, dyn.Derive(r.scratch, u, t+dt*0.5))

	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*0.5*r.k2[i]
	}
	copy(r.k3, dyn.Derive(r.scratch, u, t+dt*0.5))

	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*r.k3[i]
	}
	copy(r.k4, dyn.Derive(r.scratch, u, t+dt))

	result := make(dynamo.State, n)
	dt6 := dt / 6.0
	for i := 0; i < n; i++ {
		result[i] = x[i] + dt6*(r.k1[i]+2*r.k2[i]+2*r.k3[i]+r.k4[i])
	}
	return result
}

func (r *RK4) Integrate(dyn dynamo.System, x dynamo.State, u dynamo.Control, t0, t1 float64) (dynamo.State, error) {
	if r.Substeps < 1 {
		return nil, dynamo.Configf("rk4 needs at least one substep, got %d", r.Substeps)
	}
	if t1 < t0 {
		return nil, dynamo.Configf("rk4 cannot integrate backwards from %g to %g", t0, t1)
	}
	dt := (t1 - t0) / float64(r.Substeps)
	cur := x.Clone()
	for i := 0; i < r.Substeps; i++ {
		cur = r.Step(dyn, cur, u, t0+float64(i)*dt, dt)
		if !cur.IsValid() {
			return nil, fmt.Errorf("%w: state diverged at t=%g", dynamo.ErrIntegration, t0+float64(i+1)*dt)
		}
	}
	return cur, nil
}

// New returns the integrator registered under name.
func New(name string) (dynamo.Integrator, error) {
	switch name {
	case "", "rk45":
		return NewRK45(), nil
	case "rk4":
		return NewRK4(), nil
	}
	return nil, dynamo.Configf("unknown integrator %q", name)
}
