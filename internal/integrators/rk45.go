// Package integrators provides initial value problem solvers for
// [dynamo.System] right-hand sides.
package integrators

import (
	"fmt"
	"math"

	"github.com/san-kum/dynmpc/internal/dynamo"
)

// Dormand-Prince coefficients (RK45)
var (
	a2 = 1.0 / 5.0
	a3 = 3.0 / 10.0
	a4 = 4.0 / 5.0
	a5 = 8.0 / 9.0

	b21 = 1.0 / 5.0
	b31 = 3.0 / 40.0
	b32 = 9.0 / 40.0
	b41 = 44.0 / 45.0
	b42 = -56.0 / 15.0
	b43 = 32.0 / 9.0
	b51 = 19372.0 / 6561.0
	b52 = -25360.0 / 2187.0
	b53 = 64448.0 / 6561.0
	b54 = -212.0 / 729.0
	b61 = 9017.0 / 3168.0
	b62 = -355.0 / 33.0
	b63 = 46732.0 / 5247.0
	b64 = 49.0 / 176.0
	b65 = -5103.0 / 18656.0

	c1 = 35.0 / 384.0
	c3 = 500.0 / 1113.0
	c4 = 125.0 / 192.0
	c5 = -2187.0 / 6784.0
	c6 = 11.0 / 84.0

	dc1 = c1 - 5179.0/57600.0
	dc3 = c3 - 7571.0/16695.0
	dc4 = c4 - 393.0/640.0
	dc5 = c5 - -92097.0/339200.0
	dc6 = c6 - 187.0/2100.0
	dc7 = -1.0 / 40.0
)

const (
	DefaultAbsTol   = 1e-8
	DefaultRelTol   = 1e-8
	DefaultMaxSteps = 100000
)

// RK45 is the adaptive Dormand-Prince 5(4) pair. A step is accepted when
// every component satisfies |err_i| <= AbsTol + RelTol*max(|x_i|, |x_new_i|).
type RK45 struct {
	AbsTol   float64
	RelTol   float64
	MaxSteps int
	// InitialStep is the first trial step; zero picks a tenth of the span.
	InitialStep float64

	safety   float64
	minScale float64
	maxScale float64

	k [7]dynamo.State
	y dynamo.State
}

func NewRK45() *RK45 {
	return &RK45{
		AbsTol:   DefaultAbsTol,
		RelTol:   DefaultRelTol,
		MaxSteps: DefaultMaxSteps,
		safety:   0.9,
		minScale: 0.2,
		maxScale: 10.0,
	}
}

func (r *RK45) ensureScratch(n int) {
	if len(r.y) != n {
		for i := range r.k {
			r.k[i] = make(dynamo.State, n)
		}
		r.y = make(dynamo.State, n)
	}
}

// attempt takes one trial step of size dt from x, writes the fifth order
// solution into xNew and returns the scaled error norm.
func (r *RK45) attempt(dyn dynamo.System, x, xNew dynamo.State, u dynamo.Control, t, dt float64) float64 {
	n := len(x)
	k := &r.k
	copy(k[0], dyn.Derive(x, u, t))

	for i := 0; i < n; i++ {
		r.y[i] = x[i] + dt*b21*k[0][i]
	}
	copy(k[1], dyn.Derive(r.y, u, t+a2*dt))

	for i := 0; i < n; i++ {
		r.y[i] = x[i] + dt*(b31*k[0][i]+b32*k[1][i])
	}
	copy(k[2], dyn.Derive(r.y, u, t+a3*dt))

	for i := 0; i < n; i++ {
		r.y[i] = x[i] + dt*(b41*k[0][i]+b42*k[1][i]+b43*k[2][i])
	}
	copy(k[3], dyn.Derive(r.y, u, t+a4*dt))

	for i := 0; i < n; i++ {
		r.y[i] = x[i] + dt*(b51*k[0][i]+b52*k[1][i]+b53*k[2][i]+b54*k[3][i])
	}
	copy(k[4], dyn.Derive(r.y, u, t+a5*dt))

	for i := 0; i < n; i++ {
		r.y[i] = x[i] + dt*(b61*k[0][i]+b62*k[1][i]+b63*k[2][i]+b64*k[3][i]+b65*k[4][i])
	}
	copy(k[5], dyn.Derive(r.y, u, t+dt))

	for i := 0; i < n; i++ {
		xNew[i] = x[i] + dt*(c1*k[0][i]+c3*k[2][i]+c4*k[3][i]+c5*k[4][i]+c6*k[5][i])
	}
	copy(k[6], dyn.Derive(xNew, u, t+dt))

	errMax := 0.0
	for i := 0; i < n; i++ {
		errEst := dt * (dc1*k[0][i] + dc3*k[2][i] + dc4*k[3][i] + dc5*k[4][i] + dc6*k[5][i] + dc7*k[6][i])
		scale := r.AbsTol + r.RelTol*math.Max(math.Abs(x[i]), math.Abs(xNew[i]))
		errMax = math.Max(errMax, math.Abs(errEst)/scale)
	}
	return errMax
}

func (r *RK45) nextStep(dt, errRatio float64) float64 {
	switch {
	case math.IsNaN(errRatio) || math.IsInf(errRatio, 0):
		return dt * r.minScale
	case errRatio > 1:
		return dt * math.Max(r.minScale, r.safety*math.Pow(errRatio, -0.25))
	case errRatio > 0:
		return dt * math.Min(r.maxScale, r.safety*math.Pow(errRatio, -0.2))
	default:
		return dt * r.maxScale
	}
}

// Integrate advances x from t0 to t1. It fails with [dynamo.ErrIntegration]
// when the step size underflows, the step budget is exhausted or the state
// stops being finite.
func (r *RK45) Integrate(dyn dynamo.System, x dynamo.State, u dynamo.Control, t0, t1 float64) (dynamo.State, error) {
	if !(r.AbsTol > 0) || !(r.RelTol > 0) {
		return nil, dynamo.Configf("rk45 tolerances must be positive, got atol=%g rtol=%g", r.AbsTol, r.RelTol)
	}
	if !x.IsValid() {
		return nil, fmt.Errorf("%w: initial state %v is not finite", dynamo.ErrIntegration, x)
	}
	span := t1 - t0
	if span == 0 {
		return x.Clone(), nil
	}
	if span < 0 {
		return nil, dynamo.Configf("rk45 cannot integrate backwards from %g to %g", t0, t1)
	}

	n := len(x)
	r.ensureScratch(n)
	cur := x.Clone()
	next := make(dynamo.State, n)

	dt := r.InitialStep
	if dt <= 0 || dt > span {
		dt = span / 10
	}
	minStep := 1e-12 * span

	t := t0
	for steps := 0; t < t1; steps++ {
		if steps >= r.MaxSteps {
			return nil, fmt.Errorf("%w: step budget of %d exhausted at t=%g", dynamo.ErrIntegration, r.MaxSteps, t)
		}
		if t+dt > t1 {
			dt = t1 - t
		}
		errRatio := r.attempt(dyn, cur, next, u, t, dt)
		if errRatio <= 1 && next.IsValid() {
			t += dt
			if t1-t < minStep {
				t = t1
			}
			cur, next = next, cur
		}
		dt = r.nextStep(dt, errRatio)
		if t < t1 && dt < minStep {
			return nil, fmt.Errorf("%w: step size %g below minimum at t=%g", dynamo.ErrIntegration, dt, t)
		}
	}
	return cur, nil
}
