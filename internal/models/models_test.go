package models

import (
	"math"
	"testing"

	"github.com/san-kum/dynmpc/internal/model"
)

func TestPendulumEquilibrium(t *testing.T) {
	p, err := Pendulum()
	if err != nil {
		t.Fatal(err)
	}
	dx, err := p.Model.RHS([]float64{0, 0}, []float64{0}, []float64{PendulumDamping}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(dx[0]) > 1e-12 || math.Abs(dx[1]) > 1e-12 {
		t.Errorf("expected rest at equilibrium, got %v", dx)
	}
}

func TestPendulumGravity(t *testing.T) {
	p, err := Pendulum()
	if err != nil {
		t.Fatal(err)
	}
	dx, err := p.Model.RHS([]float64{math.Pi / 2, 0}, []float64{0}, []float64{PendulumDamping}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := -PendulumGravity / PendulumLength
	if math.Abs(dx[1]-want) > 1e-9 {
		t.Errorf("expected acceleration %f, got %f", want, dx[1])
	}
}

func TestSpringMassDisplaced(t *testing.T) {
	p, err := SpringMass()
	if err != nil {
		t.Fatal(err)
	}
	dx, err := p.Model.RHS([]float64{1, 0}, []float64{0}, []float64{DefaultStiffness}, []float64{SpringTarget})
	if err != nil {
		t.Fatal(err)
	}
	if dx[0] != 0 {
		t.Errorf("velocity should be 0, got %f", dx[0])
	}
	want := -DefaultStiffness / DefaultMass
	if math.Abs(dx[1]-want) > 1e-12 {
		t.Errorf("expected acceleration %f, got %f", want, dx[1])
	}

	y, err := p.Model.Meas([]float64{0.3, 2}, []float64{0}, []float64{DefaultStiffness}, []float64{SpringTarget})
	if err != nil {
		t.Fatal(err)
	}
	if len(y) != 1 || y[0] != 0.3 {
		t.Errorf("measurement should be the position, got %v", y)
	}
}

func TestSpringMassEnergy(t *testing.T) {
	p, err := SpringMass()
	if err != nil {
		t.Fatal(err)
	}
	pe, err := p.Model.Aux([]float64{1, 0}, []float64{0}, []float64{DefaultStiffness}, []float64{0})
	if err != nil {
		t.Fatal(err)
	}
	ke, err := p.Model.Aux([]float64{0, math.Sqrt(DefaultStiffness)}, []float64{0}, []float64{DefaultStiffness}, []float64{0})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(pe[0]-ke[0]) > 1e-12 {
		t.Errorf("potential %f and kinetic %f energy should match", pe[0], ke[0])
	}
}

func cstrRHS(x, u, p []float64) []float64 {
	ca, cb, tr, tk := x[0], x[1], x[2], x[3]
	f, q := u[0], u[1]
	alpha, beta := p[0], p[1]
	k1 := beta * K0AB * math.Exp(-EAAB/(tr+273.15))
	k2 := K0BC * math.Exp(-EABC/(tr+273.15))
	k3 := K0AD * math.Exp(-alpha*EAAD/(tr+273.15))
	tdif := tr - tk
	return []float64{
		f*(CA0-ca) - k1*ca - k3*ca*ca,
		-f*cb + k1*ca - k2*cb,
		(k1*ca*HRAB+k2*cb*HRBC+k3*ca*ca*HRAD)/(-Rou*Cp) + f*(TIn-tr) + KW*AR*(-tdif)/(Rou*Cp*VR),
		(q + KW*AR*tdif) / (MK * CpK),
	}
}

func TestCSTRRHS(t *testing.T) {
	p, err := CSTR()
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		x, u, p []float64
	}{
		{p.X0, p.U0, p.PlantParams},
		{[]float64{1.2, 0.7, 120, 115}, []float64{50, -2000}, []float64{1.05, 0.9}},
		{[]float64{0.3, 0.2, 139, 138}, []float64{5, 0}, []float64{0.95, 1.1}},
	}
	for _, c := range cases {
		got, err := p.Model.RHS(c.x, c.u, c.p, nil)
		if err != nil {
			t.Fatal(err)
		}
		want := cstrRHS(c.x, c.u, c.p)
		for i := range want {
			if math.Abs(got[i]-want[i]) > 1e-9*math.Max(1, math.Abs(want[i])) {
				t.Errorf("x=%v: rhs[%d] = %g, want %g", c.x, i, got[i], want[i])
			}
		}
	}

	aux, err := p.Model.Aux(p.X0, p.U0, p.PlantParams, nil)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(aux[0]-(p.X0[2]-p.X0[3])) > 1e-12 {
		t.Errorf("T_dif = %g", aux[0])
	}
}

func TestRegistry(t *testing.T) {
	for _, name := range Names() {
		b, err := Get(name)
		if err != nil {
			t.Fatal(err)
		}
		p, err := b()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		m := p.Model
		if len(p.X0) != m.Dim(model.State) || len(p.U0) != m.Dim(model.Input) || len(p.PlantParams) != m.Dim(model.Param) {
			t.Errorf("%s: default vectors do not match the model", name)
		}
		if len(p.Uncertainty) != len(m.Names(model.Param)) {
			t.Errorf("%s: uncertainty covers %d of %d parameters", name, len(p.Uncertainty), len(m.Names(model.Param)))
		}
		if _, _, ok := p.ReferenceIndex(); !ok {
			t.Errorf("%s: reference does not resolve", name)
		}
	}
	if _, err := Get("nbody"); err == nil {
		t.Error("expected unknown model error")
	}
}
