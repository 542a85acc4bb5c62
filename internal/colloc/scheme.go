// Package colloc provides orthogonal collocation schemes on the unit
// interval.
//
// A scheme of degree d has points tau_0 = 0 < tau_1 < ... < tau_d <= 1. The
// interior points are the roots of a Jacobi polynomial, computed as the
// eigenvalues of its symmetric tridiagonal Jacobi matrix.
package colloc

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/dynmpc/internal/dynamo"
)

type Family string

const (
	Legendre Family = "legendre"
	Radau    Family = "radau"
)

const MaxDegree = 9

// Config selects a collocation scheme. Elements is the number of finite
// elements per prediction interval.
type Config struct {
	Degree   int    `yaml:"degree" json:"degree"`
	Elements int    `yaml:"elements" json:"elements"`
	Family   Family `yaml:"family" json:"family"`
}

func DefaultConfig() Config {
	return Config{Degree: 2, Elements: 2, Family: Radau}
}

func (c Config) Validate() error {
	if c.Degree < 1 || c.Degree > MaxDegree {
		return dynamo.Configf("collocation degree must be in [1, %d], got %d", MaxDegree, c.Degree)
	}
	if c.Elements < 1 {
		return dynamo.Configf("collocation elements must be positive, got %d", c.Elements)
	}
	switch Family(strings.ToLower(string(c.Family))) {
	case Legendre, Radau:
	default:
		return dynamo.Configf("unknown collocation family %q", c.Family)
	}
	return nil
}

// Scheme holds the points and the Lagrange polynomial coefficients of one
// collocation element.
type Scheme struct {
	Config
	// Tau has Degree+1 entries, Tau[0] = 0.
	Tau []float64
	// C[j][r] is the derivative of the j-th Lagrange polynomial at Tau[r].
	C [][]float64
	// D[j] is the j-th Lagrange polynomial evaluated at 1.
	D []float64
}

func New(cfg Config) (*Scheme, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Family = Family(strings.ToLower(string(cfg.Family)))

	var roots []float64
	var err error
	switch cfg.Family {
	case Legendre:
		roots, err = jacobiRoots(cfg.Degree, 0, 0)
	case Radau:
		roots, err = jacobiRoots(cfg.Degree-1, 1, 0)
		roots = append(roots, 1)
	}
	if err != nil {
		return nil, err
	}

	s := &Scheme{Config: cfg, Tau: append([]float64{0}, roots...)}
	s.buildLagrange()
	return s, nil
}

// Points returns the collocation points tau_1..tau_d.
func (s *Scheme) Points() []float64 { return s.Tau[1:] }

func (s *Scheme) buildLagrange() {
	n := len(s.Tau)
	s.C = make([][]float64, n)
	s.D = make([]float64, n)
	for j := 0; j < n; j++ {
		s.D[j] = s.lagrange(j, 1)
		s.C[j] = make([]float64, n)
		for r := 0; r < n; r++ {
			s.C[j][r] = s.lagrangeDeriv(j, r)
		}
	}
}

func (s *Scheme) lagrange(j int, x float64) float64 {
	p := 1.0
	for m, tm := range s.Tau {
		if m != j {
			p *= (x - tm) / (s.Tau[j] - tm)
		}
	}
	return p
}

func (s *Scheme) lagrangeDeriv(j, r int) float64 {
	tj, tr := s.Tau[j], s.Tau[r]
	if r == j {
		sum := 0.0
		for m, tm := range s.Tau {
			if m != j {
				sum += 1 / (tj - tm)
			}
		}
		return sum
	}
	p := 1 / (tj - tr)
	for m, tm := range s.Tau {
		if m != j && m != r {
			p *= (tr - tm) / (tj - tm)
		}
	}
	return p
}

// jacobiRoots returns the n roots of the Jacobi polynomial P_n^(alpha,beta)
// mapped from [-1, 1] to [0, 1], in ascending order.
func jacobiRoots(n int, alpha, beta float64) ([]float64, error) {
	if n == 0 {
		return nil, nil
	}
	J := mat.NewSymDense(n, nil)
	ab := alpha + beta
	for k := 0; k < n; k++ {
		kf := float64(k)
		if k == 0 {
			J.SetSym(0, 0, (beta-alpha)/(ab+2))
		} else {
			J.SetSym(k, k, (beta*beta-alpha*alpha)/((2*kf+ab)*(2*kf+ab+2)))
			num := 4 * kf * (kf + alpha) * (kf + beta) * (kf + ab)
			den := (2*kf + ab) * (2*kf + ab) * (2*kf + ab + 1) * (2*kf + ab - 1)
			J.SetSym(k, k-1, math.Sqrt(num/den))
		}
	}

	var es mat.EigenSym
	if ok := es.Factorize(J, false); !ok {
		return nil, fmt.Errorf("colloc: eigen decomposition of %d-point Jacobi matrix failed", n)
	}
	vals := es.Values(nil)
	sort.Float64s(vals)
	for i, v := range vals {
		vals[i] = (v + 1) / 2
	}
	return vals, nil
}
