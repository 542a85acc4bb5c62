// Package data records closed-loop trajectories.
//
// A Log is append-only: entries are deep-copied on the way in and on the way
// out, so a recorded step never changes after it was appended.
package data

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
)

// Schema describes the shape of every entry of a log.
type Schema struct {
	States []model.Variable
	Inputs []model.Variable
	Aux    []model.Variable
	NX     int
	NU     int
	NAux   int
	NMeas  int
}

func NewSchema(m *model.Model) Schema {
	return Schema{
		States: m.Variables(model.State),
		Inputs: m.Variables(model.Input),
		Aux:    m.Variables(model.Aux),
		NX:     m.Dim(model.State),
		NU:     m.Dim(model.Input),
		NAux:   m.Dim(model.Aux),
		NMeas:  m.MeasDim(),
	}
}

func (s Schema) vars(t model.VarType) ([]model.Variable, error) {
	switch t {
	case model.State:
		return s.States, nil
	case model.Input:
		return s.Inputs, nil
	case model.Aux:
		return s.Aux, nil
	}
	return nil, dynamo.Configf("trajectory log does not record %s values", t)
}

// Names returns the flattened element names of type t.
func (s Schema) Names(t model.VarType) []string {
	vars, _ := s.vars(t)
	var out []string
	for _, v := range vars {
		for i := 0; i < v.Shape; i++ {
			out = append(out, v.ElementName(i))
		}
	}
	return out
}

// Prediction is the optimizer's solution at one scenario tree node.
type Prediction struct {
	Node        int       `json:"node"`
	Stage       int       `json:"stage"`
	Parent      int       `json:"parent"`
	Combination int       `json:"combination"`
	X           []float64 `json:"x"`
	U           []float64 `json:"u,omitempty"`
	Aux         []float64 `json:"aux,omitempty"`
}

func (p Prediction) clone() Prediction {
	p.X = clone(p.X)
	p.U = clone(p.U)
	p.Aux = clone(p.Aux)
	return p
}

// Entry is one closed-loop step: State is the estimate handed to the
// optimizer at Time, Input the applied control, Measurement the plant
// output at Time+t_step and Estimate the estimator's answer to it.
type Entry struct {
	Step        int          `json:"step"`
	Time        float64      `json:"time"`
	State       []float64    `json:"state"`
	Input       []float64    `json:"input"`
	Measurement []float64    `json:"measurement"`
	Estimate    []float64    `json:"estimate"`
	Aux         []float64    `json:"aux,omitempty"`
	Degraded    bool         `json:"degraded,omitempty"`
	Failure     string       `json:"failure,omitempty"`
	Predictions []Prediction `json:"predictions,omitempty"`
}

func (e Entry) clone() Entry {
	e.State = clone(e.State)
	e.Input = clone(e.Input)
	e.Measurement = clone(e.Measurement)
	e.Estimate = clone(e.Estimate)
	e.Aux = clone(e.Aux)
	if e.Predictions != nil {
		preds := make([]Prediction, len(e.Predictions))
		for i, p := range e.Predictions {
			preds[i] = p.clone()
		}
		e.Predictions = preds
	}
	return e
}

type Log struct {
	schema  Schema
	entries []Entry
}

func NewLog(schema Schema) *Log {
	return &Log{schema: schema}
}

func (l *Log) Schema() Schema { return l.schema }

// Append records the next step. Its Step must equal Len(). A missing Aux
// vector is recorded as NaN.
func (l *Log) Append(e Entry) error {
	if e.Aux == nil && l.schema.NAux > 0 {
		e.Aux = make([]float64, l.schema.NAux)
		for i := range e.Aux {
			e.Aux[i] = math.NaN()
		}
	}
	if e.Step != len(l.entries) {
		return dynamo.Configf("trajectory log expects step %d, got %d", len(l.entries), e.Step)
	}
	checks := []struct {
		what string
		v    []float64
		n    int
	}{
		{"logged state", e.State, l.schema.NX},
		{"logged input", e.Input, l.schema.NU},
		{"logged measurement", e.Measurement, l.schema.NMeas},
		{"logged estimate", e.Estimate, l.schema.NX},
		{"logged aux", e.Aux, l.schema.NAux},
	}
	for _, c := range checks {
		if err := dynamo.CheckLen(c.what, c.v, c.n); err != nil {
			return err
		}
	}
	l.entries = append(l.entries, e.clone())
	return nil
}

func (l *Log) Len() int { return len(l.entries) }

// At returns a copy of the entry of step k.
func (l *Log) At(k int) (Entry, error) {
	if k < 0 || k >= len(l.entries) {
		return Entry{}, dynamo.Dimensionf("step %d outside trajectory of length %d", k, len(l.entries))
	}
	return l.entries[k].clone(), nil
}

// Entries returns copies of all entries.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.clone()
	}
	return out
}

func (l *Log) Times() []float64 {
	out := make([]float64, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Time
	}
	return out
}

func (l *Log) lookup(t model.VarType, name string) (model.Variable, error) {
	vars, err := l.schema.vars(t)
	if err != nil {
		return model.Variable{}, err
	}
	for _, v := range vars {
		if v.Name == name {
			return v, nil
		}
	}
	return model.Variable{}, dynamo.Configf("trajectory log has no %s %q", t, name)
}

func field(e *Entry, t model.VarType) []float64 {
	switch t {
	case model.State:
		return e.State
	case model.Input:
		return e.Input
	default:
		return e.Aux
	}
}

// Series returns the values of one variable for every step.
func (l *Log) Series(t model.VarType, name string) ([][]float64, error) {
	v, err := l.lookup(t, name)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(l.entries))
	for i := range l.entries {
		out[i] = clone(field(&l.entries[i], t)[v.Offset : v.Offset+v.Shape])
	}
	return out, nil
}

// Value returns one variable at step k.
func (l *Log) Value(t model.VarType, name string, k int) ([]float64, error) {
	v, err := l.lookup(t, name)
	if err != nil {
		return nil, err
	}
	if k < 0 || k >= len(l.entries) {
		return nil, dynamo.Dimensionf("step %d outside trajectory of length %d", k, len(l.entries))
	}
	return clone(field(&l.entries[k], t)[v.Offset : v.Offset+v.Shape]), nil
}

// Element returns the scalar series of ref, either "name" for a scalar or
// "name[i]".
func (l *Log) Element(t model.VarType, ref string) ([]float64, error) {
	name, idx := ref, 0
	if open := strings.IndexByte(ref, '['); open >= 0 && strings.HasSuffix(ref, "]") {
		n, err := strconv.Atoi(ref[open+1 : len(ref)-1])
		if err != nil {
			return nil, dynamo.Configf("bad element reference %q", ref)
		}
		name, idx = ref[:open], n
	}
	v, err := l.lookup(t, name)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= v.Shape {
		return nil, dynamo.Dimensionf("element %d of %s %q with shape %d", idx, t, name, v.Shape)
	}
	out := make([]float64, len(l.entries))
	for i := range l.entries {
		out[i] = field(&l.entries[i], t)[v.Offset+idx]
	}
	return out, nil
}

// Failures lists the failure messages of degraded steps.
func (l *Log) Failures() []string {
	var out []string
	for _, e := range l.entries {
		if e.Failure != "" {
			out = append(out, fmt.Sprintf("step %d: %s", e.Step, e.Failure))
		}
	}
	return out
}

func clone(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}
