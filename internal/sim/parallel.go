package sim

import (
	"context"
	"sync"

	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/model"
)

// Ensemble replays one input sequence on independent plants that differ
// only in their parameter vector.
type Ensemble struct {
	model *model.Model
	cfg   Config
	tvp   ParamFunc
}

func NewEnsemble(m *model.Model, cfg Config, tvp ParamFunc) *Ensemble {
	return &Ensemble{model: m, cfg: cfg, tvp: tvp}
}

// Run integrates inputs from x0 for every parameter vector concurrently.
// Result i holds len(inputs)+1 states for params[i].
func (e *Ensemble) Run(ctx context.Context, x0 []float64, t0 float64, inputs [][]float64, params [][]float64) ([][]dynamo.State, error) {
	results := make([][]dynamo.State, len(params))
	errs := make([]error, len(params))

	var wg sync.WaitGroup
	for i := range params {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = e.replay(ctx, x0, t0, inputs, params[idx])
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (e *Ensemble) replay(ctx context.Context, x0 []float64, t0 float64, inputs [][]float64, p []float64) ([]dynamo.State, error) {
	s, err := New(e.model, e.cfg, WithLogger(discard))
	if err != nil {
		return nil, err
	}
	fixed := append([]float64(nil), p...)
	s.SetParamFunc(func(float64) []float64 { return fixed })
	s.SetTVPFunc(e.tvp)
	if err := s.SetInitialState(x0); err != nil {
		return nil, err
	}

	states := make([]dynamo.State, 0, len(inputs)+1)
	states = append(states, s.State())
	for k, u := range inputs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if _, err := s.MakeStep(u, t0+float64(k)*e.cfg.TStep); err != nil {
			return nil, err
		}
		states = append(states, s.State())
	}
	return states, nil
}
