package closedloop_test

import (
	"context"
	"errors"
	"fmt"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/dynmpc/internal/closedloop"
	"github.com/san-kum/dynmpc/internal/data"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/estimator"
	"github.com/san-kum/dynmpc/internal/metrics"
	"github.com/san-kum/dynmpc/internal/model"
	"github.com/san-kum/dynmpc/internal/sym"
)

type calls struct{ seq []string }

// controller returns u = -x, or the scripted error of a step.
type controller struct {
	calls *calls
	fails map[int]error
	step  int
	times []float64
}

func (c *controller) SetTime(t float64) { c.times = append(c.times, t) }

func (c *controller) MakeStep(_ context.Context, x0 []float64) ([]float64, error) {
	c.calls.seq = append(c.calls.seq, fmt.Sprintf("optimizer %d", c.step))
	defer func() { c.step++ }()
	if err := c.fails[c.step]; err != nil {
		return nil, err
	}
	return []float64{-x0[0]}, nil
}

// plant integrates dx/dt = u exactly and measures x.
type plant struct {
	calls *calls
	fails map[int]error
	step  int
	x     float64
	dt    float64
}

func (p *plant) MakeStep(u []float64, _ float64) ([]float64, error) {
	p.calls.seq = append(p.calls.seq, fmt.Sprintf("simulator %d", p.step))
	defer func() { p.step++ }()
	if err := p.fails[p.step]; err != nil {
		return nil, err
	}
	p.x += p.dt * u[0]
	return []float64{p.x}, nil
}

type recordingEstimator struct {
	calls *calls
	inner estimator.Estimator
	step  int
	u     []dynamo.Control
}

func (e *recordingEstimator) ObserveInput(u dynamo.Control) { e.u = append(e.u, u.Clone()) }

func (e *recordingEstimator) MakeStep(y dynamo.State) (dynamo.State, error) {
	e.calls.seq = append(e.calls.seq, fmt.Sprintf("estimator %d", e.step))
	e.step++
	return e.inner.MakeStep(y)
}

func newModel() *model.Model {
	m := model.New()
	x := m.MustDeclare(model.State, "x", 1)[0]
	u := m.MustDeclare(model.Input, "u", 1)[0]
	Expect(m.SetRHS("x", u)).To(Succeed())
	_, err := m.SetExpression("twice", sym.Mul(sym.C(2), x))
	Expect(err).NotTo(HaveOccurred())
	Expect(m.Finalize()).To(Succeed())
	return m
}

var _ = Describe("Driver", func() {
	var (
		c    *calls
		ctrl *controller
		pl   *plant
		est  *recordingEstimator
		log  *data.Log
		cfg  closedloop.Config
		aux  closedloop.AuxFunc
	)

	BeforeEach(func() {
		c = &calls{}
		ctrl = &controller{calls: c, fails: map[int]error{}}
		pl = &plant{calls: c, fails: map[int]error{}, x: 1, dt: 0.5}
		est = &recordingEstimator{calls: c, inner: estimator.NewStateFeedback(1)}
		log = data.NewLog(data.NewSchema(newModel()))
		cfg = closedloop.Config{Steps: 4, TStep: 0.5, T0: 1}
		aux = func(x, u []float64, t float64) ([]float64, error) { return []float64{2 * x[0]}, nil }
	})

	run := func(opts ...closedloop.Option) (*closedloop.Report, error) {
		d := closedloop.New(ctrl, pl, est, log, append([]closedloop.Option{closedloop.WithAux(aux)}, opts...)...)
		return d.Run(context.Background(), []float64{1}, cfg)
	}

	It("runs optimizer, simulator and estimator in order every step", func() {
		report, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Steps).To(Equal(4))
		var want []string
		for k := 0; k < 4; k++ {
			want = append(want, fmt.Sprintf("optimizer %d", k), fmt.Sprintf("simulator %d", k), fmt.Sprintf("estimator %d", k))
		}
		Expect(c.seq).To(Equal(want))
		Expect(ctrl.times).To(Equal([]float64{1, 1.5, 2, 2.5}))
	})

	It("records one entry per step and chains the estimates", func() {
		_, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(log.Len()).To(Equal(4))
		Expect(log.Times()).To(Equal([]float64{1, 1.5, 2, 2.5}))

		x := 1.0
		for k := 0; k < 4; k++ {
			e, err := log.At(k)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.State).To(Equal([]float64{x}))
			Expect(e.Input).To(Equal([]float64{-x}))
			x *= 0.5
			Expect(e.Measurement).To(Equal([]float64{x}))
			Expect(e.Estimate).To(Equal([]float64{x}))
			Expect(e.Aux).To(Equal([]float64{2 * e.State[0]}))
			Expect(e.Degraded).To(BeFalse())
		}
		Expect(est.u).To(HaveLen(4))
		Expect(est.u[0]).To(Equal(dynamo.Control{-1}))
	})

	It("collects metrics", func() {
		report, err := run(closedloop.WithMetrics(metrics.NewControlEffort(nil), metrics.NewTrackingError("x", 0, 0)))
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Metrics).To(HaveKeyWithValue("control_effort", BeNumerically("~", (1+0.5+0.25+0.125)/4, 1e-12)))
		Expect(report.Metrics).To(HaveKey("tracking_error/x"))
		Expect(report.Duration).To(BeNumerically(">", 0))
	})

	Context("with the abort policy", func() {
		It("stops at the failing step and reports component, step and kind", func() {
			ctrl.fails[2] = fmt.Errorf("%w: no feasible point", dynamo.ErrInfeasible)
			report, err := run()
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, dynamo.ErrInfeasible)).To(BeTrue())

			var stepErr *dynamo.StepError
			Expect(errors.As(err, &stepErr)).To(BeTrue())
			Expect(stepErr.Step).To(Equal(2))
			Expect(stepErr.Component).To(Equal("optimizer"))
			Expect(stepErr.Kind()).To(Equal(dynamo.KindInfeasible))
			Expect(err.Error()).To(ContainSubstring("step 2"))

			Expect(report.Steps).To(Equal(2))
			Expect(report.Failures).To(HaveLen(1))
			Expect(log.Len()).To(Equal(2))
		})
	})

	Context("with the hold policy", func() {
		BeforeEach(func() { cfg.Policy = closedloop.Hold })

		It("reuses the previous control and flags the step", func() {
			ctrl.fails[2] = fmt.Errorf("%w: iteration budget", dynamo.ErrConvergence)
			report, err := run()
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Steps).To(Equal(4))
			Expect(report.Failures).To(HaveLen(1))
			f := report.Failures[0]
			Expect(f.Step).To(Equal(2))
			Expect(f.Component).To(Equal("optimizer"))
			Expect(f.Kind).To(Equal(dynamo.KindConvergence))
			Expect(f.String()).To(ContainSubstring("convergence"))

			prev, _ := log.At(1)
			held, _ := log.At(2)
			Expect(held.Degraded).To(BeTrue())
			Expect(held.Failure).To(ContainSubstring("optimizer"))
			Expect(held.Input).To(Equal(prev.Input))
			Expect(log.Failures()).To(HaveLen(1))
		})

		It("keeps the estimate when the simulator fails", func() {
			pl.fails[1] = fmt.Errorf("%w: step size underflow", dynamo.ErrIntegration)
			_, err := run()
			Expect(err).NotTo(HaveOccurred())
			prev, _ := log.At(0)
			held, _ := log.At(1)
			Expect(held.Degraded).To(BeTrue())
			Expect(held.Measurement).To(Equal(prev.Measurement))
			Expect(held.Estimate).To(Equal(held.State))
			Expect(est.step).To(Equal(3))
		})

		It("aborts when nothing can be held yet", func() {
			ctrl.fails[0] = fmt.Errorf("%w: bad root", dynamo.ErrInfeasible)
			_, err := run()
			Expect(errors.Is(err, dynamo.ErrInfeasible)).To(BeTrue())
			Expect(log.Len()).To(Equal(0))
		})

		It("aborts on dimension errors", func() {
			ctrl.fails[1] = dynamo.Dimensionf("bad shape")
			_, err := run()
			Expect(errors.Is(err, dynamo.ErrDimension)).To(BeTrue())
			Expect(log.Len()).To(Equal(1))
		})
	})

	It("records NaN aux values when the aux function fails", func() {
		aux = func(x, u []float64, t float64) ([]float64, error) { return nil, errors.New("boom") }
		_, err := run()
		Expect(err).NotTo(HaveOccurred())
		e, _ := log.At(0)
		Expect(math.IsNaN(e.Aux[0])).To(BeTrue())
	})

	It("stops before the first step when the context is done", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		d := closedloop.New(ctrl, pl, est, log)
		_, err := d.Run(ctx, []float64{1}, cfg)
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		Expect(c.seq).To(BeEmpty())
	})

	It("rejects invalid configuration before running", func() {
		d := closedloop.New(ctrl, pl, est, log)
		_, err := d.Run(context.Background(), []float64{1}, closedloop.Config{Steps: 0, TStep: 1})
		Expect(errors.Is(err, dynamo.ErrConfiguration)).To(BeTrue())
		_, err = d.Run(context.Background(), []float64{1, 2}, cfg)
		Expect(errors.Is(err, dynamo.ErrDimension)).To(BeTrue())
		Expect(c.seq).To(BeEmpty())
	})

	It("produces identical logs for identical runs", func() {
		_, err := run()
		Expect(err).NotTo(HaveOccurred())
		first := log.Entries()

		ctrl = &controller{calls: c, fails: map[int]error{}}
		pl = &plant{calls: c, fails: map[int]error{}, x: 1, dt: 0.5}
		log = data.NewLog(data.NewSchema(newModel()))
		_, err = run()
		Expect(err).NotTo(HaveOccurred())
		Expect(log.Entries()).To(Equal(first))
	})
})

var _ = DescribeTable("ParsePolicy",
	func(in string, want closedloop.Policy, ok bool) {
		p, err := closedloop.ParsePolicy(in)
		if !ok {
			Expect(errors.Is(err, dynamo.ErrConfiguration)).To(BeTrue())
			return
		}
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(Equal(want))
	},
	Entry("default", "", closedloop.Abort, true),
	Entry("abort", "abort", closedloop.Abort, true),
	Entry("hold", " Hold ", closedloop.Hold, true),
	Entry("unknown", "retry", closedloop.Abort, false),
)
