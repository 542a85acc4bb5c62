// Package dynamo provides the primitives shared by every stage of the
// closed loop.
//
//   - [State] and [Control]: plain vectors exchanged between components
//   - [System]: right-hand side dX/dt = f(X, u, t) consumed by integrators
//   - the error taxonomy: [ErrConfiguration], [ErrDimension],
//     [ErrInfeasible], [ErrConvergence] and [ErrIntegration]
//   - [StepError]: a failure attributed to a component at a loop step
//
// Errors are always wrapped around one of the sentinels so callers can
// classify them with errors.Is or [KindOf]:
//
//	if errors.Is(err, dynamo.ErrInfeasible) {
//		// hold the previous control
//	}
package dynamo
