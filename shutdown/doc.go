// Package shutdown stops a process's components in order on SIGINT, SIGTERM
// or an explicit call.
//
// Handlers register under a phase. Lower phases stop first and handlers in
// the same phase stop concurrently. jobkit uses three phases:
//
//   - PhaseRuns: cancel active runs; their tasks drain and the partial
//     results are kept.
//   - PhaseFlush: flush progress sinks and telemetry exporters.
//   - PhaseConnections: close the bus, the response cache and the tracer
//     provider.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.HandleSignals(ctx)
//
//	exec, _ := r.Start(ctx, tasks)
//	coord.RegisterWithPhase("run", exec, shutdown.PhaseRuns)
//	coord.RegisterFunc("bus", shutdown.PhaseConnections, func(context.Context) error {
//		return b.Close()
//	})
//
//	res, err := exec.Wait()
package shutdown
