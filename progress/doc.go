// Package progress reports task completions while a run executes.
//
// The runner publishes one Event per finished task to a Notifier. The
// notifier hands events to its Sink on a separate goroutine and drops them
// when its buffer is full, so a slow sink never delays scheduling:
//
//	n := progress.NewNotifier(progress.Multi(
//	    progress.LogSink(logger),
//	    progress.NewBusSink(b, logger),
//	), 256)
//	defer n.Close()
package progress
