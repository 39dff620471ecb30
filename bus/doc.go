// Package bus provides message bus clients for jobkit processes.
//
// # Available Implementations
//
//   - NATSBus: messaging over a NATS server, for runs spread across hosts
//   - MemoryBus: in-memory implementation for tests and single-process runs
//
// # Usage
//
//	sub, _ := b.Subscribe("ratelimit.capacity")
//	go func() {
//	    for msg := range sub.Messages() {
//	        // handle msg.Data
//	    }
//	}()
//	b.Publish("ratelimit.capacity", data)
//
// Publishing never blocks on a slow subscriber; messages that do not fit
// the subscriber's buffer are dropped.
package bus
