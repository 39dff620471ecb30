// Package ratelimit provides token-bucket admission control for calls to
// rate-limited external resources.
//
// Each resource (for example "openai/gpt-4o") is guarded by a Pair of
// buckets: one counting requests, one counting model tokens. A bucket holds
// one minute of the advertised limit and refills continuously at limit/60
// per second.
//
//	coll := ratelimit.NewCollection(registry)
//	pair := coll.Get("openai/gpt-4o")
//	if err := pair.Acquire(ctx, 1, estimatedTokens, true); err != nil {
//	    return err
//	}
//
// # Growth
//
// A request at or above a bucket's capacity can never be satisfied by
// waiting. Acquire either fails with CAPACITY_EXCEEDED or, when growth is
// allowed, permanently raises the capacity to the request times the growth
// factor (1.10 by default).
//
// # Turbo
//
// TurboOn lifts a bucket's limits entirely; TurboOff restores the exact
// previous capacity and rate.
//
// # Distributed Coordination
//
// A Coordinator shares rate-limit pressure between processes over the
// message bus:
//
//	coord, err := ratelimit.NewCoordinator(coll, ratelimit.DistributedConfig{
//	    Bus:     nbus,
//	    AgentID: "worker-1",
//	})
//	coord.AnnounceReduced("openai/gpt-4o", "received 429 response")
//
// Peers that use the same resource reduce their own pair, and every
// process recovers gradually on a timer.
package ratelimit
