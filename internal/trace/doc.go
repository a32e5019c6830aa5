// Package trace records spans and point events for the bridge host.
//
// Spans cover protocol round-trips, coalesced fetches and aggregation
// sources, so a stuck request can be located from a ring dump or a live
// stream.
//
// # Usage
//
//	specbridge serve --trace=- --trace-level=request
//
// # Tracers
//
//   - Nop: disabled tracing
//   - StreamTracer: writes each event as it happens
//   - RingTracer: keeps the last N events for dumps on failure
//   - MultiTracer: fans out to several tracers
//
// # Scopes
//
//   - ScopeHost: host lifetime, transport attach/detach
//   - ScopeRequest: protocol requests and remote fetches
//   - ScopeSource: individual aggregation sources
//   - ScopeDetail: cache hits, coalesced joins, stale discards
//
// Tracers travel through context:
//
//	ctx = trace.WithTracer(ctx, tracer)
//	span := trace.Begin(trace.FromContext(ctx), trace.ScopeRequest, "fetch-diff-summary", 0)
//	defer span.End("")
package trace
