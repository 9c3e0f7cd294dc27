// Package query keeps a local, observable copy of server-derived state and
// keeps it synchronized with the remote source of truth.
//
// # Overview
//
// The package is built from a few cooperating parts that share one Cache:
//
//   - Cache: entries keyed by Key, with freshness, observers and optimistic values
//   - Executor: fetches through a Transport, one in-flight call per key
//   - Scheduler: polls keys with a RefetchInterval while somebody observes them
//   - Controller: runs mutations with optimistic writes, rollback and settlement
//   - Bus: marks keys stale by prefix and refetches the observed ones
//
// Client wires them together and is what most callers use.
//
// # Basic Usage
//
//	client, err := query.New(transport, query.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	streams := query.Query{
//		Key:     query.K("streams"),
//		Fetch:   query.FetchJSON[StreamList](query.Request{Method: http.MethodGet, Path: "/list"}),
//		Options: query.Options{StaleTime: 30 * time.Second},
//	}
//
//	unsubscribe := client.Subscribe(streams, func(e query.Entry) {
//		if list, ok := query.Data[StreamList](e); ok {
//			render(list)
//		}
//	})
//	defer unsubscribe()
//
// # Keys
//
// A Key is an ordered list of segments. Segments are compared by their
// canonical serialization (see KeySerializer), so strings and numbers never
// collide and maps compare by content. A shorter key acts as a prefix:
// invalidating K("stream") marks K("stream", "orders") stale but leaves
// K("streams") alone, because segments are compared whole.
//
// # Freshness
//
// An entry is stale when it was never fetched, when it was invalidated, or
// when more than Options.StaleTime elapsed since the last successful fetch.
// The zero StaleTime means data is stale as soon as it arrives, which makes
// every new subscription refetch. Stale entries are refetched on subscribe
// and, when they have observers, right after an invalidation. Unobserved
// entries are only marked and wait for their next subscriber.
//
// A failed fetch moves the entry to StatusError but keeps the last good data,
// so views can keep showing it next to the error.
//
// # Mutations
//
// Mutate runs four phases:
//
//  1. Validation. A malformed descriptor fails with *ValidationError and
//     nothing else happens.
//  2. Optimistic write. Each target is snapshotted and receives its
//     provisional value. Fetches in flight for a target are superseded and
//     their results discarded.
//  3. The Transport call.
//  4. On success, optional confirmation and eviction. On failure, each target
//     is rolled back before Mutate returns.
//
// Settlement always follows phase 4: every key in Mutation.Invalidate is
// marked stale exactly once, whatever the outcome, and even if the caller's
// context was cancelled.
//
// Overlapping mutations on the same target each snapshot at their own start.
// A Rollback function computed from (snapshot, current) lets a failed
// mutation undo only its own change; settlement invalidation then reconciles
// with the server.
//
// MutateAll fans a slice of mutations out concurrently and waits for all of
// them. One failure never stops the others; the returned *BulkError lists
// every failure and BulkResult has per-mutation outcomes.
//
// # Concurrency
//
// All entry state lives behind a single lock per Cache. Listeners run after
// the lock is released, on the goroutine that caused the change, and receive
// an immutable Entry. They may call back into the client. Entry.Version
// increases with every change and can be used to drop out-of-order
// deliveries when listeners hand snapshots to another goroutine.
//
// # Instrumentation
//
// Fetches and mutations are traced with OpenTelemetry through the global
// tracer provider, and reported to Config.Recorder. Logs go to Config.Logger.
package query
