/*
Package reconciler keeps the coordination plane tidy with periodic,
idempotent sweeps.

Three tickers drive four jobs:

  - every LeaseInterval (15s): drop expired leases, then bench stale
    agents, returning their claimed tasks to the pool and releasing
    their leases
  - every PromoteInterval (5s): promote blocked tasks whose
    dependencies completed and retry-pending tasks whose backoff
    elapsed
  - every PurgeInterval (60s): delete expired messages and compact the
    change log

Sweeps run on one goroutine, so no two jobs overlap. Every job can also
be invoked directly (SweepLeases, SweepAgents, Promote, Purge) for
operator tooling and tests. Failures are logged and the loop carries
on; a broken sweep never takes the plane down.
*/
package reconciler
