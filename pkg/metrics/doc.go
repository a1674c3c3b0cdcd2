// Package metrics exposes the coordination plane's Prometheus metrics
// and the process health endpoints.
//
// Metrics come in two flavors. State gauges describe what the store
// holds right now and are refreshed by a Collector polling the
// registries; flow counters describe what happened and are incremented
// inline by the component doing the work.
//
// Gauges, refreshed every collection interval (15s by default):
//
//	apiary_tasks_total{status}     tasks by lifecycle status
//	apiary_agents_total{status}    agents by status
//	apiary_leases_active           held, unexpired file leases
//	apiary_leases_expired          expired leases awaiting a sweep
//	apiary_changelog_entries       rows kept in the change log
//	apiary_changelog_version       highest recorded sync version
//	apiary_offline_queue_depth     changes waiting to be replayed
//	apiary_queue_online            1 when the sync peer is reachable
//	apiary_messages_unacked        messages still awaiting an ack
//	apiary_governor_cycles         work cycles reported this run
//
// Counters and histograms, recorded at the call site:
//
//	apiary_claims_total{outcome}            scheduler claims won or lost
//	apiary_messages_published_total{kind}   direct and broadcast publishes
//	apiary_messages_delivered_total         delivery marks
//	apiary_messages_acked_total             acknowledgements
//	apiary_sync_batches_total{direction}    push and pull batches
//	apiary_sync_conflicts_total             conflicts during sync
//	apiary_sync_duration_seconds            full sync cycle wall time
//
// Wiring is two lines on the serving mux:
//
//	mux.Handle("/metrics", metrics.Handler())
//	collector := metrics.NewCollector(metrics.Sources{Tasks: tasks, Agents: agents}, 0)
//	collector.Start()
//	defer collector.Stop()
//
// Timer helps components observe durations:
//
//	timer := metrics.NewTimer()
//	defer timer.ObserveDuration(metrics.SyncDuration)
//
// The health side is independent of Prometheus: components report in
// with RegisterComponent, and HealthHandler, ReadyHandler, and
// LivenessHandler serve the aggregate. Readiness stays not_ready until
// the store, changelog, and bus have all reported healthy.
package metrics
