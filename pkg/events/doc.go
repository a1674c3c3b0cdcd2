/*
Package events is the in-process event surface of the coordination
plane. Registries, the syncer, the offline queue, and the governor all
publish through one Broker; the CLI, metrics, and tests subscribe.

Publish is non-blocking: events flow through a buffered channel and
fan out to every subscriber, and a subscriber whose buffer is full is
skipped rather than allowed to stall the producer. Delivery is best
effort; anything that must not be lost belongs in the change log, not
here.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventEndState:
				// run is over
			case events.EventSyncConflict:
				// divergence resolved, inspect metadata
			}
		}
	}()

The event type vocabulary covers the sync engine (sync:*, push:*,
pull:*), the offline queue (offline, online, queueProcessed, ...), the
runtime governor (cycle_complete, end_state, ...), and plane
housekeeping (task.created, lease.expired, agent.stale, ...).
*/
package events
