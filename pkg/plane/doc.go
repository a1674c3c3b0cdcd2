/*
Package plane assembles the coordination plane: it opens the store and
change log, builds the registries on top, wires the bus, scheduler,
governor, and reconciler, and in hybrid or edge mode adds the offline
queue and syncer against the configured peer.

Open builds everything in dependency order without starting anything;
Start launches the background loops; Close quiesces in reverse order.
Run ties Start to the governor's lifetime for the common case of a
process that exists to host one swarm run:

	cfg, err := config.Load("")
	if err != nil { ... }

	p, err := plane.Open(cfg)
	if err != nil { ... }
	defer p.Close()

	state, err := p.Run(ctx)

Callers needing finer control reach the exported fields directly; the
plane never hides a registry behind its own API.
*/
package plane
