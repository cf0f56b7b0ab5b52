// Package engine is the event-generation control driver.
//
// Each worker runs the same sequence independently:
//
//	derive seed (once)
//	for every requested event:
//	    audit record
//	    attempt loop   allocate pair, initialize, release and retry until accepted
//	    evolution      evolve once, release pair
//	    finalizer      barrier, optional per-event export
//	finalizer          barrier, combine-only merge and shipping on worker 0
//
// The physics is supplied by an Initializer, an Evolver and a GeometryFactory.
// The driver never looks inside the lattice pair; it only guarantees that at
// most one pair is live per worker and that ownership moves from the attempt
// loop to the evolution stage without aliasing.
//
// # Errors
//
// Errors are classified EngineErrors. Fatal errors (seed derivation, allocation,
// initializer, exhausted attempts, barrier) end the worker. Initializer
// rejections are an Outcome, not an error. Export, evolution, audit and ledger
// failures are logged and the event loop continues.
package engine
