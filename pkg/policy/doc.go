// Package policy provides Open Policy Agent (OPA) admission checks for runs.
//
// Before any worker starts, the run configuration is evaluated against a set
// of Rego policies. Each policy contributes to a deny set; every element is a
// string or an object with message, severity and field keys. Violations of
// severity error or critical deny the run, anything else is logged.
//
// # Input
//
// Policies see the configuration in its JSON form under input.config and a
// few derived values under input.derived:
//
//	input.config.lattice.max_bytes
//	input.config.seed.mode
//	input.derived.pair_bytes
//	input.derived.workers
//	input.derived.total_events
//
// # Built-in Policies
//
//   - lattice-memory: the lattice pair must fit lattice.maxBytes
//   - seed-reproducibility: warns about time-based seeds
//   - attempt-bound: warns when initial.maxAttempts is effectively unbounded
//   - barrier-timeout: warns when process mode has no barrier timeout
//   - shipping: warns when shipping is enabled without export
//
// Additional .rego or .json policy files are loaded from policy.paths.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
//	    return err
//	}
//	if _, err := eng.Admit(ctx, cfg, workers); err != nil {
//	    return err
//	}
package policy
