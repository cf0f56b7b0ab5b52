// Package config loads and validates the run configuration of the event generator.
//
// # Formats
//
// The format is chosen from the file extension:
//
//   - .yaml, .yml and .json are decoded with gopkg.in/yaml.v3 (unknown fields are rejected)
//   - .cue is unified with the built-in #RunConfig schema and must be concrete
//   - anything else is a legacy parameter file of "key value" lines ending at EndOfData
//
// Every format is applied on top of Default, so a file only needs the values it changes.
//
// # Legacy parameter files
//
// The legacy reader understands the historical keys (Nc, size, L, Target,
// Projectile, SigmaNN, bmin, bmax, seed, useSeedList, useTimeForSeed,
// readMultFromFile, maxtime, dtau, writeOutputsToHDF5). All other keys are kept
// in RunConfig.Parameters and passed to the kernels.
//
//	Nc          3
//	size        256
//	L           30.0
//	seed        5
//	useSeedList 0
//	EndOfData
//
// # Validation
//
// Validate runs struct tag checks with go-playground/validator and reports all
// failures at once as ValidationErrors, keyed by the YAML field path.
//
// A loaded RunConfig is shared read-only by all workers of a run.
package config
