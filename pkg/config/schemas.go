package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds the compiled CUE schema used for .cue run configurations.
type SchemaRegistry struct {
	ctx    *cue.Context
	schema cue.Value
	mu     sync.RWMutex
}

// NewSchemaRegistry compiles the built-in run schema.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	ctx := cuecontext.New()
	sr := &SchemaRegistry{ctx: ctx}

	val := ctx.CompileString(builtinRunSchema, cue.Filename("run.schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile run schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#RunConfig"))
	if !def.Exists() {
		return nil, fmt.Errorf("run schema is missing #RunConfig")
	}
	sr.schema = def
	return sr, nil
}

// Context returns the CUE context the schema was compiled in. Values unified
// with the schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// Apply unifies a value with the run schema and requires the result to be concrete.
func (sr *SchemaRegistry) Apply(val cue.Value) (cue.Value, error) {
	sr.mu.RLock()
	schema := sr.schema
	sr.mu.RUnlock()

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, fmt.Errorf("validation failed: %w", err)
	}
	return unified, nil
}

// Built-in schema definitions.
// Durations are strings in Go duration syntax ("30s", "5m").

const builtinRunSchema = `
#Duration: string & =~"^[0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))*$"

#RunConfig: {
	seed?: {
		mode?:     "direct" | "time" | "list"
		value?:    int & >=0
		listPath?: string
	}

	lattice?: {
		size?:       int & >0
		groupOrder?: int & >=2
		length?:     number & >0
		maxBytes?:   int & >=0
	}

	collision?: {
		target?:     string & !=""
		projectile?: string & !=""
		sigmaNN?:    number & >0
		bMin?:       number & >=0
		bMax?:       number & >=0
	}

	initial?: {
		readFromFile?: bool
		maxAttempts?:  int & >0
	}

	evolution?: {
		maxTime?:   number & >=0
		dtau?:      number & >0
		outputDir?: string
	}

	export?: {
		enabled?:      bool
		program?:      string
		script?:       string
		outputDir?:    string
		outputPrefix?: string
		timeout?:      #Duration
	}

	parallel?: {
		mode?:           "local" | "process"
		workers?:        int & >0
		barrierDir?:     string
		barrierPoll?:    #Duration
		barrierTimeout?: #Duration
	}

	kernel?: {
		kind?:             "reference" | "wasm"
		wasmPath?:         string
		acceptScript?:     string
		memoryLimitPages?: int & >=0
	}

	audit?: {
		dir?:             string
		writeParameters?: bool
	}

	ledger?: {
		path?: string
	}

	policy?: {
		paths?: [...string]
	}

	shipping?: {
		enabled?:        bool
		host?:           string
		port?:           int & >=0 & <=65535
		user?:           string
		privateKeyPath?: string
		knownHostsPath?: string
		remoteDir?:      string
	}

	telemetry?: {
		logLevel?:        "trace" | "debug" | "info" | "warn" | "error"
		logFormat?:       "console" | "json"
		traceExporter?:   "none" | "stdout" | "otlp"
		traceEndpoint?:   string
		metricsListen?:   string
		metricsTextfile?: string
	}

	parameters?: {[string]: string}
}
`
