package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		latticeMemoryPolicy(),
		seedReproducibilityPolicy(),
		attemptBoundPolicy(),
		barrierTimeoutPolicy(),
		shippingPolicy(),
	}
}

// latticeMemoryPolicy denies runs whose lattice pair cannot fit the configured limit.
func latticeMemoryPolicy() Policy {
	return Policy{
		Name:        "lattice-memory",
		Description: "Lattice pair must fit within lattice.maxBytes",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"resources"},
		Rego: `package evgen.policies.memory

deny contains violation if {
	limit := input.config.lattice.max_bytes
	limit > 0
	input.derived.pair_bytes > limit
	violation := {
		"message": sprintf("lattice pair needs %d bytes but lattice.maxBytes is %d", [input.derived.pair_bytes, limit]),
		"severity": "error",
		"field": "lattice.maxBytes",
	}
}

# 16 GiB per worker is more than any node we run on
deny contains violation if {
	input.derived.pair_bytes > 17179869184
	violation := {
		"message": sprintf("lattice pair needs %d bytes per worker", [input.derived.pair_bytes]),
		"severity": "warning",
		"field": "lattice.size",
	}
}
`,
	}
}

// seedReproducibilityPolicy warns when the run cannot be reproduced.
func seedReproducibilityPolicy() Policy {
	return Policy{
		Name:        "seed-reproducibility",
		Description: "Time-based seeds cannot be recomputed after the run",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"reproducibility"},
		Rego: `package evgen.policies.seed

deny contains violation if {
	input.config.seed.mode == "time"
	violation := {
		"message": "seed is derived from the current time; the run cannot be reproduced from its configuration",
		"severity": "warning",
		"field": "seed.mode",
	}
}

deny contains violation if {
	input.config.seed.mode == "direct"
	input.derived.workers > 1
	input.config.seed.value % 1000 != 0
	violation := {
		"message": sprintf("seed.value %d is not a multiple of 1000; seeds of different runs may overlap across workers", [input.config.seed.value]),
		"severity": "info",
		"field": "seed.value",
	}
}
`,
	}
}

// attemptBoundPolicy warns when the attempt loop is effectively unbounded.
func attemptBoundPolicy() Policy {
	return Policy{
		Name:        "attempt-bound",
		Description: "initial.maxAttempts should bound the attempt loop",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"resources"},
		Rego: `package evgen.policies.attempts

deny contains violation if {
	input.config.initial.max_attempts > 1000000
	violation := {
		"message": sprintf("initial.maxAttempts of %d effectively disables the attempt bound", [input.config.initial.max_attempts]),
		"severity": "warning",
		"field": "initial.maxAttempts",
	}
}
`,
	}
}

// barrierTimeoutPolicy warns when a crashed process would hang its peers.
func barrierTimeoutPolicy() Policy {
	return Policy{
		Name:        "barrier-timeout",
		Description: "Process mode should set a barrier timeout",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"parallel"},
		Rego: `package evgen.policies.barrier

deny contains violation if {
	input.config.parallel.mode == "process"
	input.config.parallel.barrier_timeout == 0
	violation := {
		"message": "parallel.barrierTimeout is unset; a crashed worker leaves the others waiting forever",
		"severity": "warning",
		"field": "parallel.barrierTimeout",
	}
}
`,
	}
}

// shippingPolicy checks shipping is paired with an export that produces files.
func shippingPolicy() Policy {
	return Policy{
		Name:        "shipping",
		Description: "Shipping uploads the combined export files",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"export"},
		Rego: `package evgen.policies.shipping

deny contains violation if {
	input.config.shipping.enabled
	not input.config.export.enabled
	violation := {
		"message": "shipping is enabled but export is not; only files left by earlier runs would be uploaded",
		"severity": "warning",
		"field": "shipping.enabled",
	}
}

deny contains violation if {
	input.config.shipping.enabled
	input.config.shipping.known_hosts_path == ""
	violation := {
		"message": "shipping.knownHostsPath is empty; ~/.ssh/known_hosts is used to verify the remote host",
		"severity": "info",
		"field": "shipping.knownHostsPath",
	}
}
`,
	}
}
