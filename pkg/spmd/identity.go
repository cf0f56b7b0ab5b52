// Package spmd launches the workers of a run, either as goroutines in this
// process or as one worker per process under an MPI-style launcher.
package spmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrNoRunID is returned in process mode when peers cannot agree on a run ID.
var ErrNoRunID = errors.New("no shared run id")

// Identity is the position of this process among the workers of a run.
type Identity struct {
	WorkerID    int
	WorkerCount int

	// Source names the environment variables the identity came from.
	Source string
}

// identitySources are checked in order; the first pair with a rank set wins.
var identitySources = [][2]string{
	{"EVGEN_WORKER_ID", "EVGEN_WORKER_COUNT"},
	{"OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"},
	{"PMI_RANK", "PMI_SIZE"},
	{"SLURM_PROCID", "SLURM_NTASKS"},
}

// IdentityFromEnv reads the worker identity from launcher environment
// variables. Without any of them the process is worker 0 of 1.
func IdentityFromEnv(getenv func(string) string) (Identity, error) {
	for _, src := range identitySources {
		rankStr := strings.TrimSpace(getenv(src[0]))
		if rankStr == "" {
			continue
		}

		rank, err := strconv.Atoi(rankStr)
		if err != nil {
			return Identity{}, fmt.Errorf("invalid %s %q: %w", src[0], rankStr, err)
		}

		sizeStr := strings.TrimSpace(getenv(src[1]))
		if sizeStr == "" {
			return Identity{}, fmt.Errorf("%s is set but %s is not", src[0], src[1])
		}
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			return Identity{}, fmt.Errorf("invalid %s %q: %w", src[1], sizeStr, err)
		}

		if size < 1 || rank < 0 || rank >= size {
			return Identity{}, fmt.Errorf("worker %d out of range for %d workers (%s)", rank, size, src[0])
		}
		return Identity{WorkerID: rank, WorkerCount: size, Source: src[0]}, nil
	}

	return Identity{WorkerID: 0, WorkerCount: 1, Source: "default"}, nil
}

// sharedRunID returns a run ID every process of the same job computes identically.
func sharedRunID(getenv func(string) string) (string, bool) {
	if id := strings.TrimSpace(getenv("EVGEN_RUN_ID")); id != "" {
		return id, true
	}
	if id := strings.TrimSpace(getenv("SLURM_JOB_ID")); id != "" {
		if step := strings.TrimSpace(getenv("SLURM_STEP_ID")); step != "" {
			return "slurm-" + id + "." + step, true
		}
		return "slurm-" + id, true
	}
	if ns := strings.TrimSpace(getenv("PMIX_NAMESPACE")); ns != "" {
		return "pmix-" + ns, true
	}
	return "", false
}

// RunID returns the ID of this run. Processes of a multi-worker run must share
// it, so a random ID is only generated when no peers exist.
func RunID(getenv func(string) string, workerCount int, processMode bool) (string, error) {
	if id, ok := sharedRunID(getenv); ok {
		return id, nil
	}
	if processMode && workerCount > 1 {
		return "", fmt.Errorf("%w: set EVGEN_RUN_ID for %d workers", ErrNoRunID, workerCount)
	}
	return uuid.NewString(), nil
}

// ledgerPath expands the {worker} placeholder of the ledger path. private
// reports whether the resulting file belongs to this worker alone.
func ledgerPath(pattern string, workerID int, processMode bool) (path string, private bool) {
	if !strings.Contains(pattern, "{worker}") {
		return pattern, false
	}
	if !processMode {
		return strings.ReplaceAll(pattern, "{worker}", "local"), false
	}
	return strings.ReplaceAll(pattern, "{worker}", strconv.Itoa(workerID)), true
}
