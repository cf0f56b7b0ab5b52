// Package export runs the external merge program that packs event results
// into combined result files.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CombineOnlyFlag tells the merge program to only combine existing per-worker files.
const CombineOnlyFlag = "--combine_hdf5_files_only"

const waitDelay = 5 * time.Second

// Config describes how to invoke the merge program.
type Config struct {
	Program      string
	Script       string
	OutputDir    string
	OutputPrefix string

	// WorkDir is the directory the program runs in; empty uses the current directory.
	WorkDir string

	// Timeout bounds one invocation; zero means no limit.
	Timeout time.Duration
}

// Result is the captured outcome of one invocation.
type Result struct {
	Command  []string      `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`

	// Err is set when the program could not be started or did not exit cleanly.
	Err error `json:"-"`
}

// OK reports whether the program ran and exited with status zero.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// CommandLine returns the command as a single string for logs and the ledger.
func (r Result) CommandLine() string {
	return strings.Join(r.Command, " ")
}

// Runner invokes the merge program.
type Runner struct {
	cfg    Config
	logger zerolog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: logger.With().Str("component", "export").Logger(),
	}
}

// WorkerOutputName is the per-worker output file prefix.
func (r *Runner) WorkerOutputName(workerID int) string {
	return fmt.Sprintf("%s_rank%d", r.cfg.OutputPrefix, workerID)
}

// CombinedGlob matches the artifacts written by Combine.
func (r *Runner) CombinedGlob() string {
	return filepath.Join(r.cfg.OutputDir, r.cfg.OutputPrefix+"*")
}

// EventArgs returns the arguments that export one event.
func (r *Runner) EventArgs(workerID, eventID int) []string {
	return r.args("--output_filename", r.WorkerOutputName(workerID),
		"--event_id", strconv.Itoa(eventID))
}

// CombineArgs returns the arguments that merge the per-worker files.
func (r *Runner) CombineArgs() []string {
	return r.args("--output_filename", r.cfg.OutputPrefix, CombineOnlyFlag)
}

func (r *Runner) args(extra ...string) []string {
	var args []string
	if r.cfg.Script != "" {
		args = append(args, r.cfg.Script)
	}
	args = append(args, r.cfg.OutputDir)
	return append(args, extra...)
}

// ExportEvent packs one event's output into the worker's result file.
func (r *Runner) ExportEvent(ctx context.Context, workerID, eventID int) Result {
	res := r.run(ctx, r.EventArgs(workerID, eventID))
	r.log(res).Int("worker", workerID).Int("event_id", eventID).Msg("Event export finished")
	return res
}

// Combine merges all per-worker result files into the final result.
func (r *Runner) Combine(ctx context.Context) Result {
	res := r.run(ctx, r.CombineArgs())
	r.log(res).Msg("Combine finished")
	return res
}

func (r *Runner) run(ctx context.Context, args []string) Result {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.cfg.Program, args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}

	// Children that inherit the output pipes must not hold Wait open past cancellation.
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	res := Result{
		Command:  append([]string{r.cfg.Program}, args...),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Err = fmt.Errorf("%s exited with status %d", r.cfg.Program, res.ExitCode)
		} else {
			res.ExitCode = -1
			res.Err = fmt.Errorf("failed to execute %s: %w", r.cfg.Program, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.Err = fmt.Errorf("%w: %v", ctxErr, res.Err)
		}
	}
	return res
}

func (r *Runner) log(res Result) *zerolog.Event {
	ev := r.logger.Info()
	if !res.OK() {
		ev = r.logger.Warn().Err(res.Err).Str("stderr", res.Stderr)
	}
	return ev.
		Str("command", res.CommandLine()).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration)
}
