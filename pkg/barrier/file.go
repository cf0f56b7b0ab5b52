package barrier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	markerPrefix = "worker-"
	brokenMarker = "BROKEN"
)

// ErrTimeout is returned when a file barrier wait exceeds its timeout.
var ErrTimeout = errors.New("barrier wait timed out")

// ErrStale is returned by NewFile when the directory already holds this
// worker's arrivals or a broken marker, as left by an earlier launch that
// used the same run ID.
var ErrStale = errors.New("barrier directory holds state from an earlier launch")

// File is a barrier between processes that share a directory. Each worker
// holds its own File; generation g completes when gen-<g>/ holds one marker per worker.
type File struct {
	dir         string
	workerID    int
	workerCount int
	poll        time.Duration
	timeout     time.Duration
	logger      zerolog.Logger

	generation int
}

// FileOption customizes a File barrier.
type FileOption func(*File)

// WithPoll sets the polling interval used alongside filesystem notifications.
func WithPoll(d time.Duration) FileOption {
	return func(f *File) {
		if d > 0 {
			f.poll = d
		}
	}
}

// WithTimeout bounds each Wait; zero waits until the context ends.
func WithTimeout(d time.Duration) FileOption {
	return func(f *File) {
		f.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) FileOption {
	return func(f *File) {
		f.logger = logger
	}
}

// NewFile creates the barrier handle for one worker. dir must be unique to the run.
func NewFile(dir string, workerID, workerCount int, opts ...FileOption) (*File, error) {
	if workerCount < 1 || workerID < 0 || workerID >= workerCount {
		return nil, fmt.Errorf("invalid worker %d of %d", workerID, workerCount)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create barrier directory: %w", err)
	}
	if err := checkFresh(dir, workerID); err != nil {
		return nil, err
	}

	f := &File{
		dir:         dir,
		workerID:    workerID,
		workerCount: workerCount,
		poll:        500 * time.Millisecond,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With().Str("component", "file-barrier").Int("worker", workerID).Logger()
	return f, nil
}

// Generation returns the number of completed waits.
func (f *File) Generation() int {
	return f.generation
}

// Wait writes this worker's marker for the current generation and blocks until
// all workers have written theirs.
func (f *File) Wait(ctx context.Context) error {
	g := f.generation
	genDir := filepath.Join(f.dir, fmt.Sprintf("gen-%d", g))

	if err := os.MkdirAll(genDir, 0755); err != nil {
		return fmt.Errorf("failed to create generation directory: %w", err)
	}
	if err := f.writeMarker(genDir); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.logger.Warn().Err(err).Msg("Failed to create watcher, polling only")
	} else {
		defer watcher.Close()
		if err := watcher.Add(genDir); err != nil {
			f.logger.Warn().Err(err).Str("path", genDir).Msg("Failed to watch generation directory")
		}
		if err := watcher.Add(f.dir); err != nil {
			f.logger.Warn().Err(err).Str("path", f.dir).Msg("Failed to watch barrier directory")
		}
	}

	var timeout <-chan time.Time
	if f.timeout > 0 {
		timer := time.NewTimer(f.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		if cause, broken := f.brokenCause(); broken {
			return brokenErr(errors.New(cause))
		}

		n, err := f.arrivals(genDir)
		if err != nil {
			return err
		}
		if n >= f.workerCount {
			f.generation++
			f.cleanup(g)
			f.logger.Debug().Int("generation", g).Msg("Barrier passed")
			return nil
		}

		select {
		case <-ctx.Done():
			f.Break(ctx.Err())
			return ctx.Err()
		case <-timeout:
			err := fmt.Errorf("%w after %v at generation %d (%d of %d arrived)",
				ErrTimeout, f.timeout, g, n, f.workerCount)
			f.Break(err)
			return err
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			f.logger.Trace().Str("event", ev.String()).Msg("Barrier directory changed")
		case werr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			f.logger.Warn().Err(werr).Msg("Barrier watcher error")
		case <-ticker.C:
		}
	}
}

// Break leaves a marker that makes every current and future Wait in this
// directory fail with ErrBroken.
func (f *File) Break(cause error) {
	msg := "broken without cause"
	if cause != nil {
		msg = fmt.Sprintf("worker %d: %v", f.workerID, cause)
	}

	path := filepath.Join(f.dir, brokenMarker)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if !errors.Is(err, os.ErrExist) {
			f.logger.Error().Err(err).Msg("Failed to write broken marker")
		}
		return
	}
	defer file.Close()
	if _, err := file.WriteString(msg); err != nil {
		f.logger.Error().Err(err).Msg("Failed to write broken marker")
	}
}

func (f *File) writeMarker(genDir string) error {
	name := fmt.Sprintf("%s%d", markerPrefix, f.workerID)
	tmp := filepath.Join(genDir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(time.Now().UTC().Format(time.RFC3339Nano)), 0644); err != nil {
		return fmt.Errorf("failed to write barrier marker: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(genDir, name)); err != nil {
		return fmt.Errorf("failed to publish barrier marker: %w", err)
	}
	return nil
}

func (f *File) arrivals(genDir string) (int, error) {
	entries, err := os.ReadDir(genDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read generation directory: %w", err)
	}
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), markerPrefix) {
			n++
		}
	}
	return n, nil
}

func (f *File) brokenCause() (string, bool) {
	data, err := os.ReadFile(filepath.Join(f.dir, brokenMarker))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// cleanup removes generation g-1. Every worker has left g-1 once any worker
// has passed g, so only worker 0 removes it.
func (f *File) cleanup(g int) {
	if f.workerID != 0 || g < 1 {
		return
	}
	old := filepath.Join(f.dir, fmt.Sprintf("gen-%d", g-1))
	if err := os.RemoveAll(old); err != nil {
		f.logger.Warn().Err(err).Str("path", old).Msg("Failed to remove old barrier generation")
	}
}

// checkFresh rejects a directory another launch has already used. Peers of the
// current launch may have arrived at gen-0 already, so only this worker's own
// markers and the broken marker count as stale.
func checkFresh(dir string, workerID int) error {
	if data, err := os.ReadFile(filepath.Join(dir, brokenMarker)); err == nil {
		return fmt.Errorf("%w: %s is broken (%s)", ErrStale, dir, strings.TrimSpace(string(data)))
	}

	gens, err := filepath.Glob(filepath.Join(dir, "gen-*"))
	if err != nil {
		return fmt.Errorf("failed to scan barrier directory: %w", err)
	}
	own := fmt.Sprintf("%s%d", markerPrefix, workerID)
	for _, gen := range gens {
		if _, err := os.Stat(filepath.Join(gen, own)); err == nil {
			return fmt.Errorf("%w: worker %d already arrived at %s", ErrStale, workerID, gen)
		}
	}
	return nil
}
