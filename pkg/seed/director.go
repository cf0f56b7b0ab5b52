// Package seed derives the per-worker random seed for a run.
package seed

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Mode selects how the seed is derived.
type Mode string

const (
	// ModeDirect uses the configured value plus a worker offset.
	ModeDirect Mode = "direct"

	// ModeTime mixes the current unix time into the seed.
	ModeTime Mode = "time"

	// ModeList reads one seed per worker from a shared list.
	ModeList Mode = "list"
)

// WorkerStride separates the seeds of neighbouring workers.
const WorkerStride = 1000

// TimeStride scales the configured value in time mode.
const TimeStride = 10000

var (
	// ErrSeedListMissing is returned when the seed list cannot be opened.
	ErrSeedListMissing = errors.New("seed list not found")

	// ErrSeedListShort is returned when the list has fewer entries than workers.
	ErrSeedListShort = errors.New("not enough seeds in seed list")

	// ErrSeedListMalformed is returned for entries that are not unsigned 64-bit integers.
	ErrSeedListMalformed = errors.New("malformed seed list entry")

	// ErrUnknownMode is returned for an unsupported mode.
	ErrUnknownMode = errors.New("unknown seed mode")
)

// Derivation records how a worker's seed was obtained.
type Derivation struct {
	Mode     Mode   `json:"mode"`
	Seed     uint64 `json:"seed"`
	WorkerID int    `json:"worker_id"`

	// Configured is the seed value from the run configuration.
	Configured uint64 `json:"configured"`

	// Offset is the worker contribution (WorkerID*WorkerStride) in direct and time mode.
	Offset uint64 `json:"offset"`

	// RawTime is the unix time used in time mode.
	RawTime int64 `json:"raw_time,omitempty"`

	// Source is the seed list path in list mode.
	Source string `json:"source,omitempty"`
}

// Reproducible reports whether the seed can be recomputed from the configuration alone.
func (d Derivation) Reproducible() bool {
	return d.Mode != ModeTime
}

// Director derives seeds according to a configured mode.
type Director struct {
	mode       Mode
	configured uint64
	listPath   string
	now        func() time.Time
	logger     zerolog.Logger
}

// Option customizes a Director.
type Option func(*Director)

// WithClock overrides the time source used in time mode.
func WithClock(now func() time.Time) Option {
	return func(d *Director) {
		d.now = now
	}
}

// WithLogger sets the logger used to report derivations.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Director) {
		d.logger = logger
	}
}

// NewDirector creates a Director.
func NewDirector(mode Mode, configured uint64, listPath string, opts ...Option) *Director {
	d := &Director{
		mode:       mode,
		configured: configured,
		listPath:   listPath,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Derive computes the seed for one worker. It is meant to be called once per
// worker per run; the result is reused for every event on that worker.
func (d *Director) Derive(workerID, workerCount int) (Derivation, error) {
	if workerID < 0 || workerCount <= 0 || workerID >= workerCount {
		return Derivation{}, fmt.Errorf("invalid worker %d of %d", workerID, workerCount)
	}

	offset := uint64(workerID) * WorkerStride

	switch d.mode {
	case ModeDirect:
		der := Derivation{
			Mode:       ModeDirect,
			Seed:       d.configured + offset,
			WorkerID:   workerID,
			Configured: d.configured,
			Offset:     offset,
		}
		d.logger.Info().
			Int("worker", workerID).
			Uint64("seed", der.Seed).
			Msg("Random seed entered directly +worker*1000")
		return der, nil

	case ModeTime:
		raw := d.now().Unix()
		der := Derivation{
			Mode:       ModeTime,
			Seed:       uint64(raw) + d.configured*TimeStride + offset,
			WorkerID:   workerID,
			Configured: d.configured,
			Offset:     offset,
			RawTime:    raw,
		}
		d.logger.Info().
			Int("worker", workerID).
			Uint64("seed", der.Seed).
			Int64("raw_time", raw).
			Uint64("configured", d.configured).
			Uint64("worker_offset", offset).
			Msg("Random seed made from time")
		return der, nil

	case ModeList:
		seeds, err := ReadListFile(d.listPath, workerCount)
		if err != nil {
			return Derivation{}, err
		}
		der := Derivation{
			Mode:     ModeList,
			Seed:     seeds[workerID],
			WorkerID: workerID,
			Source:   d.listPath,
		}
		d.logger.Info().
			Int("worker", workerID).
			Uint64("seed", der.Seed).
			Str("source", d.listPath).
			Msg("Random seed read from list")
		return der, nil

	default:
		return Derivation{}, fmt.Errorf("%w: %q", ErrUnknownMode, d.mode)
	}
}

// ReadListFile reads the first n seeds from the file at path.
func ReadListFile(path string, n int) ([]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSeedListMissing, path, err)
	}
	defer f.Close()

	seeds, err := ReadList(f, n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seeds, nil
}

// ReadList reads exactly n whitespace-separated unsigned integers from r.
// Anything after the n-th entry is ignored.
func ReadList(r io.Reader, n int) ([]uint64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)

	seeds := make([]uint64, 0, n)
	for len(seeds) < n && scanner.Scan() {
		tok := scanner.Text()
		v, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d %q", ErrSeedListMalformed, len(seeds), tok)
		}
		seeds = append(seeds, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seed list: %w", err)
	}

	if len(seeds) < n {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrSeedListShort, len(seeds), n)
	}
	return seeds, nil
}
