package reference

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/engine"
	"github.com/latticeforge/evgen/pkg/lattice"
)

// EvolutionFileName returns the result file written for an event.
func EvolutionFileName(eventID int) string {
	return fmt.Sprintf("evolution%d.yaml", eventID)
}

// Evolver relaxes the primary field towards unit links with a nearest
// neighbour diffusion step and writes energy density summaries.
type Evolver struct {
	logger zerolog.Logger
}

// NewEvolver creates the reference evolver.
func NewEvolver(logger zerolog.Logger) *Evolver {
	return &Evolver{
		logger: logger.With().Str("component", "reference-evolver").Logger(),
	}
}

// Summary describes the energy density over all sites at one time.
type Summary struct {
	Tau    float64 `yaml:"tau"`
	Mean   float64 `yaml:"mean"`
	Median float64 `yaml:"median"`
	StdDev float64 `yaml:"stddev"`
	P90    float64 `yaml:"p90"`
	Max    float64 `yaml:"max"`
}

// Result is the content of an evolution result file.
type Result struct {
	RunID      string    `yaml:"runId"`
	EventID    int       `yaml:"eventId"`
	WorkerID   int       `yaml:"workerId"`
	Seed       uint64    `yaml:"seed"`
	Size       int       `yaml:"size"`
	GroupOrder int       `yaml:"groupOrder"`
	Dtau       float64   `yaml:"dtau"`
	Steps      int       `yaml:"steps"`
	Duration   string    `yaml:"duration"`
	Initial    Summary   `yaml:"initial"`
	Final      Summary   `yaml:"final"`
	History    []Summary `yaml:"history"`
}

// Evolve implements engine.Evolver.
func (e *Evolver) Evolve(ctx context.Context, pair *lattice.Pair, groupOrder int, cfg *config.RunConfig, info engine.EventInfo) error {
	start := time.Now()
	shape := pair.Shape()
	if groupOrder != shape.GroupOrder {
		return fmt.Errorf("group order %d does not match lattice shape %d", groupOrder, shape.GroupOrder)
	}

	dtau := cfg.Evolution.Dtau
	steps := int(math.Ceil(cfg.Evolution.MaxTime / dtau))
	if steps < 0 {
		steps = 0
	}

	result := Result{
		RunID:      info.RunID,
		EventID:    info.EventID,
		WorkerID:   info.WorkerID,
		Seed:       info.Seed,
		Size:       shape.Size,
		GroupOrder: groupOrder,
		Dtau:       dtau,
		Steps:      steps,
	}

	initial, err := summarize(pair.Primary, 0)
	if err != nil {
		return err
	}
	result.Initial = initial
	result.History = append(result.History, initial)

	// Diffusion is only stable for rate <= 1/4
	rate := math.Min(dtau, 0.25)
	for step := 1; step <= steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		relax(pair, rate)

		s, err := summarize(pair.Primary, float64(step)*dtau)
		if err != nil {
			return err
		}
		result.History = append(result.History, s)
	}
	result.Final = result.History[len(result.History)-1]
	result.Duration = time.Since(start).String()

	path := filepath.Join(cfg.Evolution.OutputDir, EvolutionFileName(info.EventID))
	if err := writeResult(path, &result); err != nil {
		return err
	}

	e.logger.Info().
		Int("event_id", info.EventID).
		Int("steps", steps).
		Float64("initial_mean", result.Initial.Mean).
		Float64("final_mean", result.Final.Mean).
		Str("path", path).
		Msg("Evolution finished")

	return nil
}

// relax writes one diffusion step into scratch and swaps it into primary.
func relax(pair *lattice.Pair, rate float64) {
	src, dst := pair.Primary, pair.Scratch
	shape := src.Shape
	n := shape.Size
	perCell := shape.ElementsPerCell()

	for site := 0; site < shape.Cells(); site++ {
		x, y := site%n, site/n
		neighbours := [4]int{
			y*n + (x+1)%n,
			y*n + (x+n-1)%n,
			((y+1)%n)*n + x,
			((y+n-1)%n)*n + x,
		}
		for k := 0; k < perCell; k++ {
			v := src.Data[src.Index(site, k)]
			var lap complex128
			for _, nb := range neighbours {
				lap += src.Data[src.Index(nb, k)] - v
			}
			dst.Data[dst.Index(site, k)] = v + complex(rate, 0)*lap
		}
	}

	src.Data, dst.Data = dst.Data, src.Data
}

// energy is the squared distance of a site's links from unit matrices.
func energy(f *lattice.Field, site int) float64 {
	order := f.Shape.GroupOrder
	matrix := order * order
	var sum float64
	for k := 0; k < f.Shape.ElementsPerCell(); k++ {
		v := f.Data[f.Index(site, k)]
		within := k % matrix
		if within/order == within%order {
			v -= 1
		}
		a := cmplx.Abs(v)
		sum += a * a
	}
	return sum
}

func summarize(f *lattice.Field, tau float64) (Summary, error) {
	data := make([]float64, f.Shape.Cells())
	for site := range data {
		data[site] = energy(f, site)
	}

	s := Summary{Tau: tau}
	var err error
	if s.Mean, err = stats.Mean(data); err != nil {
		return s, fmt.Errorf("mean: %w", err)
	}
	if s.Median, err = stats.Median(data); err != nil {
		return s, fmt.Errorf("median: %w", err)
	}
	if s.StdDev, err = stats.StandardDeviation(data); err != nil {
		return s, fmt.Errorf("stddev: %w", err)
	}
	if s.P90, err = stats.Percentile(data, 90); err != nil {
		return s, fmt.Errorf("percentile: %w", err)
	}
	if s.Max, err = stats.Max(data); err != nil {
		return s, fmt.Errorf("max: %w", err)
	}
	return s, nil
}

func writeResult(path string, r *Result) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode evolution result: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write evolution result: %w", err)
	}
	return nil
}
