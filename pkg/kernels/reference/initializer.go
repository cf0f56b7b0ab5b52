package reference

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/engine"
	"github.com/latticeforge/evgen/pkg/lattice"
	"github.com/latticeforge/evgen/pkg/rng"
)

// Initializer fills the primary field from one sampled geometry.
//
// An attempt is retried when the sampled geometry has no participants or the
// accept script rejects it. A fresh start adds Gaussian fluctuations to unit
// links, scaled by the participant thickness at each site; otherwise the
// field starts from unit links.
type Initializer struct {
	spacing float64
	accept  *AcceptScript
	logger  zerolog.Logger
}

// NewInitializer creates an initializer for cfg. accept may be nil.
func NewInitializer(cfg *config.RunConfig, accept *AcceptScript, logger zerolog.Logger) *Initializer {
	return &Initializer{
		spacing: cfg.Lattice.Spacing(),
		accept:  accept,
		logger:  logger.With().Str("component", "reference-initializer").Logger(),
	}
}

// Initialize implements engine.Initializer.
func (in *Initializer) Initialize(ctx context.Context, pair *lattice.Pair, groupOrder int, stream rng.Stream,
	geometry engine.GeometrySampler, freshStart bool) (engine.Outcome, error) {
	g, err := geometry.Sample(stream)
	if err != nil {
		return engine.OutcomeRetry, fmt.Errorf("geometry sampling failed: %w", err)
	}

	if g.Participants == 0 {
		in.logger.Debug().Float64("b", g.ImpactParameter).Msg("No participants, retrying")
		return engine.OutcomeRetry, nil
	}

	if in.accept != nil {
		ok, err := in.accept.Accept(ctx, g)
		if err != nil {
			return engine.OutcomeRetry, err
		}
		if !ok {
			in.logger.Debug().
				Float64("b", g.ImpactParameter).
				Int("participants", g.Participants).
				Msg("Geometry rejected by accept script")
			return engine.OutcomeRetry, nil
		}
	}

	shape := pair.Shape()
	if groupOrder != shape.GroupOrder {
		return engine.OutcomeRetry, fmt.Errorf("group order %d does not match lattice shape %d", groupOrder, shape.GroupOrder)
	}

	field := pair.Primary
	perCell := shape.ElementsPerCell()
	matrix := groupOrder * groupOrder
	profile := newThickness(g, in.spacing, shape.Size)

	for site := 0; site < shape.Cells(); site++ {
		amp := 0.0
		if freshStart {
			amp = profile.at(site)
		}
		for k := 0; k < perCell; k++ {
			// k runs over LinksPerSite matrices of groupOrder x groupOrder entries
			within := k % matrix
			v := complex(0, 0)
			if within/groupOrder == within%groupOrder {
				v = 1
			}
			if amp > 0 {
				v += complex(amp*stream.NormFloat64(), amp*stream.NormFloat64())
			}
			field.Data[field.Index(site, k)] = v
		}
	}

	in.logger.Debug().
		Float64("b", g.ImpactParameter).
		Int("participants", g.Participants).
		Bool("fresh", freshStart).
		Msg("Initial condition accepted")

	return engine.OutcomeSucceeded, nil
}

// thickness is a smooth participant density built from two overlapping disks.
type thickness struct {
	size    int
	spacing float64
	b       float64
	rT, rP  float64
	norm    float64
}

func newThickness(g *engine.Geometry, spacing float64, size int) thickness {
	total := float64(g.TargetA + g.ProjectileA)
	return thickness{
		size:    size,
		spacing: spacing,
		b:       g.ImpactParameter,
		rT:      nucleonRadius * math.Cbrt(float64(g.TargetA)),
		rP:      nucleonRadius * math.Cbrt(float64(g.ProjectileA)),
		norm:    float64(g.Participants) / total,
	}
}

func (t thickness) at(site int) float64 {
	half := float64(t.size) / 2
	x := (float64(site%t.size) - half + 0.5) * t.spacing
	y := (float64(site/t.size) - half + 0.5) * t.spacing

	ta := disk(x+t.b/2, y, t.rT)
	tp := disk(x-t.b/2, y, t.rP)
	return t.norm * math.Sqrt(ta*tp)
}

// disk is the normalized thickness of a uniform sphere of radius r at transverse (x, y).
func disk(x, y, r float64) float64 {
	d2 := x*x + y*y
	if d2 >= r*r {
		return 0
	}
	return math.Sqrt(1 - d2/(r*r))
}
