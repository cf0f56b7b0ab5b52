// Package reference is the built-in pure-Go physics kernel.
//
// It samples collision geometries with a Monte Carlo Glauber model, fills the
// primary field with fluctuations weighted by the participant density and
// relaxes the field in time. The physics is deliberately small: the kernel
// exists so a run can be exercised end to end without an external module.
package reference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/engine"
	"github.com/latticeforge/evgen/pkg/rng"
)

// ErrUnknownNucleus is returned for a target or projectile name with no known mass number.
var ErrUnknownNucleus = errors.New("unknown nucleus")

// nucleonRadius is r0 in R = r0 * A^(1/3), in fm.
const nucleonRadius = 1.12

// mbToFm2 converts a cross section in mb to fm^2.
const mbToFm2 = 0.1

var massNumbers = map[string]int{
	"p":   1,
	"d":   2,
	"he3": 3,
	"c":   12,
	"o":   16,
	"al":  27,
	"cu":  63,
	"ru":  96,
	"zr":  96,
	"xe":  129,
	"au":  197,
	"pb":  208,
	"u":   238,
}

// MassNumber returns A for a nucleus name such as "Au" or "Pb".
func MassNumber(name string) (int, error) {
	a, ok := massNumbers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownNucleus, name)
	}
	return a, nil
}

// GeometryFactory builds Glauber samplers from the collision section of a run.
type GeometryFactory struct{}

// NewSampler implements engine.GeometryFactory.
func (GeometryFactory) NewSampler(ctx context.Context, cfg *config.RunConfig, workerID int) (engine.GeometrySampler, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewGlauberSampler(cfg.Collision)
}

// GlauberSampler places nucleons uniformly in hard spheres and counts the
// ones that collide with at least one nucleon of the other nucleus.
type GlauberSampler struct {
	targetA     int
	projectileA int
	bMin, bMax  float64

	// dSquared is the squared transverse distance below which two nucleons collide.
	dSquared float64
}

// NewGlauberSampler creates a sampler for the given collision.
func NewGlauberSampler(c config.CollisionConfig) (*GlauberSampler, error) {
	ta, err := MassNumber(c.Target)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	pa, err := MassNumber(c.Projectile)
	if err != nil {
		return nil, fmt.Errorf("projectile: %w", err)
	}
	if c.SigmaNN <= 0 {
		return nil, fmt.Errorf("sigmaNN must be positive, got %g", c.SigmaNN)
	}
	if c.BMax < c.BMin || c.BMin < 0 {
		return nil, fmt.Errorf("invalid impact parameter range [%g, %g]", c.BMin, c.BMax)
	}

	return &GlauberSampler{
		targetA:     ta,
		projectileA: pa,
		bMin:        c.BMin,
		bMax:        c.BMax,
		dSquared:    c.SigmaNN * mbToFm2 / math.Pi,
	}, nil
}

// Sample implements engine.GeometrySampler.
func (g *GlauberSampler) Sample(stream rng.Stream) (*engine.Geometry, error) {
	// b is distributed with weight b db between bMin and bMax
	b2 := g.bMin*g.bMin + stream.Float64()*(g.bMax*g.bMax-g.bMin*g.bMin)
	b := math.Sqrt(b2)

	target := placeNucleons(stream, g.targetA, -b/2)
	projectile := placeNucleons(stream, g.projectileA, b/2)

	return &engine.Geometry{
		ImpactParameter: b,
		Participants:    g.countParticipants(target, projectile),
		TargetA:         g.targetA,
		ProjectileA:     g.projectileA,
	}, nil
}

type nucleon struct {
	x, y float64
}

// placeNucleons draws A transverse positions from a uniform sphere centered at (shift, 0).
func placeNucleons(stream rng.Stream, a int, shift float64) []nucleon {
	radius := nucleonRadius * math.Cbrt(float64(a))
	if a == 1 {
		return []nucleon{{x: shift}}
	}

	out := make([]nucleon, 0, a)
	for len(out) < a {
		x := (2*stream.Float64() - 1) * radius
		y := (2*stream.Float64() - 1) * radius
		z := (2*stream.Float64() - 1) * radius
		if x*x+y*y+z*z > radius*radius {
			continue
		}
		out = append(out, nucleon{x: x + shift, y: y})
	}
	return out
}

func (g *GlauberSampler) countParticipants(target, projectile []nucleon) int {
	hitP := make([]bool, len(projectile))
	n := 0
	for _, t := range target {
		hit := false
		for j, p := range projectile {
			dx, dy := t.x-p.x, t.y-p.y
			if dx*dx+dy*dy < g.dSquared {
				hit = true
				hitP[j] = true
			}
		}
		if hit {
			n++
		}
	}
	for _, h := range hitP {
		if h {
			n++
		}
	}
	return n
}
