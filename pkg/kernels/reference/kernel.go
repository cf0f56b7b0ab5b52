package reference

import (
	"github.com/rs/zerolog"

	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/engine"
)

// New assembles the reference kernel for cfg, loading kernel.acceptScript if set.
func New(cfg *config.RunConfig, logger zerolog.Logger) (engine.Kernel, error) {
	var accept *AcceptScript
	if cfg.Kernel.AcceptScript != "" {
		var err error
		accept, err = LoadAcceptScript(cfg.Kernel.AcceptScript, 0)
		if err != nil {
			return engine.Kernel{}, err
		}
	}

	return engine.Kernel{
		Initializer: NewInitializer(cfg, accept, logger),
		Evolver:     NewEvolver(logger),
		Geometry:    GeometryFactory{},
	}, nil
}
