package reference

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/latticeforge/evgen/pkg/engine"
)

// acceptFunc is the function an accept script must define.
const acceptFunc = "accept"

// AcceptScript is a Starlark predicate over sampled geometries. The script
// defines accept(geometry) returning a bool; geometry has the fields b,
// participants, target_a and projectile_a.
//
//	def accept(geometry):
//	    return geometry.participants >= 50
type AcceptScript struct {
	name    string
	fn      starlark.Callable
	timeout time.Duration
}

// LoadAcceptScript reads and compiles the script at path.
func LoadAcceptScript(path string, timeout time.Duration) (*AcceptScript, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accept script: %w", err)
	}
	return NewAcceptScript(path, string(src), timeout)
}

// NewAcceptScript compiles src. name is used in error positions.
func NewAcceptScript(name, src string, timeout time.Duration) (*AcceptScript, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	thread := newThread(name)
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}

	globals, err := starlark.ExecFile(thread, name, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	v, ok := globals[acceptFunc]
	if !ok {
		return nil, fmt.Errorf("accept script %s does not define %s(geometry)", name, acceptFunc)
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("accept script %s: %s is a %s, not a function", name, acceptFunc, v.Type())
	}

	// Globals are frozen so concurrent Accept calls cannot mutate shared state.
	globals.Freeze()

	return &AcceptScript{name: name, fn: fn, timeout: timeout}, nil
}

// Accept calls the script's accept function for g.
func (a *AcceptScript) Accept(ctx context.Context, g *engine.Geometry) (bool, error) {
	thread := newThread(a.name)

	evalCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	arg := starlarkstruct.FromStringDict(starlark.String("geometry"), starlark.StringDict{
		"b":            starlark.Float(g.ImpactParameter),
		"participants": starlark.MakeInt(g.Participants),
		"target_a":     starlark.MakeInt(g.TargetA),
		"projectile_a": starlark.MakeInt(g.ProjectileA),
	})

	result, err := starlark.Call(thread, a.fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return false, fmt.Errorf("accept script %s: %w", a.name, err)
	}

	b, ok := result.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("accept script %s returned %s, want bool", a.name, result.Type())
	}
	return bool(b), nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print
		},
	}
}
