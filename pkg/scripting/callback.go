package scripting

import (
	"context"
	"fmt"
	"iter"
	"os"

	"go.starlark.net/starlark"

	"github.com/pagepoet/pagepoet/pkg/engine"
)

// DefaultFunction is the function a script callback calls when none is
// named.
const DefaultFunction = "parse"

// CallbackSpec declares a callback implemented in Starlark.
type CallbackSpec struct {
	// Name is the callback name requests refer to.
	Name string

	// Filename is the script path. It is read when Source is empty.
	Filename string

	// Source is the script text.
	Source string

	// Function is the function to call, DefaultFunction when empty.
	Function string

	// Params declare what is injected into the function's positional
	// parameters, in order.
	Params []engine.Param
}

// NewCallback compiles a script and returns a callback calling one of its
// functions. Each invocation runs on its own thread under the evaluator's
// timeout. A returned list yields one item per element, None yields nothing
// and any other value yields one item.
func (e *Evaluator) NewCallback(ctx context.Context, spec CallbackSpec) (*engine.Callback, error) {
	src := spec.Source
	if src == "" {
		data, err := os.ReadFile(spec.Filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read script %s: %w", spec.Filename, err)
		}
		src = string(data)
	}
	filename := spec.Filename
	if filename == "" {
		filename = spec.Name + ".star"
	}
	function := spec.Function
	if function == "" {
		function = DefaultFunction
	}

	predeclared, err := predeclare(nil)
	if err != nil {
		return nil, err
	}

	var globals starlark.StringDict
	err = e.run(ctx, filename, func(thread *starlark.Thread) error {
		var execErr error
		globals, execErr = starlark.ExecFile(thread, filename, src, predeclared)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", filename, err)
	}

	fn, ok := globals[function].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("script %s defines no function %s", filename, function)
	}

	cb := engine.NewCallback(spec.Name, e.body(filename, fn, spec.Params), spec.Params...)
	cb.Variadic = fn.HasVarargs() && len(spec.Params) == 0
	if err := cb.Validate(); err != nil {
		return nil, err
	}
	return cb, nil
}

func (e *Evaluator) body(filename string, fn *starlark.Function, params []engine.Param) engine.CallbackFunc {
	return func(ctx context.Context, args engine.Instances) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			positional := make(starlark.Tuple, len(params))
			for i, p := range params {
				v, err := toStarlarkValue(args[p.Capability])
				if err != nil {
					yield(nil, fmt.Errorf("failed to convert %s for %s: %w", p.Name, fn.Name(), err))
					return
				}
				positional[i] = v
			}

			var ret starlark.Value
			err := e.run(ctx, filename, func(thread *starlark.Thread) error {
				var callErr error
				ret, callErr = starlark.Call(thread, fn, positional, nil)
				return callErr
			})
			if err != nil {
				yield(nil, err)
				return
			}

			out, err := fromStarlarkValue(ret)
			if err != nil {
				yield(nil, fmt.Errorf("failed to convert result of %s: %w", fn.Name(), err))
				return
			}

			switch v := out.(type) {
			case nil:
			case []interface{}:
				for _, item := range v {
					if !yield(item, nil) {
						return
					}
				}
			default:
				yield(v, nil)
			}
		}
	}
}
