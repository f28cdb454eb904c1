package scripting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultTimeout bounds a single script execution.
const DefaultTimeout = 30 * time.Second

// Result is the outcome of evaluating a script.
type Result struct {
	// Output holds the script's public globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}

// Evaluator executes Starlark scripts with a time limit.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator creates an evaluator. A zero timeout means DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{
		timeout: timeout,
	}
}

// Timeout returns the per-execution time limit.
func (e *Evaluator) Timeout() time.Duration {
	return e.timeout
}

// Evaluate executes a script with the given input bound as globals and
// returns its public globals.
func (e *Evaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*Result, error) {
	startTime := time.Now()

	predeclared, err := predeclare(input)
	if err != nil {
		return &Result{ExecutionTime: time.Since(startTime), Error: err.Error()}, err
	}

	var globals starlark.StringDict
	err = e.run(ctx, "script.star", func(thread *starlark.Thread) error {
		var execErr error
		globals, execErr = starlark.ExecFile(thread, "script.star", script, predeclared)
		return execErr
	})
	if err != nil {
		return &Result{ExecutionTime: time.Since(startTime), Error: err.Error()}, err
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		// Skip internal variables (starting with _)
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			err = fmt.Errorf("failed to convert output %s: %w", name, err)
			return &Result{ExecutionTime: time.Since(startTime), Error: err.Error()}, err
		}
		output[name] = goVal
	}

	return &Result{
		Output:        output,
		ExecutionTime: time.Since(startTime),
	}, nil
}

// run executes fn on a fresh thread, cancelling the thread when ctx ends or
// the timeout elapses.
func (e *Evaluator) run(ctx context.Context, name string, fn func(*starlark.Thread) error) error {
	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	logger := zerolog.Ctx(ctx)
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Debug().Str("script", name).Msg(msg)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- fn(thread)
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		<-errCh
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("starlark execution timeout after %v", e.timeout)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("starlark execution failed: %w", err)
		}
		return nil
	}
}

// predeclare builds the global environment of a script.
func predeclare(input map[string]interface{}) (starlark.StringDict, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}
	return predeclared, nil
}
