package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultGuardTimeout bounds the evaluation of one guard against one diff.
const DefaultGuardTimeout = 5 * time.Second

// Guard is a starlark expression evaluated per diff. `diff` and `resource` are in
// scope; `resource` is None for model diffs. A false result denies the diff.
//
//	diff.action != "delete" or diff.node.type != "vpc"
type Guard struct {
	name     string
	expr     string
	severity Severity
	timeout  time.Duration
	check    *starlark.Function
}

// NewGuard compiles expr. An empty severity means error.
func NewGuard(name, expr string, severity Severity) (*Guard, error) {
	if name == "" || strings.TrimSpace(expr) == "" {
		return nil, errs.NewValidationError("guard needs a name and an expression", nil)
	}
	if severity == "" {
		severity = SeverityError
	}

	script := fmt.Sprintf("def check(diff, resource):\n    return (%s)\n", expr)
	thread := newThread(name)
	globals, err := starlark.ExecFile(thread, name+".star", script, predeclared())
	if err != nil {
		return nil, errs.NewValidationError(fmt.Sprintf("guard %s does not compile", name), err)
	}
	fn, ok := globals["check"].(*starlark.Function)
	if !ok {
		return nil, errs.NewValidationError(fmt.Sprintf("guard %s does not compile", name), nil)
	}

	return &Guard{name: name, expr: expr, severity: severity, timeout: DefaultGuardTimeout, check: fn}, nil
}

// Name returns the guard name.
func (g *Guard) Name() string { return g.name }

// WithTimeout sets the evaluation timeout.
func (g *Guard) WithTimeout(timeout time.Duration) *Guard {
	if timeout > 0 {
		g.timeout = timeout
	}
	return g
}

// Check evaluates the guard against one input. It returns a violation when the
// expression is false.
func (g *Guard) Check(ctx context.Context, input *Input) (*Violation, error) {
	diff, res, err := guardArgs(input)
	if err != nil {
		return nil, errs.NewValidationError(fmt.Sprintf("guard %s: invalid input", g.name), err)
	}

	evalCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	thread := newThread(g.name)
	resultCh := make(chan starlark.Value, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := starlark.Call(thread, g.check, starlark.Tuple{diff, res}, nil)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- v
	}()

	var v starlark.Value
	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		return nil, errs.NewValidationError(fmt.Sprintf("guard %s timed out after %v", g.name, g.timeout), evalCtx.Err()).
			WithResource(input.Diff.Node.Context)
	case err := <-errCh:
		return nil, errs.NewValidationError(fmt.Sprintf("guard %s failed", g.name), err).
			WithResource(input.Diff.Node.Context)
	case v = <-resultCh:
	}

	allowed, ok := v.(starlark.Bool)
	if !ok {
		return nil, errs.NewValidationError(fmt.Sprintf("guard %s returned %s, want bool", g.name, v.Type()), nil)
	}
	if allowed {
		return nil, nil
	}
	return &Violation{
		Policy:   g.name,
		Node:     input.Diff.Node.Context,
		Diff:     fmt.Sprintf("%s %s.%s", input.Diff.Action, input.Diff.Node.Context, input.Diff.Field),
		Message:  fmt.Sprintf("guard rejected diff: %s", g.expr),
		Severity: g.severity,
	}, nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  name,
		Print: func(_ *starlark.Thread, _ string) {},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
}

// guardArgs converts an input to the starlark `diff` and `resource` arguments.
func guardArgs(input *Input) (starlark.Value, starlark.Value, error) {
	value, err := toStarlarkValue(input.Diff.Value)
	if err != nil {
		return nil, nil, err
	}
	diff := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"action": starlark.String(input.Diff.Action),
		"field":  starlark.String(input.Diff.Field),
		"tier":   starlark.String(input.Diff.Tier),
		"value":  value,
		"node": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"kind":    starlark.String(input.Diff.Node.Kind),
			"type":    starlark.String(input.Diff.Node.Type),
			"id":      starlark.String(input.Diff.Node.ID),
			"context": starlark.String(input.Diff.Node.Context),
		}),
	})

	if input.Resource == nil {
		return diff, starlark.None, nil
	}
	properties, err := toStarlarkValue(input.Resource.Properties)
	if err != nil {
		return nil, nil, err
	}
	res := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":         starlark.String(input.Resource.ID),
		"type":       starlark.String(input.Resource.Type),
		"properties": properties,
		"shared":     starlark.Bool(input.Resource.Shared),
	})
	return diff, res, nil
}

// toStarlarkValue converts a JSON-like Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			starlarkVal, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
