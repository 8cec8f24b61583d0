package ledger

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Filter is a compiled CEL predicate over aggregates. The expression sees
// root, state, context and lastEventNumber, and must evaluate to a bool.
type Filter struct {
	expr string
	prg  cel.Program
}

var filterEnv *cel.Env

func init() {
	var err error
	filterEnv, err = cel.NewEnv(
		cel.Variable("root", cel.StringType),
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("lastEventNumber", cel.IntType),
	)
	if err != nil {
		panic("ledger: CEL environment initialization failed: " + err.Error())
	}
}

// CompileFilter compiles expr. An empty expression yields a nil filter,
// which matches everything.
func CompileFilter(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}
	ast, issues := filterEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &ValidationError{Index: -1, Field: "filter", Message: issues.Err().Error()}
	}
	if out := ast.OutputType(); !out.IsExactType(types.BoolType) && !out.IsExactType(types.DynType) {
		return nil, &ValidationError{Index: -1, Field: "filter", Message: fmt.Sprintf("must evaluate to bool, got %v", out)}
	}
	prg, err := filterEnv.Program(ast)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Match evaluates the filter against agg.
func (f *Filter) Match(agg *Aggregate) (bool, error) {
	if f == nil {
		return true, nil
	}
	state := agg.State
	if state == nil {
		state = map[string]any{}
	}
	ctxMap := agg.Context
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}
	val, _, err := f.prg.Eval(map[string]any{
		"root":            agg.Root,
		"state":           state,
		"context":         ctxMap,
		"lastEventNumber": agg.LastEventNumber,
	})
	if err != nil {
		return false, fmt.Errorf("ledger: evaluate filter %q on %s: %w", f.expr, agg.Root, err)
	}
	b, ok := val.(types.Bool)
	if !ok {
		return false, fmt.Errorf("ledger: filter %q returned %v, not bool", f.expr, val.Type())
	}
	return bool(b), nil
}
