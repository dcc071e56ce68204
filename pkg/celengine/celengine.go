package celengine

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Variables exposed to rule expressions. Every expression sees the trigger
// context under "ctx" and the event name under "trigger".
const (
	VarContext = "ctx"
	VarTrigger = "trigger"
)

var env *cel.Env

func init() {
	var err error
	env, err = cel.NewEnv(
		cel.Variable(VarContext, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarTrigger, cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("celengine: %v", err))
	}
}

// Env returns the shared rule expression environment.
func Env() *cel.Env {
	return env
}

// Compile parses and checks expr, requiring a boolean result.
func Compile(expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("expected bool expression, got %s", ast.OutputType())
	}

	return env.Program(ast)
}

func ValidateExpression(expr string) error {
	_, err := Compile(expr)
	return err
}

// Evaluate runs a compiled program against the trigger context.
func Evaluate(prg cel.Program, trigger string, ctx map[string]any) (bool, error) {
	if ctx == nil {
		ctx = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{
		VarContext: ctx,
		VarTrigger: trigger,
	})
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}

	return b, nil
}
