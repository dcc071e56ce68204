package rule

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"smallbiznis-autopost/pkg/celengine"
)

// Condition operators.
const (
	OpAll      = "all"
	OpAny      = "any"
	OpNot      = "not"
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
	OpExists   = "exists"
	OpCEL      = "cel"
)

// Condition is a predicate tree over the trigger context. Field is a dotted
// path such as "metrics.ctr".
type Condition struct {
	Op         string      `json:"op"`
	Field      string      `json:"field,omitempty"`
	Value      any         `json:"value,omitempty"`
	Expr       string      `json:"expr,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Predicate is a compiled condition. It has no side effects.
type Predicate func(trigger string, ctx map[string]any) (bool, error)

func alwaysTrue(string, map[string]any) (bool, error) { return true, nil }

// ParseCondition decodes a stored condition. Empty input means "always".
func ParseCondition(raw []byte) (*Condition, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" || s == "{}" {
		return nil, nil
	}
	var c Condition
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}
	return &c, nil
}

// CompileCondition validates the tree and returns its predicate.
func CompileCondition(c *Condition) (Predicate, error) {
	if c == nil || c.Op == "" {
		return alwaysTrue, nil
	}

	switch c.Op {
	case OpAll, OpAny:
		children := make([]Predicate, 0, len(c.Conditions))
		for i := range c.Conditions {
			p, err := CompileCondition(&c.Conditions[i])
			if err != nil {
				return nil, err
			}
			children = append(children, p)
		}
		if c.Op == OpAll {
			return func(t string, ctx map[string]any) (bool, error) {
				for _, p := range children {
					ok, err := p(t, ctx)
					if err != nil || !ok {
						return false, err
					}
				}
				return true, nil
			}, nil
		}
		return func(t string, ctx map[string]any) (bool, error) {
			for _, p := range children {
				ok, err := p(t, ctx)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		}, nil

	case OpNot:
		if len(c.Conditions) != 1 {
			return nil, fmt.Errorf("condition: not takes exactly one condition, got %d", len(c.Conditions))
		}
		inner, err := CompileCondition(&c.Conditions[0])
		if err != nil {
			return nil, err
		}
		return func(t string, ctx map[string]any) (bool, error) {
			ok, err := inner(t, ctx)
			return !ok && err == nil, err
		}, nil

	case OpCEL:
		if c.Expr == "" {
			return nil, fmt.Errorf("condition: cel requires expr")
		}
		prg, err := celengine.Compile(c.Expr)
		if err != nil {
			return nil, fmt.Errorf("condition: %w", err)
		}
		return func(t string, ctx map[string]any) (bool, error) {
			return celengine.Evaluate(prg, t, ctx)
		}, nil

	case OpExists:
		if c.Field == "" {
			return nil, fmt.Errorf("condition: exists requires field")
		}
		field := c.Field
		return func(_ string, ctx map[string]any) (bool, error) {
			v, ok := Lookup(ctx, field)
			return ok && v != nil, nil
		}, nil

	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains:
		if c.Field == "" {
			return nil, fmt.Errorf("condition: %s requires field", c.Op)
		}
		if c.Op == OpIn {
			if _, ok := c.Value.([]any); !ok {
				return nil, fmt.Errorf("condition: in requires a list value")
			}
		}
		op, field, want := c.Op, c.Field, c.Value
		return func(_ string, ctx map[string]any) (bool, error) {
			got, ok := Lookup(ctx, field)
			if !ok {
				return op == OpNeq, nil
			}
			return compare(op, got, want)
		}, nil

	default:
		return nil, fmt.Errorf("condition: unknown op %q", c.Op)
	}
}

// Lookup resolves a dotted path in nested maps.
func Lookup(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func compare(op string, got, want any) (bool, error) {
	switch op {
	case OpEq:
		return equal(got, want), nil
	case OpNeq:
		return !equal(got, want), nil
	case OpIn:
		for _, w := range want.([]any) {
			if equal(got, w) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		switch g := got.(type) {
		case string:
			w, ok := want.(string)
			return ok && strings.Contains(g, w), nil
		case []any:
			for _, item := range g {
				if equal(item, want) {
					return true, nil
				}
			}
			return false, nil
		case []string:
			for _, item := range g {
				if equal(item, want) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, nil
		}
	}

	a, aok := toFloat(got)
	b, bok := toFloat(want)
	if !aok || !bok {
		as, aStr := got.(string)
		bs, bStr := want.(string)
		if !aStr || !bStr {
			return false, fmt.Errorf("condition: %s needs numbers or strings, got %T and %T", op, got, want)
		}
		a, b = float64(strings.Compare(as, bs)), 0
	}

	switch op {
	case OpGt:
		return a > b, nil
	case OpGte:
		return a >= b, nil
	case OpLt:
		return a < b, nil
	default:
		return a <= b, nil
	}
}

func equal(a, b any) bool {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
