package rule

import (
	"fmt"

	"smallbiznis-autopost/pkg/errutil"
)

type CompiledRule struct {
	ID        string
	Rule      Rule
	Condition Predicate
	Action    *Action
	// Err is set for a stored rule that does not compile. Firing it records
	// a failed run carrying this error.
	Err error
}

func (r *CompiledRule) evaluate(trigger string, ctx map[string]any) (bool, error) {
	if r.Condition == nil {
		return false, fmt.Errorf("compiled condition is nil for rule %s", r.ID)
	}
	matched, err := r.Condition(trigger, ctx)
	if err != nil {
		return false, fmt.Errorf("eval failed for rule %s: %w", r.ID, err)
	}
	return matched, nil
}

// Compile parses and validates a stored rule. A malformed condition or
// action is a terminal error.
func Compile(r Rule) (*CompiledRule, error) {
	cond, err := ParseCondition(r.Condition)
	if err != nil {
		return nil, invalid("condition", r.RuleID, err)
	}
	pred, err := CompileCondition(cond)
	if err != nil {
		return nil, invalid("condition", r.RuleID, err)
	}

	act, err := ParseAction(r.Action)
	if err != nil {
		return nil, invalid("action", r.RuleID, err)
	}
	if err := act.Validate(); err != nil {
		return nil, invalid("action", r.RuleID, err)
	}

	return &CompiledRule{
		ID:        r.RuleID,
		Rule:      r,
		Condition: pred,
		Action:    act,
	}, nil
}

func invalid(field, ruleID string, err error) error {
	return errutil.Terminal("invalid rule "+field, err,
		errutil.WithDetails(errutil.Detail{Field: field, Message: err.Error()}),
		errutil.WithDetails(errutil.Detail{Field: "rule_id", Message: ruleID}),
	)
}
