package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// DefaultRegexTimeout bounds predicate regex backtracking so a
// pathological pattern cannot stall the request path.
const DefaultRegexTimeout = 500 * time.Millisecond

// compiledCondition is one condition with its regex (if any)
// pre-compiled at load time.
type compiledCondition struct {
	Condition
	regex *regexp2.Regexp
}

// CompiledRule is a rule whose conditions have been validated and
// compiled into an executable predicate.
type CompiledRule struct {
	Rule
	conditions []compiledCondition
}

// supportedOperators lists the condition operators the compiler accepts.
var supportedOperators = map[string]bool{
	"equals":       true,
	"not_equals":   true,
	"contains":     true,
	"starts_with":  true,
	"ends_with":    true,
	"regex":        true,
	"greater_than": true,
	"less_than":    true,
	"in":           true,
}

// CompileRule validates a rule's conditions and pre-compiles regex
// patterns. A rule that fails to compile is skipped by the loader with
// a warning; it must never reach evaluation.
func CompileRule(rule Rule, regexTimeout time.Duration) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("rule id cannot be empty")
	}
	if !rule.Type.IsValid() {
		return nil, fmt.Errorf("rule %s: unknown type %q", rule.ID, rule.Type)
	}
	if len(rule.Conditions) == 0 {
		return nil, fmt.Errorf("rule %s: at least one condition is required", rule.ID)
	}
	if regexTimeout <= 0 {
		regexTimeout = DefaultRegexTimeout
	}

	compiled := make([]compiledCondition, 0, len(rule.Conditions))
	for i, cond := range rule.Conditions {
		if cond.Field == "" {
			return nil, fmt.Errorf("rule %s: condition %d has no field", rule.ID, i)
		}
		if !supportedOperators[cond.Operator] {
			return nil, fmt.Errorf("rule %s: condition %d has unknown operator %q", rule.ID, i, cond.Operator)
		}

		cc := compiledCondition{Condition: cond}
		if cond.Operator == "regex" {
			pattern, ok := cond.Value.(string)
			if !ok {
				return nil, fmt.Errorf("rule %s: condition %d regex value must be a string", rule.ID, i)
			}
			re, err := regexp2.Compile(pattern, 0)
			if err != nil {
				return nil, fmt.Errorf("rule %s: condition %d invalid regex: %w", rule.ID, i, err)
			}
			re.MatchTimeout = regexTimeout
			cc.regex = re
		}
		compiled = append(compiled, cc)
	}

	return &CompiledRule{Rule: rule, conditions: compiled}, nil
}

// evaluate runs the rule's predicate against the context. The returned
// matchedConditions lists the clauses that individually held, for
// inclusion in the per-rule result. A condition error (regex timeout)
// aborts the rule with an error; the engine records it as failed and
// continues with the remaining rules.
func (cr *CompiledRule) evaluate(ec *EvalContext) (bool, []string, error) {
	var matchedConditions []string

	result, err := cr.evalCondition(cr.conditions[0], ec)
	if err != nil {
		return false, nil, err
	}
	if result {
		matchedConditions = append(matchedConditions, describeCondition(cr.conditions[0].Condition))
	}

	for i := 1; i < len(cr.conditions); i++ {
		condResult, err := cr.evalCondition(cr.conditions[i], ec)
		if err != nil {
			return false, nil, err
		}
		if condResult {
			matchedConditions = append(matchedConditions, describeCondition(cr.conditions[i].Condition))
		}
		// Logic chains left-associatively off the preceding condition,
		// same as the declarative form reads.
		if strings.EqualFold(cr.conditions[i-1].Logic, "OR") {
			result = result || condResult
		} else {
			result = result && condResult
		}
	}

	if !result {
		return false, nil, nil
	}
	return true, matchedConditions, nil
}

func (cr *CompiledRule) evalCondition(cond compiledCondition, ec *EvalContext) (bool, error) {
	fieldValue, ok := ec.Lookup(cond.Field)
	if !ok || fieldValue == nil {
		// Absent fields never match; predicates must not require unknown
		// context fields.
		return false, nil
	}

	switch cond.Operator {
	case "equals":
		return looseEquals(fieldValue, cond.Value), nil
	case "not_equals":
		return !looseEquals(fieldValue, cond.Value), nil
	case "contains":
		s, v, ok := bothStrings(fieldValue, cond.Value)
		return ok && strings.Contains(s, v), nil
	case "starts_with":
		s, v, ok := bothStrings(fieldValue, cond.Value)
		return ok && strings.HasPrefix(s, v), nil
	case "ends_with":
		s, v, ok := bothStrings(fieldValue, cond.Value)
		return ok && strings.HasSuffix(s, v), nil
	case "regex":
		s, ok := fieldValue.(string)
		if !ok || cond.regex == nil {
			return false, nil
		}
		matched, err := cond.regex.MatchString(s)
		if err != nil {
			return false, fmt.Errorf("regex evaluation failed for field %s: %w", cond.Field, err)
		}
		return matched, nil
	case "greater_than":
		return compareNumbers(fieldValue, cond.Value, func(a, b float64) bool { return a > b }), nil
	case "less_than":
		return compareNumbers(fieldValue, cond.Value, func(a, b float64) bool { return a < b }), nil
	case "in":
		list, ok := cond.Value.([]interface{})
		if !ok {
			return false, nil
		}
		for _, item := range list {
			if looseEquals(fieldValue, item) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func describeCondition(c Condition) string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// looseEquals compares values across the numeric/string representations
// that YAML and JSON decoding produce.
func looseEquals(a, b interface{}) bool {
	if a == b {
		return true
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	return aok && bok && sa == sb
}

func bothStrings(a, b interface{}) (string, string, bool) {
	sa, aok := a.(string)
	sb, bok := b.(string)
	return sa, sb, aok && bok
}

func compareNumbers(a, b interface{}, cmp func(float64, float64) bool) bool {
	fa, ok := asFloat(a)
	if !ok {
		return false
	}
	fb, ok := asFloat(b)
	if !ok {
		return false
	}
	return cmp(fa, fb)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if parsed, err := strconv.ParseFloat(n, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
