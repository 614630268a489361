// Package rules implements the request-gating rule engine: declarative
// rule definitions compiled into predicates, evaluated in a prioritized,
// deterministic order against a prepared context, with decision caching
// keyed on a context fingerprint.
package rules

import "time"

// RuleType selects which context kind a rule applies to.
type RuleType string

const (
	RuleTypeRequest RuleType = "request"
	RuleTypeUser    RuleType = "user"
	RuleTypeContent RuleType = "content"
	RuleTypeSystem  RuleType = "system"
)

// IsValid reports whether t is one of the defined rule types.
func (t RuleType) IsValid() bool {
	switch t {
	case RuleTypeRequest, RuleTypeUser, RuleTypeContent, RuleTypeSystem:
		return true
	}
	return false
}

// RuleStatus gates whether a rule participates in evaluation.
type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "active"
	RuleStatusDisabled RuleStatus = "disabled"
	RuleStatusDraft    RuleStatus = "draft"
)

// ActionType classifies the advisory side-effect descriptors a matched
// rule returns to the caller. The engine performs none of them itself.
type ActionType string

const (
	ActionSetHeader ActionType = "set-header"
	ActionLog       ActionType = "log"
	ActionSanitize  ActionType = "sanitize"
	ActionBlock     ActionType = "block"
	ActionAllow     ActionType = "allow"
)

// IsDeny reports whether the action denies the request when its rule
// matches.
func (a ActionType) IsDeny() bool {
	return a == ActionBlock
}

// RuleAction is one advisory action attached to a rule.
type RuleAction struct {
	Type   ActionType        `json:"type" yaml:"type"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Condition is one declarative predicate clause. Logic ("AND"/"OR")
// chains this condition with the next one, left-associatively; an empty
// Logic means AND.
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
	Logic    string      `json:"logic,omitempty" yaml:"logic,omitempty"`
}

// Rule is one declarative gating rule. Rules are static configuration:
// loaded at startup, hot-reloaded as a whole set, never mutated in
// place.
type Rule struct {
	ID          string            `json:"id" yaml:"id"`
	Type        RuleType          `json:"type" yaml:"type"`
	Status      RuleStatus        `json:"status" yaml:"status"`
	Priority    int               `json:"priority" yaml:"priority"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  []Condition       `json:"conditions" yaml:"conditions"`
	Actions     []RuleAction      `json:"actions" yaml:"actions"`
	DependsOn   []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// HasDenyAction reports whether any of the rule's actions denies.
func (r *Rule) HasDenyAction() bool {
	for _, a := range r.Actions {
		if a.Type.IsDeny() {
			return true
		}
	}
	return false
}

// RuleEvaluationResult is the per-rule outcome within one batch
// evaluation.
type RuleEvaluationResult struct {
	RuleID            string       `json:"rule_id"`
	Matched           bool         `json:"matched"`
	Actions           []RuleAction `json:"actions,omitempty"`
	MatchedConditions []string     `json:"matched_conditions,omitempty"`
	TimeMs            float64      `json:"time_ms"`
	Error             string       `json:"error,omitempty"`
}

// EvalOptions narrows and parameterizes one evaluation.
type EvalOptions struct {
	// Types restricts evaluation to the listed rule types. Empty means
	// all types.
	Types []RuleType `json:"types,omitempty"`
	// Status selects which rule status participates; defaults to active.
	Status RuleStatus `json:"status,omitempty"`
	// IncludeIDs, when non-empty, restricts evaluation to those rules.
	IncludeIDs []string `json:"include_ids,omitempty"`
	// ExcludeIDs removes specific rules from the batch.
	ExcludeIDs []string `json:"exclude_ids,omitempty"`
	// MinPriority, when set, drops rules below the given priority.
	MinPriority *int `json:"min_priority,omitempty"`
	// MetadataEquals keeps only rules whose metadata matches every
	// listed key/value pair.
	MetadataEquals map[string]string `json:"metadata_equals,omitempty"`
	// DefaultAction applies when no rule matches: allow or block.
	DefaultAction ActionType `json:"default_action,omitempty"`
}

// EvalResult is the bounded decision the engine hands back to the
// request path.
type EvalResult struct {
	Allowed        bool                   `json:"allowed"`
	DefaultApplied bool                   `json:"default_applied"`
	DenyRuleID     string                 `json:"deny_rule_id,omitempty"`
	EvaluatedCount int                    `json:"evaluated_count"`
	MatchedCount   int                    `json:"matched_count"`
	FailedCount    int                    `json:"failed_count"`
	Actions        []RuleAction           `json:"actions"`
	Results        []RuleEvaluationResult `json:"results,omitempty"`
	Duration       time.Duration          `json:"duration"`
	Cached         bool                   `json:"cached"`
}
