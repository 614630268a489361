package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zap.NewNop().Sugar()
	return NewEngine(EngineConfig{
		CacheSize:    128,
		CacheTTL:     time.Minute,
		RegexTimeout: time.Second,
	}, nil, logger)
}

func blockRule(id string, priority int, conditions ...Condition) Rule {
	return Rule{
		ID:         id,
		Type:       RuleTypeRequest,
		Status:     RuleStatusActive,
		Priority:   priority,
		Conditions: conditions,
		Actions:    []RuleAction{{Type: ActionBlock}},
	}
}

func logRule(id string, priority int, conditions ...Condition) Rule {
	return Rule{
		ID:         id,
		Type:       RuleTypeRequest,
		Status:     RuleStatusActive,
		Priority:   priority,
		Conditions: conditions,
		Actions:    []RuleAction{{Type: ActionLog, Params: map[string]string{"level": "warn"}}},
	}
}

func TestReplaceRulesSkipsInvalidAndBumpsVersion(t *testing.T) {
	engine := newTestEngine(t)

	accepted := engine.ReplaceRules([]Rule{
		blockRule("good", 10, Condition{Field: "request.path", Operator: "starts_with", Value: "/admin"}),
		{ID: "bad-regex", Type: RuleTypeRequest, Status: RuleStatusActive,
			Conditions: []Condition{{Field: "request.path", Operator: "regex", Value: "("}},
			Actions:    []RuleAction{{Type: ActionBlock}}},
		{ID: "", Type: RuleTypeRequest},
	})

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, engine.RuleCount())
	assert.Equal(t, uint64(1), engine.Version())

	engine.ReplaceRules(nil)
	assert.Equal(t, 0, engine.RuleCount())
	assert.Equal(t, uint64(2), engine.Version())
}

func TestReplaceRulesDisablesCycles(t *testing.T) {
	engine := newTestEngine(t)

	a := blockRule("rule-a", 10, Condition{Field: "request.path", Operator: "equals", Value: "/a"})
	a.DependsOn = []string{"rule-b"}
	b := blockRule("rule-b", 10, Condition{Field: "request.path", Operator: "equals", Value: "/b"})
	b.DependsOn = []string{"rule-a"}
	c := blockRule("rule-c", 10, Condition{Field: "request.path", Operator: "equals", Value: "/c"})
	missing := blockRule("rule-d", 10, Condition{Field: "request.path", Operator: "equals", Value: "/d"})
	missing.DependsOn = []string{"nope"}

	accepted := engine.ReplaceRules([]Rule{a, b, c, missing})
	assert.Equal(t, 1, accepted)

	disabled := engine.DisabledRules()
	assert.Len(t, disabled, 3)
	assert.Contains(t, disabled, "rule-a")
	assert.Contains(t, disabled, "rule-b")
	assert.Contains(t, disabled["rule-d"], "unknown rule")

	_, ok := engine.GetRule("rule-c")
	assert.True(t, ok)
}

func TestEvaluateDenyPrecedence(t *testing.T) {
	engine := newTestEngine(t)
	engine.ReplaceRules([]Rule{
		logRule("audit-all", 100, Condition{Field: "request.path", Operator: "starts_with", Value: "/"}),
		blockRule("block-admin", 50, Condition{Field: "request.path", Operator: "starts_with", Value: "/admin"}),
		logRule("low-noise", 1, Condition{Field: "request.path", Operator: "contains", Value: "admin"}),
	})

	result := engine.Evaluate(context.Background(), ContextRequest, map[string]interface{}{
		"method": "GET",
		"path":   "/admin/users",
	}, EvalOptions{DefaultAction: ActionAllow})

	assert.False(t, result.Allowed)
	assert.Equal(t, "block-admin", result.DenyRuleID)
	assert.Equal(t, 3, result.EvaluatedCount)
	assert.Equal(t, 3, result.MatchedCount)
	assert.False(t, result.DefaultApplied)
	// Matched rules still contribute their actions even after a deny.
	assert.Len(t, result.Actions, 3)
}

func TestEvaluateDefaultAction(t *testing.T) {
	engine := newTestEngine(t)
	engine.ReplaceRules([]Rule{
		blockRule("block-admin", 50, Condition{Field: "request.path", Operator: "starts_with", Value: "/admin"}),
	})

	t.Run("default allow", func(t *testing.T) {
		result := engine.Evaluate(context.Background(), ContextRequest,
			map[string]interface{}{"path": "/public"}, EvalOptions{DefaultAction: ActionAllow})
		assert.True(t, result.Allowed)
		assert.True(t, result.DefaultApplied)
	})

	t.Run("default block", func(t *testing.T) {
		result := engine.Evaluate(context.Background(), ContextRequest,
			map[string]interface{}{"path": "/public"}, EvalOptions{DefaultAction: ActionBlock})
		assert.False(t, result.Allowed)
		assert.True(t, result.DefaultApplied)
	})

	t.Run("unknown kind falls back to default", func(t *testing.T) {
		result := engine.Evaluate(context.Background(), ContextKind("bogus"),
			map[string]interface{}{}, EvalOptions{DefaultAction: ActionBlock})
		assert.False(t, result.Allowed)
		assert.True(t, result.DefaultApplied)
	})
}

func TestEvaluateOptionFilters(t *testing.T) {
	engine := newTestEngine(t)
	userRule := Rule{
		ID: "user-rule", Type: RuleTypeUser, Status: RuleStatusActive, Priority: 10,
		Conditions: []Condition{{Field: "user.role", Operator: "equals", Value: "admin"}},
		Actions:    []RuleAction{{Type: ActionLog}},
	}
	draft := blockRule("draft-rule", 99, Condition{Field: "request.path", Operator: "starts_with", Value: "/"})
	draft.Status = RuleStatusDraft
	tagged := blockRule("tagged", 5, Condition{Field: "request.path", Operator: "starts_with", Value: "/"})
	tagged.Metadata = map[string]string{"team": "payments"}

	engine.ReplaceRules([]Rule{
		userRule,
		draft,
		tagged,
		blockRule("high-pri", 80, Condition{Field: "request.path", Operator: "starts_with", Value: "/"}),
	})

	reqCtx := map[string]interface{}{"path": "/checkout"}

	t.Run("drafts never evaluate by default", func(t *testing.T) {
		result := engine.Evaluate(context.Background(), ContextRequest, reqCtx, EvalOptions{
			ExcludeIDs:    []string{"high-pri", "tagged"},
			DefaultAction: ActionAllow,
		})
		assert.True(t, result.DefaultApplied)
	})

	t.Run("type filter", func(t *testing.T) {
		result := engine.Evaluate(context.Background(), ContextRequest, reqCtx, EvalOptions{
			Types:         []RuleType{RuleTypeUser},
			DefaultAction: ActionAllow,
		})
		assert.Equal(t, 1, result.EvaluatedCount)
	})

	t.Run("min priority filter", func(t *testing.T) {
		min := 50
		result := engine.Evaluate(context.Background(), ContextRequest, reqCtx, EvalOptions{
			MinPriority:   &min,
			DefaultAction: ActionAllow,
		})
		assert.Equal(t, 1, result.EvaluatedCount)
		assert.Equal(t, "high-pri", result.DenyRuleID)
	})

	t.Run("metadata filter", func(t *testing.T) {
		result := engine.Evaluate(context.Background(), ContextRequest, reqCtx, EvalOptions{
			MetadataEquals: map[string]string{"team": "payments"},
			DefaultAction:  ActionAllow,
		})
		assert.Equal(t, 1, result.EvaluatedCount)
		assert.Equal(t, "tagged", result.DenyRuleID)
	})
}

func TestEvaluateOrderIsDeterministic(t *testing.T) {
	engine := newTestEngine(t)
	engine.ReplaceRules([]Rule{
		logRule("zeta", 10, Condition{Field: "request.path", Operator: "starts_with", Value: "/"}),
		logRule("alpha", 10, Condition{Field: "request.path", Operator: "starts_with", Value: "/"}),
		logRule("mid", 20, Condition{Field: "request.path", Operator: "starts_with", Value: "/"}),
	})

	for i := 0; i < 5; i++ {
		result := engine.Evaluate(context.Background(), ContextRequest,
			map[string]interface{}{"path": "/x"}, EvalOptions{DefaultAction: ActionAllow})
		require.Len(t, result.Results, 3)
		assert.Equal(t, "mid", result.Results[0].RuleID)
		// Priority ties keep load order.
		assert.Equal(t, "zeta", result.Results[1].RuleID)
		assert.Equal(t, "alpha", result.Results[2].RuleID)
	}
}

func TestEvaluatePredicateFailureIsolation(t *testing.T) {
	engine := newTestEngine(t)
	// Exponential backtracking against a non-matching subject hits the
	// match timeout instead of stalling the batch.
	engine.regexTimeout = 10 * time.Millisecond
	engine.ReplaceRules([]Rule{
		{
			ID: "pathological", Type: RuleTypeRequest, Status: RuleStatusActive, Priority: 100,
			Conditions: []Condition{{Field: "request.path", Operator: "regex", Value: `^(a+)+$`}},
			Actions:    []RuleAction{{Type: ActionBlock}},
		},
		blockRule("healthy", 10, Condition{Field: "request.path", Operator: "contains", Value: "aaa"}),
	})

	result := engine.Evaluate(context.Background(), ContextRequest, map[string]interface{}{
		"path": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa!",
	}, EvalOptions{DefaultAction: ActionAllow})

	assert.Equal(t, 1, result.FailedCount)
	assert.False(t, result.Allowed)
	assert.Equal(t, "healthy", result.DenyRuleID)
}

func TestEvaluateDecisionCaching(t *testing.T) {
	engine := newTestEngine(t)
	engine.ReplaceRules([]Rule{
		blockRule("block-admin", 50, Condition{Field: "request.path", Operator: "starts_with", Value: "/admin"}),
	})

	raw := map[string]interface{}{"method": "GET", "path": "/admin"}
	opts := EvalOptions{DefaultAction: ActionAllow}

	first := engine.Evaluate(context.Background(), ContextRequest, raw, opts)
	assert.False(t, first.Cached)
	assert.False(t, first.Allowed)

	second := engine.Evaluate(context.Background(), ContextRequest, raw, opts)
	assert.True(t, second.Cached)
	assert.False(t, second.Allowed)
	// A hit carries the same per-rule results as the miss that filled it.
	assert.Equal(t, first.Results, second.Results)

	// Replacing the ruleset moves the version, so the old decision no
	// longer resolves even though the entry has not expired.
	engine.ReplaceRules([]Rule{
		logRule("only-log", 10, Condition{Field: "request.path", Operator: "starts_with", Value: "/admin"}),
	})
	third := engine.Evaluate(context.Background(), ContextRequest, raw, opts)
	assert.False(t, third.Cached)
	assert.True(t, third.Allowed)
}

func TestEvaluateLeavesContextIntact(t *testing.T) {
	engine := newTestEngine(t)
	engine.ReplaceRules([]Rule{
		blockRule("block-admin", 50, Condition{Field: "request.path", Operator: "starts_with", Value: "/admin"}),
	})

	raw := map[string]interface{}{
		"path":       "/admin/users",
		"request_id": "r-42",
	}
	opts := EvalOptions{DefaultAction: ActionAllow}

	first := engine.Evaluate(context.Background(), ContextRequest, raw, opts)
	require.False(t, first.Allowed)

	// Re-evaluating the very same map must reach the same decision, not
	// fall through to the default because preparation emptied it.
	second := engine.Evaluate(context.Background(), ContextRequest, raw, opts)
	assert.False(t, second.Allowed)
	assert.Equal(t, "block-admin", second.DenyRuleID)
	assert.False(t, second.DefaultApplied)

	assert.Equal(t, "/admin/users", raw["path"])
	assert.Equal(t, "r-42", raw["request_id"])
}

func TestPrepareContextPreservesUnknownFields(t *testing.T) {
	raw := map[string]interface{}{
		"path":     "/checkout",
		"tenant":   "acme",
		"trace_id": "t-1",
	}

	ec, err := PrepareContext(ContextRequest, raw)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"tenant": "acme", "trace_id": "t-1"}, ec.Extra)

	v, ok := ec.Lookup("tenant")
	assert.True(t, ok)
	assert.Equal(t, "acme", v)

	// Preparing again from the untouched map yields the same shape.
	again, err := PrepareContext(ContextRequest, raw)
	require.NoError(t, err)
	assert.Equal(t, ec.Request.Path, again.Request.Path)
	assert.Equal(t, ec.Extra, again.Extra)
}

func TestFingerprintStability(t *testing.T) {
	ec := mustContext(t, ContextRequest, map[string]interface{}{"method": "GET", "path": "/x"})

	a, err := Fingerprint(1, ec, EvalOptions{Types: []RuleType{RuleTypeUser, RuleTypeRequest}})
	require.NoError(t, err)
	b, err := Fingerprint(1, ec, EvalOptions{Types: []RuleType{RuleTypeRequest, RuleTypeUser}})
	require.NoError(t, err)
	assert.Equal(t, a, b, "option order must not change the fingerprint")

	c, err := Fingerprint(2, ec, EvalOptions{Types: []RuleType{RuleTypeRequest, RuleTypeUser}})
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "version must change the fingerprint")
}
