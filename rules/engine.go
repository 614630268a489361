package rules

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
)

// Engine holds the active ruleset and evaluates contexts against it.
// The ruleset is replaced wholesale; evaluation never observes a
// partially-updated set. Every replacement bumps the version, which
// participates in decision-cache fingerprints.
type Engine struct {
	mu       sync.RWMutex
	rules    []*CompiledRule
	byID     map[string]*CompiledRule
	version  uint64
	disabled map[string]error

	cache        *DecisionCache
	regexTimeout time.Duration
	logger       *zap.SugaredLogger
}

// EngineConfig carries the tunables for a rule engine.
type EngineConfig struct {
	CacheSize    int
	CacheTTL     time.Duration
	RegexTimeout time.Duration
}

// NewEngine builds an engine with an empty ruleset. redis may be nil.
func NewEngine(cfg EngineConfig, redis *core.RedisCache, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		byID:         make(map[string]*CompiledRule),
		disabled:     make(map[string]error),
		cache:        NewDecisionCache(cfg.CacheSize, cfg.CacheTTL, redis, logger),
		regexTimeout: cfg.RegexTimeout,
		logger:       logger,
	}
}

// ReplaceRules compiles the given rules and atomically swaps them in.
// Rules that fail to compile are skipped with a warning. Rules on a
// dependency cycle, or depending on a missing rule, are disabled rather
// than failing the whole load. Returns the number of rules accepted.
func (e *Engine) ReplaceRules(rules []Rule) int {
	compiled := make(map[string]*CompiledRule, len(rules))
	ordered := make([]*CompiledRule, 0, len(rules))
	for _, rule := range rules {
		cr, err := CompileRule(rule, e.regexTimeout)
		if err != nil {
			e.logger.Warnw("Skipping rule that failed to compile",
				"rule_id", rule.ID,
				"error", err)
			continue
		}
		if _, exists := compiled[cr.ID]; exists {
			e.logger.Warnw("Skipping rule with duplicate ID", "rule_id", cr.ID)
			continue
		}
		compiled[cr.ID] = cr
		ordered = append(ordered, cr)
	}

	disabled := detectCycles(compiled)
	if len(disabled) > 0 {
		for id, reason := range disabled {
			e.logger.Warnw("Disabling rule with broken dependencies",
				"rule_id", id,
				"error", reason)
			delete(compiled, id)
		}
		kept := ordered[:0]
		for _, cr := range ordered {
			if _, gone := disabled[cr.ID]; !gone {
				kept = append(kept, cr)
			}
		}
		ordered = kept
	}

	// Higher priority first; the stable sort keeps ties in load order so
	// evaluation order is reproducible for identical rule sets.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	e.mu.Lock()
	e.rules = ordered
	e.byID = compiled
	e.disabled = disabled
	e.version++
	version := e.version
	e.mu.Unlock()

	e.cache.Purge()
	e.logger.Infow("Ruleset replaced",
		"accepted", len(ordered),
		"disabled", len(disabled),
		"version", version)
	return len(ordered)
}

// Version returns the current ruleset version.
func (e *Engine) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// RuleCount returns the number of active rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// GetRule returns the compiled rule with the given ID.
func (e *Engine) GetRule(id string) (*CompiledRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cr, ok := e.byID[id]
	return cr, ok
}

// DisabledRules returns the IDs disabled at the last load with their
// reasons.
func (e *Engine) DisabledRules() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.disabled))
	for id, err := range e.disabled {
		out[id] = err.Error()
	}
	return out
}

// Evaluate runs the active ruleset against a raw context map and
// returns a bounded decision. A panic or context-preparation failure
// never escapes to the caller; the default action applies instead.
func (e *Engine) Evaluate(ctx context.Context, kind ContextKind, raw map[string]interface{}, opts EvalOptions) (result EvalResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("Rule evaluation panicked, applying default action",
				"panic", r,
				"stack", string(debug.Stack()))
			result = e.defaultResult(opts, started)
		}
		metrics.RuleEvaluationDuration.Observe(time.Since(started).Seconds())
	}()

	ec, err := PrepareContext(kind, raw)
	if err != nil {
		e.logger.Warnw("Context preparation failed, applying default action",
			"kind", kind,
			"error", err)
		return e.defaultResult(opts, started)
	}

	e.mu.RLock()
	version := e.version
	candidates := e.selectRules(opts)
	e.mu.RUnlock()

	fingerprint, fpErr := Fingerprint(version, ec, opts)
	if fpErr == nil {
		if cached, ok := e.cache.Get(ctx, fingerprint); ok {
			return cached
		}
	}

	result = e.evaluateRules(candidates, ec, opts)
	result.Duration = time.Since(started)

	switch {
	case result.DefaultApplied:
		metrics.RuleEvaluations.WithLabelValues("default").Inc()
	case result.Allowed:
		metrics.RuleEvaluations.WithLabelValues("allowed").Inc()
	default:
		metrics.RuleEvaluations.WithLabelValues("denied").Inc()
	}

	if fpErr == nil {
		e.cache.Put(ctx, fingerprint, result)
	}
	return result
}

// selectRules applies the option filters to the priority-ordered
// ruleset. Caller holds at least a read lock.
func (e *Engine) selectRules(opts EvalOptions) []*CompiledRule {
	status := opts.Status
	if status == "" {
		status = RuleStatusActive
	}

	var include, exclude map[string]bool
	if len(opts.IncludeIDs) > 0 {
		include = make(map[string]bool, len(opts.IncludeIDs))
		for _, id := range opts.IncludeIDs {
			include[id] = true
		}
	}
	if len(opts.ExcludeIDs) > 0 {
		exclude = make(map[string]bool, len(opts.ExcludeIDs))
		for _, id := range opts.ExcludeIDs {
			exclude[id] = true
		}
	}

	var types map[RuleType]bool
	if len(opts.Types) > 0 {
		types = make(map[RuleType]bool, len(opts.Types))
		for _, t := range opts.Types {
			types[t] = true
		}
	}

	selected := make([]*CompiledRule, 0, len(e.rules))
	for _, cr := range e.rules {
		if cr.Status != status {
			continue
		}
		if types != nil && !types[cr.Type] {
			continue
		}
		if include != nil && !include[cr.ID] {
			continue
		}
		if exclude != nil && exclude[cr.ID] {
			continue
		}
		if opts.MinPriority != nil && cr.Priority < *opts.MinPriority {
			continue
		}
		if !metadataMatches(cr.Metadata, opts.MetadataEquals) {
			continue
		}
		selected = append(selected, cr)
	}
	return selected
}

func metadataMatches(metadata, want map[string]string) bool {
	for k, v := range want {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// evaluateRules runs each candidate in priority order. Any matched rule
// carrying a block action denies the request regardless of what lower
// priority rules say. A rule whose predicate errors or panics is
// recorded as failed and the batch continues.
func (e *Engine) evaluateRules(candidates []*CompiledRule, ec *EvalContext, opts EvalOptions) EvalResult {
	result := EvalResult{
		Allowed: true,
		Actions: []RuleAction{},
		Results: make([]RuleEvaluationResult, 0, len(candidates)),
	}

	for _, cr := range candidates {
		rr := e.evaluateOne(cr, ec)
		result.EvaluatedCount++
		if rr.Error != "" {
			result.FailedCount++
		}
		if rr.Matched {
			result.MatchedCount++
			result.Actions = append(result.Actions, rr.Actions...)
			if result.Allowed && cr.HasDenyAction() {
				result.Allowed = false
				result.DenyRuleID = cr.ID
			}
		}
		result.Results = append(result.Results, rr)
	}

	if result.MatchedCount == 0 {
		result.DefaultApplied = true
		result.Allowed = !opts.DefaultAction.IsDeny()
	}
	return result
}

// evaluateOne isolates a single rule so a predicate panic cannot take
// down the batch.
func (e *Engine) evaluateOne(cr *CompiledRule, ec *EvalContext) (rr RuleEvaluationResult) {
	started := time.Now()
	rr.RuleID = cr.ID
	defer func() {
		if r := recover(); r != nil {
			metrics.PredicateFailures.Inc()
			rr.Matched = false
			rr.Error = fmt.Sprintf("predicate panicked: %v", r)
			e.logger.Errorw("Rule predicate panicked",
				"rule_id", cr.ID,
				"panic", r)
		}
		rr.TimeMs = float64(time.Since(started).Microseconds()) / 1000.0
	}()

	matched, matchedConditions, err := cr.evaluate(ec)
	if err != nil {
		metrics.PredicateFailures.Inc()
		rr.Error = err.Error()
		e.logger.Warnw("Rule predicate failed",
			"rule_id", cr.ID,
			"error", err)
		return rr
	}

	rr.Matched = matched
	if matched {
		rr.Actions = cr.Actions
		rr.MatchedConditions = matchedConditions
	}
	return rr
}

func (e *Engine) defaultResult(opts EvalOptions, started time.Time) EvalResult {
	metrics.RuleEvaluations.WithLabelValues("default").Inc()
	return EvalResult{
		Allowed:        !opts.DefaultAction.IsDeny(),
		DefaultApplied: true,
		Actions:        []RuleAction{},
		Duration:       time.Since(started),
	}
}
