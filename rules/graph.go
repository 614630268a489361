package rules

import "fmt"

// detectCycles walks the depends_on graph and returns, per offending
// rule ID, an error describing why it cannot participate in evaluation.
// A rule is offending when it sits on a dependency cycle or references
// a rule that does not exist. Rulesets are small, so the per-rule walk
// is fine.
func detectCycles(rules map[string]*CompiledRule) map[string]error {
	bad := make(map[string]error)

	for id, rule := range rules {
		if err := walkDependencies(rules, rule, map[string]bool{id: true}); err != nil {
			bad[id] = err
		}
	}
	return bad
}

func walkDependencies(rules map[string]*CompiledRule, rule *CompiledRule, onPath map[string]bool) error {
	for _, dep := range rule.DependsOn {
		target, ok := rules[dep]
		if !ok {
			return fmt.Errorf("rule %s depends on unknown rule %s", rule.ID, dep)
		}
		if onPath[dep] {
			return fmt.Errorf("dependency cycle through rule %s", dep)
		}
		onPath[dep] = true
		if err := walkDependencies(rules, target, onPath); err != nil {
			return err
		}
		delete(onPath, dep)
	}
	return nil
}
