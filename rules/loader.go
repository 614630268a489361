package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ruleSchema validates the declarative shape of a rule before it is
// handed to the compiler. Compilation catches semantic problems (bad
// regex, unknown operators); the schema catches structural ones.
const ruleSchema = `{
	"type": "object",
	"required": ["id", "type", "conditions", "actions"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"type": "string", "enum": ["request", "user", "content", "system"]},
		"status": {"type": "string", "enum": ["active", "disabled", "draft"]},
		"priority": {"type": "integer"},
		"description": {"type": "string"},
		"conditions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["field", "operator"],
				"properties": {
					"field": {"type": "string", "minLength": 1},
					"operator": {"type": "string"},
					"logic": {"type": "string", "enum": ["AND", "OR", "and", "or", ""]}
				}
			}
		},
		"actions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"type": "string", "enum": ["set-header", "log", "sanitize", "block", "allow"]},
					"params": {"type": "object"}
				}
			}
		},
		"depends_on": {"type": "array", "items": {"type": "string"}},
		"metadata": {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`

// ruleFile is the on-disk document shape.
type ruleFile struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// genericRuleFile mirrors ruleFile with untyped rules for schema
// validation.
type genericRuleFile struct {
	Rules []map[string]interface{} `yaml:"rules" json:"rules"`
}

// Loader reads rule files, validates them and feeds the engine. It can
// also watch the rule directory and hot-reload on change.
type Loader struct {
	dir    string
	engine *Engine
	schema *gojsonschema.Schema
	logger *zap.SugaredLogger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader builds a loader for the given rule directory.
func NewLoader(dir string, engine *Engine, logger *zap.SugaredLogger) (*Loader, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(ruleSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile rule schema: %w", err)
	}
	return &Loader{
		dir:    dir,
		engine: engine,
		schema: schema,
		logger: logger,
	}, nil
}

// Load reads every .yaml, .yml and .json file in the rule directory,
// validates each rule against the schema, and replaces the engine's
// ruleset with the valid ones. Invalid rules and unreadable files are
// skipped with a warning so one bad entry cannot block the rest.
func (l *Loader) Load() (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read rule directory %s: %w", l.dir, err)
	}

	var rules []Rule
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		fileRules, err := l.loadFile(path)
		if err != nil {
			l.logger.Warnw("Skipping unreadable rule file",
				"path", path,
				"error", err)
			continue
		}
		rules = append(rules, fileRules...)
	}

	accepted := l.engine.ReplaceRules(rules)
	l.logger.Infow("Rule files loaded",
		"directory", l.dir,
		"parsed", len(rules),
		"accepted", accepted)
	return accepted, nil
}

// loadFile parses one rule file and returns the rules that pass schema
// validation.
func (l *Loader) loadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// yaml.v3 handles JSON documents too, so one decode path covers
	// both extensions.
	var generic genericRuleFile
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	var typed ruleFile
	if err := yaml.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(generic.Rules) != len(typed.Rules) {
		return nil, fmt.Errorf("inconsistent parse of %s", path)
	}

	valid := make([]Rule, 0, len(typed.Rules))
	for i, raw := range generic.Rules {
		result, err := l.schema.Validate(gojsonschema.NewGoLoader(raw))
		if err != nil {
			l.logger.Warnw("Skipping rule that could not be validated",
				"path", path,
				"index", i,
				"error", err)
			continue
		}
		if !result.Valid() {
			l.logger.Warnw("Skipping rule that failed schema validation",
				"path", path,
				"index", i,
				"rule_id", typed.Rules[i].ID,
				"errors", schemaErrors(result))
			continue
		}
		rule := typed.Rules[i]
		if rule.Status == "" {
			rule.Status = RuleStatusActive
		}
		now := time.Now().UTC()
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
		rule.UpdatedAt = now
		valid = append(valid, rule)
	}
	return valid, nil
}

// ValidateFile checks one rule file without touching the engine. Used
// by the CLI. Returns per-rule problems keyed by rule index.
func (l *Loader) ValidateFile(path string) (int, map[int][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	var generic genericRuleFile
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return 0, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	var typed ruleFile
	if err := yaml.Unmarshal(data, &typed); err != nil {
		return 0, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	problems := make(map[int][]string)
	for i, raw := range generic.Rules {
		result, err := l.schema.Validate(gojsonschema.NewGoLoader(raw))
		if err != nil {
			problems[i] = []string{err.Error()}
			continue
		}
		if !result.Valid() {
			problems[i] = schemaErrors(result)
			continue
		}
		if _, err := CompileRule(typed.Rules[i], l.engine.regexTimeout); err != nil {
			problems[i] = []string{err.Error()}
		}
	}
	return len(generic.Rules), problems, nil
}

// Watch starts a directory watcher that reloads the ruleset when rule
// files change. Bursts of events (editors write then rename) are
// debounced.
func (l *Loader) Watch(ctx context.Context, debounce time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return fmt.Errorf("loader is already watching %s", l.dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop(ctx, debounce)
	l.logger.Infow("Watching rule directory for changes", "directory", l.dir)
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, debounce time.Duration) {
	defer close(l.done)

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				pending = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warnw("Rule watcher error", "error", err)
		case <-pending:
			timer = nil
			pending = nil
			if _, err := l.Load(); err != nil {
				l.logger.Errorw("Rule hot reload failed", "error", err)
			}
		}
	}
}

// Close stops the watcher if one is running.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	l.watcher = nil
	l.done = nil
	return err
}

func isRuleFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func schemaErrors(result *gojsonschema.Result) []string {
	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errs
}
