// Package incident tracks security incidents through their lifecycle:
// creation with templated response checklists, explicit state
// transitions, append-only action logs and integrity-hashed
// persistence.
package incident

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"bastion/core"
)

// TemplateSet holds the loaded response templates behind a lock so hot
// reload swaps the whole set without disturbing a concurrent match.
type TemplateSet struct {
	mu        sync.RWMutex
	templates []core.ResponseTemplate
	validate  *validator.Validate
	logger    *zap.SugaredLogger

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewTemplateSet creates an empty template set.
func NewTemplateSet(logger *zap.SugaredLogger) *TemplateSet {
	return &TemplateSet{
		validate: validator.New(),
		logger:   logger,
	}
}

type templateFile struct {
	Templates []core.ResponseTemplate `yaml:"templates"`
}

// LoadDir reads every template file in the directory and replaces the
// set with the valid entries. A template that fails validation is
// skipped with a warning; one bad checklist must not take out the rest.
func (ts *TemplateSet) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read template directory %s: %w", dir, err)
	}

	var valid []core.ResponseTemplate
	for _, entry := range entries {
		if entry.IsDir() || !isTemplateFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			ts.logger.Warnw("Skipping unreadable template file", "path", path, "error", err)
			continue
		}
		var file templateFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			ts.logger.Warnw("Skipping unparseable template file", "path", path, "error", err)
			continue
		}
		for i, tmpl := range file.Templates {
			if err := ts.validateTemplate(tmpl); err != nil {
				ts.logger.Warnw("Skipping invalid response template",
					"path", path,
					"index", i,
					"category", tmpl.Category,
					"error", err)
				continue
			}
			valid = append(valid, tmpl)
		}
	}

	ts.Replace(valid)
	ts.logger.Infow("Response templates loaded", "directory", dir, "count", len(valid))
	return len(valid), nil
}

func (ts *TemplateSet) validateTemplate(tmpl core.ResponseTemplate) error {
	if err := ts.validate.Struct(tmpl); err != nil {
		return err
	}
	if !tmpl.Category.IsValid() {
		return fmt.Errorf("unknown category %q", tmpl.Category)
	}
	for _, severity := range tmpl.ApplicableSeverities {
		if !severity.IsValid() {
			return fmt.Errorf("unknown severity %q", severity)
		}
	}
	if len(tmpl.ContainmentSteps)+len(tmpl.EradicationSteps)+len(tmpl.RecoverySteps) == 0 {
		return fmt.Errorf("template has no steps")
	}
	return nil
}

// Replace installs a new template set wholesale.
func (ts *TemplateSet) Replace(templates []core.ResponseTemplate) {
	ts.mu.Lock()
	ts.templates = templates
	ts.mu.Unlock()
}

// Match returns the first template applying to the category and
// severity.
func (ts *TemplateSet) Match(category core.Category, severity core.Severity) (*core.ResponseTemplate, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	for i := range ts.templates {
		if ts.templates[i].AppliesTo(category, severity) {
			tmpl := ts.templates[i]
			return &tmpl, true
		}
	}
	return nil, false
}

// Len reports the number of loaded templates.
func (ts *TemplateSet) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.templates)
}

// Watch reloads the template directory when its files change. Bursts
// of events are debounced the same way the rule loader does it.
func (ts *TemplateSet) Watch(ctx context.Context, dir string, debounce time.Duration) error {
	ts.watchMu.Lock()
	defer ts.watchMu.Unlock()
	if ts.watcher != nil {
		return fmt.Errorf("template set is already watching %s", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create template watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	ts.watcher = watcher
	ts.done = make(chan struct{})
	go ts.watchLoop(ctx, dir, debounce)
	ts.logger.Infow("Watching template directory for changes", "directory", dir)
	return nil
}

func (ts *TemplateSet) watchLoop(ctx context.Context, dir string, debounce time.Duration) {
	defer close(ts.done)

	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ts.watcher.Events:
			if !ok {
				return
			}
			if !isTemplateFile(filepath.Base(event.Name)) {
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
		case err, ok := <-ts.watcher.Errors:
			if !ok {
				return
			}
			ts.logger.Warnw("Template watcher error", "error", err)
		case <-pending:
			timer = nil
			pending = nil
			if _, err := ts.LoadDir(dir); err != nil {
				ts.logger.Errorw("Template hot reload failed", "error", err)
			}
		}
	}
}

// Close stops the watcher if one is running.
func (ts *TemplateSet) Close() error {
	ts.watchMu.Lock()
	defer ts.watchMu.Unlock()
	if ts.watcher == nil {
		return nil
	}
	err := ts.watcher.Close()
	<-ts.done
	ts.watcher = nil
	ts.done = nil
	return err
}

func isTemplateFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
