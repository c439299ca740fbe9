// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workflow loads declarative workflow definitions from JSON and
// resolves `extends` inheritance. The loader owns three maps: workflow
// id to definition, task type to workflow id, and prompt name to raw
// template. Inheritance is resolved lazily and memoized.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noldarim/conductor/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetWorkflowLogger()
		log = &l
	})
	return log
}

var (
	// ErrWorkflowNotFound is returned for an unknown workflow id and
	// for a task type with no mapping and no default.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrPromptNotFound is returned for an unknown prompt name.
	ErrPromptNotFound = errors.New("prompt not found")

	// ErrNotLoaded is returned when the loader is used before Load.
	ErrNotLoaded = errors.New("workflow definitions not loaded")
)

// CycleError reports an `extends` chain that loops back onto itself.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow inheritance cycle: %s", strings.Join(e.Chain, " -> "))
}

// Step is one entry in a workflow's ordered step list.
type Step struct {
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Category string         `json:"category,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Strict   bool           `json:"strict,omitempty"`
}

// Definition is a workflow as declared in the definitions file. A
// definition returned by Workflow has inheritance already applied:
// Steps holds the parent's steps followed by the child's own.
type Definition struct {
	ID          string `json:"-"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Extends     string `json:"extends,omitempty"`
	Steps       []Step `json:"steps"`
}

// definitionsFile mirrors the on-disk JSON shape.
type definitionsFile struct {
	Workflows       map[string]*Definition `json:"workflows"`
	TaskTypeMapping map[string]string      `json:"taskTypeMapping"`
	Prompts         map[string]string      `json:"prompts"`
}

// Loader reads the definitions file and answers workflow, task-type and
// prompt lookups. Safe for concurrent use after Load.
type Loader struct {
	path string

	mu        sync.RWMutex
	loaded    bool
	workflows map[string]*Definition
	taskTypes map[string]string
	prompts   map[string]string
	resolved  map[string]*Definition
}

// NewLoader builds a loader for the given definitions file path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads and parses the definitions file. Missing `extends`
// targets and inheritance cycles are fatal here so a broken file never
// makes it into serving state. Load may be called again to re-read the
// file; resolution memos are discarded.
func (l *Loader) Load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read workflow definitions %s: %w", l.path, err)
	}

	var file definitionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse workflow definitions %s: %w", l.path, err)
	}

	if err := validateInheritance(file.Workflows); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.workflows = file.Workflows
	if l.workflows == nil {
		l.workflows = map[string]*Definition{}
	}
	l.taskTypes = file.TaskTypeMapping
	if l.taskTypes == nil {
		l.taskTypes = map[string]string{}
	}
	l.prompts = file.Prompts
	if l.prompts == nil {
		l.prompts = map[string]string{}
	}
	l.resolved = make(map[string]*Definition, len(l.workflows))
	l.loaded = true

	getLog().Info().
		Str("path", l.path).
		Int("workflows", len(l.workflows)).
		Int("task_types", len(l.taskTypes)).
		Int("prompts", len(l.prompts)).
		Msg("Workflow definitions loaded")

	return nil
}

// validateInheritance walks every extends chain once, rejecting unknown
// parents and cycles.
func validateInheritance(workflows map[string]*Definition) error {
	for id := range workflows {
		chain := []string{id}
		seen := map[string]bool{id: true}

		current := workflows[id]
		for current.Extends != "" {
			parentID := current.Extends
			parent, ok := workflows[parentID]
			if !ok {
				return fmt.Errorf("workflow %q extends unknown workflow %q: %w",
					id, parentID, ErrWorkflowNotFound)
			}
			if seen[parentID] {
				return &CycleError{Chain: append(chain, parentID)}
			}
			seen[parentID] = true
			chain = append(chain, parentID)
			current = parent
		}
	}
	return nil
}

// Workflow returns the definition for id with inheritance applied:
// parent steps first, then the child's. Results are memoized, so
// resolving an already resolved workflow returns the identical value.
// Callers must not mutate the returned definition.
func (l *Loader) Workflow(id string) (*Definition, error) {
	l.mu.RLock()
	if !l.loaded {
		l.mu.RUnlock()
		return nil, ErrNotLoaded
	}
	if def, ok := l.resolved[id]; ok {
		l.mu.RUnlock()
		return def, nil
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolveLocked(id, nil)
}

func (l *Loader) resolveLocked(id string, chain []string) (*Definition, error) {
	if def, ok := l.resolved[id]; ok {
		return def, nil
	}

	raw, ok := l.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkflowNotFound, id)
	}

	for _, seen := range chain {
		if seen == id {
			return nil, &CycleError{Chain: append(chain, id)}
		}
	}

	var steps []Step
	if raw.Extends != "" {
		parent, err := l.resolveLocked(raw.Extends, append(chain, id))
		if err != nil {
			return nil, err
		}
		steps = append(steps, parent.Steps...)
	}
	steps = append(steps, raw.Steps...)

	def := &Definition{
		ID:          id,
		Name:        raw.Name,
		Description: raw.Description,
		Extends:     raw.Extends,
		Steps:       steps,
	}
	l.resolved[id] = def
	return def, nil
}

// WorkflowForTaskType maps a task type to its workflow, falling back to
// the "default" mapping when the type has none.
func (l *Loader) WorkflowForTaskType(taskType string) (*Definition, error) {
	l.mu.RLock()
	if !l.loaded {
		l.mu.RUnlock()
		return nil, ErrNotLoaded
	}
	id, ok := l.taskTypes[taskType]
	if !ok {
		id, ok = l.taskTypes["default"]
	}
	l.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: no mapping for task type %q and no default", ErrWorkflowNotFound, taskType)
	}
	return l.Workflow(id)
}

// Prompt returns the raw template registered under name.
func (l *Loader) Prompt(name string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.loaded {
		return "", ErrNotLoaded
	}
	tpl, ok := l.prompts[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrPromptNotFound, name)
	}
	return tpl, nil
}

// FormatPrompt substitutes {key} placeholders in the named template.
// Every occurrence is replaced; placeholders without a matching key are
// left untouched so downstream consumers can spot them.
func (l *Loader) FormatPrompt(name string, data map[string]string) (string, error) {
	tpl, err := l.Prompt(name)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return tpl, nil
	}

	pairs := make([]string, 0, len(data)*2)
	for key, value := range data {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(tpl), nil
}

// WorkflowIDs returns the declared workflow ids, sorted.
func (l *Loader) WorkflowIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.workflows))
	for id := range l.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
