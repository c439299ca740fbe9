// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// ErrCollaboratorMissing is returned when a capability runs without its
// backing adapter wired.
var ErrCollaboratorMissing = errors.New("collaborator not configured")

// IDEAdapter is the slice of the IDE client the built-ins call.
type IDEAdapter interface {
	SendMessage(ctx context.Context, port int, text string) error
	ClickNewChat(ctx context.Context, port int) error
	ExecuteTerminal(ctx context.Context, port int, cmd string) (string, error)
	ActivePort() int
}

// GitAdapter is the slice of the git service the built-ins call.
type GitAdapter interface {
	Checkout(ctx context.Context, repoPath, branch string) error
	CreateBranch(ctx context.Context, repoPath, name, from string) error
}

// AIChat answers a single prompt.
type AIChat interface {
	Chat(ctx context.Context, prompt string) (string, error)
}

// FileReader reads workspace files.
type FileReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// TaskCreator materializes a task row; used by create-type workflows
// whose first step creates the task the queue item was admitted
// without.
type TaskCreator interface {
	CreateTask(ctx context.Context, projectID, title, description, taskType string) (string, error)
}

// Collaborators groups the adapters behind the built-in capabilities.
// Nil entries are allowed; the corresponding capability then fails at
// execution with ErrCollaboratorMissing.
type Collaborators struct {
	IDE   IDEAdapter
	Git   GitAdapter
	AI    AIChat
	Files FileReader
	Tasks TaskCreator
}

// RegisterBuiltins registers the fixed capability set. Framework
// manifests reference these by `type`; workflows reference them
// directly.
func RegisterBuiltins(r *Registry, c Collaborators) error {
	builtins := []struct {
		def  StepDefinition
		exec Executor
	}{
		{
			StepDefinition{Key: "ide.message", Description: "Send a prompt to the active IDE chat"},
			ExecutorFunc(func(ctx context.Context, sc *Context, opts Options) (any, error) {
				if c.IDE == nil {
					return nil, fmt.Errorf("ide.message: %w", ErrCollaboratorMissing)
				}
				prompt := opts.StringValue("prompt")
				if prompt == "" {
					return nil, fmt.Errorf("ide.message: option %q is required", "prompt")
				}
				port := idePort(c.IDE, opts)
				if err := c.IDE.SendMessage(ctx, port, prompt); err != nil {
					return nil, err
				}
				return map[string]any{"port": port}, nil
			}),
		},
		{
			StepDefinition{Key: "ide.new_chat", Description: "Open a fresh IDE chat session"},
			ExecutorFunc(func(ctx context.Context, sc *Context, opts Options) (any, error) {
				if c.IDE == nil {
					return nil, fmt.Errorf("ide.new_chat: %w", ErrCollaboratorMissing)
				}
				port := idePort(c.IDE, opts)
				if err := c.IDE.ClickNewChat(ctx, port); err != nil {
					return nil, err
				}
				return map[string]any{"port": port}, nil
			}),
		},
		{
			StepDefinition{Key: "ide.terminal", Description: "Run a command in the IDE terminal"},
			ExecutorFunc(func(ctx context.Context, sc *Context, opts Options) (any, error) {
				if c.IDE == nil {
					return nil, fmt.Errorf("ide.terminal: %w", ErrCollaboratorMissing)
				}
				cmd := opts.StringValue("command")
				if cmd == "" {
					return nil, fmt.Errorf("ide.terminal: option %q is required", "command")
				}
				return c.IDE.ExecuteTerminal(ctx, idePort(c.IDE, opts), cmd)
			}),
		},
		{
			StepDefinition{Key: "git.branch", Description: "Create a branch in the project repository"},
			ExecutorFunc(func(ctx context.Context, sc *Context, opts Options) (any, error) {
				if c.Git == nil {
					return nil, fmt.Errorf("git.branch: %w", ErrCollaboratorMissing)
				}
				name := branchOption(opts)
				if name == "" {
					return nil, fmt.Errorf("git.branch: option %q is required", "branchName")
				}
				if sc.ProjectPath == "" {
					return nil, errors.New("git.branch: project path not resolved")
				}
				if err := c.Git.CreateBranch(ctx, sc.ProjectPath, name, opts.StringValue("from")); err != nil {
					return nil, err
				}
				return name, nil
			}),
		},
		{
			StepDefinition{Key: "git.checkout", Description: "Check out a branch in the project repository"},
			ExecutorFunc(func(ctx context.Context, sc *Context, opts Options) (any, error) {
				if c.Git == nil {
					return nil, fmt.Errorf("git.checkout: %w", ErrCollaboratorMissing)
				}
				branch := branchOption(opts)
				if branch == "" {
					return nil, fmt.Errorf("git.checkout: option %q is required", "branch")
				}
				if sc.ProjectPath == "" {
					return nil, errors.New("git.checkout: project path not resolved")
				}
				if err := c.Git.Checkout(ctx, sc.ProjectPath, branch); err != nil {
					return nil, err
				}
				return branch, nil
			}),
		},
		{
			StepDefinition{Key: "ai.chat", Description: "Ask the AI provider and keep the reply"},
			ExecutorFunc(func(ctx context.Context, sc *Context, opts Options) (any, error) {
				if c.AI == nil {
					return nil, fmt.Errorf("ai.chat: %w", ErrCollaboratorMissing)
				}
				prompt := opts.StringValue("prompt")
				if prompt == "" {
					return nil, fmt.Errorf("ai.chat: option %q is required", "prompt")
				}
				return c.AI.Chat(ctx, prompt)
			}),
		},
		{
			StepDefinition{Key: "fs.read", Description: "Read a workspace file"},
			ExecutorFunc(func(ctx context.Context, sc *Context, opts Options) (any, error) {
				if c.Files == nil {
					return nil, fmt.Errorf("fs.read: %w", ErrCollaboratorMissing)
				}
				path := opts.StringValue("path")
				if path == "" {
					return nil, fmt.Errorf("fs.read: option %q is required", "path")
				}
				if !filepath.IsAbs(path) && sc.ProjectPath != "" {
					path = filepath.Join(sc.ProjectPath, path)
				}
				data, err := c.Files.ReadFile(ctx, path)
				if err != nil {
					return nil, err
				}
				return string(data), nil
			}),
		},
		{
			StepDefinition{Key: "task.create", Description: "Create the task row for a create-type workflow"},
			ExecutorFunc(func(ctx context.Context, sc *Context, opts Options) (any, error) {
				if c.Tasks == nil {
					return nil, fmt.Errorf("task.create: %w", ErrCollaboratorMissing)
				}
				title := opts.StringValue("title")
				if title == "" {
					return nil, fmt.Errorf("task.create: option %q is required", "title")
				}
				taskID, err := c.Tasks.CreateTask(ctx, sc.ProjectID, title,
					opts.StringValue("description"), opts.StringValue("type"))
				if err != nil {
					return nil, err
				}
				if sc.TaskID() == "" {
					sc.SetTaskID(taskID)
				}
				return taskID, nil
			}),
		},
		{
			StepDefinition{Key: "delay", Description: "Pause the workflow for a fixed duration"},
			ExecutorFunc(func(ctx context.Context, sc *Context, opts Options) (any, error) {
				d, err := delayDuration(opts)
				if err != nil {
					return nil, err
				}
				timer := time.NewTimer(d)
				defer timer.Stop()
				select {
				case <-timer.C:
					return d.String(), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}),
		},
	}

	for _, b := range builtins {
		if err := r.Register(b.def, b.exec); err != nil {
			return err
		}
	}
	return nil
}

// idePort picks the explicit port option or falls back to the adapter's
// active port.
func idePort(ide IDEAdapter, opts Options) int {
	if port, ok := opts.IntValue("port"); ok && port > 0 {
		return port
	}
	return ide.ActivePort()
}

// branchOption accepts both spellings used by enqueue options and
// workflow definitions.
func branchOption(opts Options) string {
	if name := opts.StringValue("branchName"); name != "" {
		return name
	}
	return opts.StringValue("branch")
}

// delayDuration parses the delay option: a duration string ("1.5s") or
// a number of milliseconds.
func delayDuration(opts Options) (time.Duration, error) {
	if s := opts.StringValue("duration"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("delay: invalid duration %q: %w", s, err)
		}
		return d, nil
	}
	if ms, ok := opts.IntValue("duration"); ok {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("delay: option %q is required", "duration")
}
