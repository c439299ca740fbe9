// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIDE struct {
	activePort int
	messages   []string
	newChats   int
	terminal   []string
}

func (f *fakeIDE) SendMessage(_ context.Context, port int, text string) error {
	f.messages = append(f.messages, fmt.Sprintf("%d:%s", port, text))
	return nil
}

func (f *fakeIDE) ClickNewChat(context.Context, int) error {
	f.newChats++
	return nil
}

func (f *fakeIDE) ExecuteTerminal(_ context.Context, _ int, cmd string) (string, error) {
	f.terminal = append(f.terminal, cmd)
	return "ran: " + cmd, nil
}

func (f *fakeIDE) ActivePort() int { return f.activePort }

type fakeGit struct {
	checkouts []string
	branches  []string
}

func (f *fakeGit) Checkout(_ context.Context, repoPath, branch string) error {
	f.checkouts = append(f.checkouts, repoPath+"@"+branch)
	return nil
}

func (f *fakeGit) CreateBranch(_ context.Context, repoPath, name, from string) error {
	f.branches = append(f.branches, name)
	return nil
}

type fakeAI struct{ reply string }

func (f *fakeAI) Chat(_ context.Context, prompt string) (string, error) {
	return f.reply, nil
}

type fakeFiles struct{ content map[string][]byte }

func (f *fakeFiles) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, ok := f.content[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return data, nil
}

type fakeTasks struct{ created []string }

func (f *fakeTasks) CreateTask(_ context.Context, projectID, title, description, taskType string) (string, error) {
	id := fmt.Sprintf("task-%d", len(f.created)+1)
	f.created = append(f.created, title)
	return id, nil
}

func builtinRegistry(t *testing.T) (*Registry, *fakeIDE, *fakeGit, *fakeTasks) {
	t.Helper()
	ide := &fakeIDE{activePort: 9222}
	git := &fakeGit{}
	tasks := &fakeTasks{}
	r, _ := newTestRegistry(t)
	require.NoError(t, RegisterBuiltins(r, Collaborators{
		IDE:   ide,
		Git:   git,
		AI:    &fakeAI{reply: "the answer"},
		Files: &fakeFiles{content: map[string][]byte{"/work/proj/README.md": []byte("hello")}},
		Tasks: tasks,
	}))
	return r, ide, git, tasks
}

func TestBuiltinsRegisterFullCapabilitySet(t *testing.T) {
	r, _, _, _ := builtinRegistry(t)

	for _, key := range []string{
		"ide.message", "ide.new_chat", "ide.terminal",
		"git.branch", "git.checkout",
		"ai.chat", "fs.read", "task.create", "delay",
	} {
		_, ok := r.Definition(key)
		assert.True(t, ok, "capability %q missing", key)
	}
}

func TestIDEMessageUsesActivePort(t *testing.T) {
	r, ide, _, _ := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")

	_, err := r.ExecuteStep(context.Background(), "ide.message", sc, Options{
		Values: map[string]any{"prompt": "do the thing"},
	})
	require.NoError(t, err)
	require.Len(t, ide.messages, 1)
	assert.Equal(t, "9222:do the thing", ide.messages[0])
}

func TestIDEMessageExplicitPort(t *testing.T) {
	r, ide, _, _ := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")

	_, err := r.ExecuteStep(context.Background(), "ide.message", sc, Options{
		Values: map[string]any{"prompt": "hi", "port": float64(9230)},
	})
	require.NoError(t, err)
	require.Len(t, ide.messages, 1)
	assert.Equal(t, "9230:hi", ide.messages[0])
}

func TestIDEMessageRequiresPrompt(t *testing.T) {
	r, _, _, _ := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")

	_, err := r.ExecuteStep(context.Background(), "ide.message", sc, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt")
}

func TestIDETerminalReturnsOutput(t *testing.T) {
	r, _, _, _ := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")

	out, err := r.ExecuteStep(context.Background(), "ide.terminal", sc, Options{
		Values: map[string]any{"command": "npm test"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ran: npm test", out)
}

func TestGitBranchCreatesAndReturnsName(t *testing.T) {
	r, _, git, _ := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")

	out, err := r.ExecuteStep(context.Background(), "git.branch", sc, Options{
		Values: map[string]any{"branchName": "feature/login"},
	})
	require.NoError(t, err)
	assert.Equal(t, "feature/login", out)
	assert.Equal(t, []string{"feature/login"}, git.branches)
}

func TestGitCheckoutAcceptsBothOptionSpellings(t *testing.T) {
	r, _, git, _ := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")

	_, err := r.ExecuteStep(context.Background(), "git.checkout", sc, Options{
		StepName: "co1",
		Values:   map[string]any{"branch": "main"},
	})
	require.NoError(t, err)

	_, err = r.ExecuteStep(context.Background(), "git.checkout", sc, Options{
		StepName: "co2",
		Values:   map[string]any{"branchName": "dev"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"/work/proj@main", "/work/proj@dev"}, git.checkouts)
}

func TestAIChatReturnsReply(t *testing.T) {
	r, _, _, _ := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")

	out, err := r.ExecuteStep(context.Background(), "ai.chat", sc, Options{
		Values: map[string]any{"prompt": "what is the answer"},
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer", out)
}

func TestFSReadResolvesRelativePath(t *testing.T) {
	r, _, _, _ := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")

	out, err := r.ExecuteStep(context.Background(), "fs.read", sc, Options{
		Values: map[string]any{"path": "README.md"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestTaskCreateBindsTaskID(t *testing.T) {
	r, _, _, tasks := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")

	out, err := r.ExecuteStep(context.Background(), "task.create", sc, Options{
		Values: map[string]any{"title": "Add login", "type": "feature"},
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", out)
	assert.Equal(t, "task-1", sc.TaskID())
	assert.Equal(t, []string{"Add login"}, tasks.created)
}

func TestTaskCreateKeepsExistingTaskID(t *testing.T) {
	r, _, _, _ := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")
	sc.SetTaskID("existing")

	_, err := r.ExecuteStep(context.Background(), "task.create", sc, Options{
		Values: map[string]any{"title": "Another"},
	})
	require.NoError(t, err)
	assert.Equal(t, "existing", sc.TaskID())
}

func TestDelayWaits(t *testing.T) {
	r, _, _, _ := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")

	start := time.Now()
	out, err := r.ExecuteStep(context.Background(), "delay", sc, Options{
		Values: map[string]any{"duration": "30ms"},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, "30ms", out)
}

func TestDelayAcceptsMilliseconds(t *testing.T) {
	r, _, _, _ := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")

	_, err := r.ExecuteStep(context.Background(), "delay", sc, Options{
		Values: map[string]any{"duration": float64(10)},
	})
	require.NoError(t, err)
}

func TestDelayRequiresDuration(t *testing.T) {
	r, _, _, _ := builtinRegistry(t)
	sc := NewContext("proj", "/work/proj")

	_, err := r.ExecuteStep(context.Background(), "delay", sc, Options{})
	require.Error(t, err)
}

func TestMissingCollaboratorFailsExecution(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, RegisterBuiltins(r, Collaborators{}))

	sc := NewContext("proj", "/work/proj")
	_, err := r.ExecuteStep(context.Background(), "ai.chat", sc, Options{
		Values: map[string]any{"prompt": "hi"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCollaboratorMissing)
}
