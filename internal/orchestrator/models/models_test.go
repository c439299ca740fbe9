// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatus_String(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   string
	}{
		{TaskStatusPending, "pending"},
		{TaskStatusRunning, "running"},
		{TaskStatusCompleted, "completed"},
		{TaskStatusFailed, "failed"},
		{TaskStatusCancelled, "cancelled"},
		{TaskStatus(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusRunning.Terminal())
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.True(t, TaskStatusCancelled.Terminal())
}

func TestTaskPriority_String(t *testing.T) {
	assert.Equal(t, "low", TaskPriorityLow.String())
	assert.Equal(t, "normal", TaskPriorityNormal.String())
	assert.Equal(t, "high", TaskPriorityHigh.String())
	assert.Equal(t, "critical", TaskPriorityCritical.String())
	assert.Equal(t, "unknown", TaskPriority(42).String())
}

func TestJSONMap_ScanValue(t *testing.T) {
	m := JSONMap{"framework": "react", "files": float64(120)}

	value, err := m.Value()
	require.NoError(t, err)

	var scanned JSONMap
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, m, scanned)
}

func TestJSONMap_ScanString(t *testing.T) {
	var m JSONMap
	require.NoError(t, m.Scan(`{"language":"go"}`))
	assert.Equal(t, "go", m["language"])
}

func TestJSONMap_ScanNil(t *testing.T) {
	var m JSONMap
	require.NoError(t, m.Scan(nil))
	assert.NotNil(t, m)
	assert.Empty(t, m)
}

func TestJSONMap_ScanInvalidType(t *testing.T) {
	var m JSONMap
	assert.Error(t, m.Scan(12345))
}

func TestJSONMap_ValueEmpty(t *testing.T) {
	value, err := JSONMap{}.Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", value)
}

func TestStringList_ScanValue(t *testing.T) {
	l := StringList{"security", "performance"}

	value, err := l.Value()
	require.NoError(t, err)

	var scanned StringList
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, l, scanned)
}

func TestStringList_ValueEmpty(t *testing.T) {
	value, err := StringList{}.Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", value)
}

func TestStringList_ScanNil(t *testing.T) {
	var l StringList
	require.NoError(t, l.Scan(nil))
	assert.NotNil(t, l)
	assert.Empty(t, l)
}
