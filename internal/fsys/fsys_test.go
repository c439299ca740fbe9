// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package fsys

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	svc := NewService(0)
	data, err := svc.ReadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestReadFileMissing(t *testing.T) {
	svc := NewService(0)
	_, err := svc.ReadFile(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	svc := NewService(0)
	entries, err := svc.ReadDir(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := map[string]FileInfo{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.False(t, byName["a.txt"].IsDir)
	assert.Equal(t, int64(1), byName["a.txt"].Size)
	assert.True(t, byName["sub"].IsDir)
	assert.Equal(t, filepath.Join(dir, "sub"), byName["sub"].Path)
}

func TestStat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	svc := NewService(0)
	info, err := svc.Stat(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", info.Name)
	assert.Equal(t, int64(3), info.Size)
	assert.False(t, info.IsDir)
}

func TestStreamFileChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	content := bytes.Repeat([]byte("x"), 10)
	require.NoError(t, os.WriteFile(path, content, 0644))

	svc := NewService(4)

	var chunks [][]byte
	var total []byte
	err := svc.StreamFile(context.Background(), path, func(chunk []byte) error {
		copied := append([]byte(nil), chunk...)
		chunks = append(chunks, copied)
		total = append(total, copied...)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, content, total)
	// 10 bytes through a 4-byte buffer arrives in at least 3 chunks.
	assert.GreaterOrEqual(t, len(chunks), 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 4)
	}
}

func TestStreamFileCallbackErrorAborts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 100), 0644))

	boom := errors.New("stop")
	svc := NewService(8)

	calls := 0
	err := svc.StreamFile(context.Background(), path, func([]byte) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestStreamFileCancelled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 100), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := NewService(8)
	err := svc.StreamFile(ctx, path, func([]byte) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
