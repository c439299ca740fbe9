// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fsys is the filesystem collaborator: whole-file and directory
// reads plus a chunked streaming reader used by the analysis scanner so
// large files never land in memory at once.
package fsys

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// DefaultChunkSize is the streaming buffer size when none is configured.
const DefaultChunkSize = 64 * 1024

// FileInfo is the subset of os.FileInfo the callers consume.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	ModTime time.Time `json:"modTime"`
}

// Service reads files and directories. The zero value is not usable;
// construct with NewService.
type Service struct {
	chunkSize int
}

// NewService builds a Service streaming in chunkSize-byte chunks.
// Non-positive sizes fall back to DefaultChunkSize.
func NewService(chunkSize int) *Service {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Service{chunkSize: chunkSize}
}

// ReadFile returns the entire file contents.
func (s *Service) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return data, nil
}

// ReadDir lists the immediate entries of a directory.
func (s *Service) ReadDir(ctx context.Context, path string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", path, err)
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Entry vanished between the listing and the stat.
			continue
		}
		infos = append(infos, FileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(path, entry.Name()),
			Size:    info.Size(),
			IsDir:   entry.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	return infos, nil
}

// Stat returns metadata for a single path.
func (s *Service) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return FileInfo{
		Name:    info.Name(),
		Path:    path,
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}, nil
}

// StreamFile reads path through a fixed-size buffer, invoking fn once
// per chunk. The chunk slice is only valid for the duration of the
// call. An fn error aborts the stream and is returned as-is; ctx is
// consulted between chunks for cooperative cancellation.
func (s *Service) StreamFile(ctx context.Context, path string, fn func(chunk []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, s.chunkSize)
	buf := make([]byte, s.chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := reader.Read(buf)
		if n > 0 {
			if fnErr := fn(buf[:n]); fnErr != nil {
				return fnErr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
}
