// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package analysis

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/fsys"
)

// ViolationLargeFile marks a file skipped for exceeding the scan size
// cap.
const ViolationLargeFile = "large-file-skipped"

// File is one scannable file discovered under a project root.
type File struct {
	Path string `json:"path"` // absolute
	Rel  string `json:"rel"`  // slash-separated, relative to the root
	Size int64  `json:"size"`
}

// Violation records a scan rule hit.
type Violation struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Report summarises one scan pass.
type Report struct {
	Files      int         `json:"files"`
	TotalBytes int64       `json:"totalBytes"`
	Skipped    int         `json:"skipped"`
	Violations []Violation `json:"violations,omitempty"`
}

// Scanner walks project trees under the configured exclusion, size and
// depth bounds, and streams file contents through the filesystem
// service's chunked reader.
type Scanner struct {
	fs  *fsys.Service
	cfg config.ScanConfig
}

// NewScanner builds a scanner. A nil filesystem service gets one with
// the configured chunk size; zero bounds fall back to the defaults.
func NewScanner(fsvc *fsys.Service, cfg config.ScanConfig) *Scanner {
	if len(cfg.ExcludedDirs) == 0 {
		cfg.ExcludedDirs = []string{"node_modules", ".git", "dist", "build", "coverage"}
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 << 20
	}
	if cfg.MaxDirectoryDepth <= 0 {
		cfg.MaxDirectoryDepth = 8
	}
	if fsvc == nil {
		fsvc = fsys.NewService(cfg.ChunkSize)
	}
	return &Scanner{fs: fsvc, cfg: cfg}
}

// List walks root and returns every regular file within bounds.
// Excluded directories and trees past the depth cap are pruned;
// oversized files are skipped with a recorded violation. Unreadable
// entries are skipped, not fatal; the error return covers an
// unreadable root or a cancelled context.
func (s *Scanner) List(ctx context.Context, root string) ([]File, *Report, error) {
	root = filepath.Clean(root)
	report := &Report{}
	var files []File

	excluded := make(map[string]struct{}, len(s.cfg.ExcludedDirs))
	for _, d := range s.cfg.ExcludedDirs {
		excluded[d] = struct{}{}
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			report.Skipped++
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path == root {
				return nil
			}
			if _, ok := excluded[d.Name()]; ok {
				report.Skipped++
				return filepath.SkipDir
			}
			if strings.Count(rel, "/")+1 > s.cfg.MaxDirectoryDepth {
				report.Skipped++
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			report.Skipped++
			return nil
		}
		if info.Size() > s.cfg.MaxFileSize {
			report.Skipped++
			report.Violations = append(report.Violations, Violation{
				Path: rel,
				Kind: ViolationLargeFile,
				Detail: fmt.Sprintf("%s exceeds the %s scan cap",
					humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(s.cfg.MaxFileSize))),
			})
			return nil
		}

		files = append(files, File{Path: path, Rel: rel, Size: info.Size()})
		report.Files++
		report.TotalBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	getLog().Debug().
		Str("root", root).
		Int("files", report.Files).
		Str("bytes", humanize.IBytes(uint64(report.TotalBytes))).
		Int("violations", len(report.Violations)).
		Msg("Scan finished")
	return files, report, nil
}

// StreamFile exposes the underlying chunked reader.
func (s *Scanner) StreamFile(ctx context.Context, path string, fn func(chunk []byte) error) error {
	return s.fs.StreamFile(ctx, path, fn)
}

// StreamLines reads path line by line on top of the chunked reader,
// carrying split lines across chunk boundaries. Lines are handed to
// fn without their trailing newline and are only valid for the
// duration of the call.
func (s *Scanner) StreamLines(ctx context.Context, path string, fn func(line []byte) error) error {
	var carry []byte
	if err := s.fs.StreamFile(ctx, path, func(chunk []byte) error {
		data := chunk
		if len(carry) > 0 {
			data = append(carry, chunk...)
			carry = nil
		}
		for {
			i := bytes.IndexByte(data, '\n')
			if i < 0 {
				break
			}
			if err := fn(trimLine(data[:i])); err != nil {
				return err
			}
			data = data[i+1:]
		}
		if len(data) > 0 {
			// The chunk buffer is reused by the reader, so the
			// remainder must be copied out.
			carry = append([]byte(nil), data...)
		}
		return nil
	}); err != nil {
		return err
	}
	if len(carry) > 0 {
		return fn(trimLine(carry))
	}
	return nil
}

func trimLine(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}
