// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logger owns the process-wide zerolog setup: a shared sink
// assembled from config, cached per-package child loggers with
// independent levels, and a static getter per component.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/noldarim/conductor/internal/config"
)

// Manager builds and hands out package-scoped loggers. Every logger
// shares the sink assembled at construction time; only levels differ
// per package.
type Manager struct {
	cfg     *config.LogConfig
	root    zerolog.Logger
	mu      sync.RWMutex
	byPkg   map[string]zerolog.Logger
	closers []io.Closer
}

// NewManager assembles the configured sink and prepares the root logger
// all package loggers derive from.
func NewManager(cfg *config.LogConfig) (*Manager, error) {
	zerolog.SetGlobalLevel(levelOrInfo(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	m := &Manager{cfg: cfg, byPkg: make(map[string]zerolog.Logger)}
	sink, err := m.buildSink()
	if err != nil {
		return nil, err
	}
	m.root = m.newLogger(sink, levelOrInfo(cfg.Level))
	return m, nil
}

// buildSink folds the enabled outputs into a single io.Writer. With no
// enabled output it falls back to an append-only file so log lines are
// never silently dropped.
func (m *Manager) buildSink() (io.Writer, error) {
	var writers []io.Writer
	for _, out := range m.cfg.Output {
		if !out.Enabled {
			continue
		}
		w, err := m.openOutput(out)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}

	switch len(writers) {
	case 0:
		return m.fallbackFile()
	case 1:
		return writers[0], nil
	default:
		return io.MultiWriter(writers...), nil
	}
}

// openOutput opens one configured output, applying rotation and the
// human-readable decoration where they apply.
func (m *Manager) openOutput(out config.LogOutputConfig) (io.Writer, error) {
	switch out.Type {
	case "console":
		if m.cfg.Format == "console" {
			return consoleWriter(os.Stderr, "15:04:05.000"), nil
		}
		return os.Stderr, nil

	case "file":
		if err := os.MkdirAll(filepath.Dir(out.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		var w io.Writer
		if out.Rotate.MaxSizeMB > 0 {
			lj := &lumberjack.Logger{
				Filename:   out.Path,
				MaxSize:    out.Rotate.MaxSizeMB,
				MaxBackups: out.Rotate.MaxBackups,
				MaxAge:     out.Rotate.MaxAgeDays,
				Compress:   out.Rotate.Compress,
			}
			m.closers = append(m.closers, lj)
			w = lj
		} else {
			f, err := os.OpenFile(out.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", out.Path, err)
			}
			m.closers = append(m.closers, f)
			w = f
		}
		if m.cfg.Format == "console" {
			// The human-readable format extends to files when asked for.
			return consoleWriter(w, "2006-01-02 15:04:05.000"), nil
		}
		return w, nil

	default:
		return nil, fmt.Errorf("unsupported log output type %q", out.Type)
	}
}

func (m *Manager) fallbackFile() (io.Writer, error) {
	const path = "./logs/conductor-fallback.log"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create fallback log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open fallback log file: %w", err)
	}
	m.closers = append(m.closers, f)
	return f, nil
}

// consoleWriter renders human-readable lines with aligned level tags.
func consoleWriter(out io.Writer, timeFormat string) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: timeFormat,
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		},
	}
}

// newLogger applies the configured context decorations to a bare logger.
func (m *Manager) newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	c := zerolog.New(w).Level(level).With()
	if m.cfg.Context.IncludeTimestamp {
		c = c.Timestamp()
	}
	if m.cfg.Context.IncludeCaller {
		c = c.Caller()
	}
	if m.cfg.Context.IncludeStackTrace != "" {
		c = c.Stack()
	}
	l := c.Logger()
	if m.cfg.Sampling.Enabled {
		l = l.Sample(&zerolog.BurstSampler{
			Burst:       m.cfg.Sampling.Initial,
			Period:      m.cfg.Sampling.Tick,
			NextSampler: &zerolog.BasicSampler{N: m.cfg.Sampling.Thereafter},
		})
	}
	return l
}

// GetLogger returns the cached logger for pkg, creating it on first use.
// A per-package entry in the levels map overrides the global level.
func (m *Manager) GetLogger(pkg string) zerolog.Logger {
	m.mu.RLock()
	l, ok := m.byPkg[pkg]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.byPkg[pkg]; ok {
		return l
	}
	level := levelOrInfo(m.cfg.Level)
	if s, ok := m.cfg.Levels[pkg]; ok {
		level = levelOrInfo(s)
	}
	l = m.root.With().Str("pkg", pkg).Logger().Level(level)
	m.byPkg[pkg] = l
	return l
}

// SetPackageLevel changes one package's level at runtime. The cached
// logger and future GetLogger calls pick up the new level; copies
// already handed out keep the old one, zerolog loggers being values.
func (m *Manager) SetPackageLevel(pkg, level string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Levels == nil {
		m.cfg.Levels = make(map[string]string)
	}
	m.cfg.Levels[pkg] = level

	if l, ok := m.byPkg[pkg]; ok {
		m.byPkg[pkg] = l.Level(levelOrInfo(level))
	}
}

// Close releases every file-backed writer, reporting the first failure
// but attempting all of them.
func (m *Manager) Close() error {
	var firstErr error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// levelOrInfo parses a configured level name, defaulting to info for
// empty or unrecognized values so a bad config never mutes the log.
func levelOrInfo(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

var (
	std      *Manager
	initOnce sync.Once
)

// Initialize builds the process-wide manager. Only the first call takes
// effect; later calls return nil without touching the existing setup.
func Initialize(cfg *config.LogConfig) error {
	var err error
	initOnce.Do(func() {
		std, err = NewManager(cfg)
	})
	return err
}

// GetLogger hands out a package logger from the process-wide manager.
// Before Initialize it returns a discard logger, keeping tests and
// library use quiet instead of spamming stderr.
func GetLogger(pkg string) zerolog.Logger {
	if std == nil {
		return zerolog.New(io.Discard)
	}
	return std.GetLogger(pkg)
}

// CloseGlobal closes the process-wide manager's writers.
func CloseGlobal() error {
	if std == nil {
		return nil
	}
	return std.Close()
}
