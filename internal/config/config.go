// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	IDE       IDEConfig       `mapstructure:"ide"`
	Git       GitConfig       `mapstructure:"git"`
	AI        AIConfig        `mapstructure:"ai"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Dir      string            `mapstructure:"dir"` // Deprecated, kept for backward compatibility
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console", "syslog"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeLevel      bool   `mapstructure:"include_level"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"` // Level at which to include stack trace
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
}

// QueueConfig holds task queue and processor configuration.
type QueueConfig struct {
	MaxSize                 int           `mapstructure:"max_size"`
	MaxConcurrentPerProject int           `mapstructure:"max_concurrent_per_project"`
	DefaultTimeout          time.Duration `mapstructure:"default_timeout"`
	MaxRetries              int           `mapstructure:"max_retries"`
	HistorySize             int           `mapstructure:"history_size"`
	ShutdownGrace           time.Duration `mapstructure:"shutdown_grace"`
}

// MaxAttempts is the total-attempt ceiling per queue item.
// The default of 2 allows one retry after the first failure.
func (q QueueConfig) MaxAttempts() int {
	return q.MaxRetries
}

// AnalysisConfig holds analysis queue configuration.
type AnalysisConfig struct {
	MaxMemoryPerAnalysis    int64                    `mapstructure:"max_memory_per_analysis"` // bytes
	MaxMemoryPerProject     int64                    `mapstructure:"max_memory_per_project"`  // bytes
	Timeout                 time.Duration            `mapstructure:"timeout"`
	MaxConcurrentPerProject int                      `mapstructure:"max_concurrent_per_project"`
	MemoryThreshold         float64                  `mapstructure:"memory_threshold"`
	StreamingBatchSize      int                      `mapstructure:"streaming_batch_size"`
	TypeTimeouts            map[string]time.Duration `mapstructure:"type_timeouts"`
	Scan                    ScanConfig               `mapstructure:"scan"`
}

// ScanConfig bounds analysis file scanning.
type ScanConfig struct {
	ExcludedDirs      []string `mapstructure:"excluded_dirs"`
	MaxFileSize       int64    `mapstructure:"max_file_size"` // bytes
	MaxDirectoryDepth int      `mapstructure:"max_directory_depth"`
	ChunkSize         int      `mapstructure:"chunk_size"` // bytes per read buffer
}

// WorkflowConfig locates the declarative workflow file and plug-in frameworks.
type WorkflowConfig struct {
	DefinitionsPath string        `mapstructure:"definitions_path"`
	FrameworksDir   string        `mapstructure:"frameworks_dir"`
	StepTimeout     time.Duration `mapstructure:"step_timeout"` // default per-step timeout
}

// IDEConfig holds IDE adapter configuration.
type IDEConfig struct {
	PortRangeStart  int           `mapstructure:"port_range_start"`
	PortRangeEnd    int           `mapstructure:"port_range_end"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	DockerDiscovery bool          `mapstructure:"docker_discovery"`
	DockerHost      string        `mapstructure:"docker_host"`
	DockerLabel     string        `mapstructure:"docker_label"` // container label marking IDE instances
}

// GitConfig holds git-related configuration.
type GitConfig struct {
	DefaultBranch  string        `mapstructure:"default_branch"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// AIConfig holds AI provider configuration.
type AIConfig struct {
	Provider  string `mapstructure:"provider"` // "anthropic" or "none"
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// TelemetryConfig holds metrics and tracing configuration.
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	// Create a new config struct with default values
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/conductor/")
		v.AddConfigPath("$HOME/.conductor")
	}

	// Configure viper to use environment variables
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal the viper configuration into our config struct.
	// This will overwrite the default values with any values found in the config file or env vars.
	// We use a decoder hook to correctly handle nested structs.
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand paths that may contain ~ or environment variables
	cfg.expandPaths()

	// Validate the final configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "conductor.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Dir:    "./logs", // Backward compatibility
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/conductor.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"orchestrator": "INFO",
				"queue":        "INFO",
				"analysis":     "INFO",
				"steps":        "INFO",
				"bus":          "WARN",
				"database":     "INFO",
				"git":          "INFO",
				"ide":          "INFO",
				"api":          "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeLevel:      true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Queue: QueueConfig{
			MaxSize:                 10,
			MaxConcurrentPerProject: 3,
			DefaultTimeout:          5 * time.Minute,
			MaxRetries:              2,
			HistorySize:             200,
			ShutdownGrace:           10 * time.Second,
		},
		Analysis: AnalysisConfig{
			MaxMemoryPerAnalysis:    512 * 1024 * 1024,
			MaxMemoryPerProject:     512 * 1024 * 1024,
			Timeout:                 5 * time.Minute,
			MaxConcurrentPerProject: 3,
			MemoryThreshold:         0.8,
			StreamingBatchSize:      100,
			TypeTimeouts: map[string]time.Duration{
				"code-quality":    2 * time.Minute,
				"security":        3 * time.Minute,
				"performance":     4 * time.Minute,
				"architecture":    5 * time.Minute,
				"techstack":       90 * time.Second,
				"recommendations": time.Minute,
			},
			Scan: ScanConfig{
				ExcludedDirs:      []string{"node_modules", ".git", "dist", "build", "coverage"},
				MaxFileSize:       10 * 1024 * 1024,
				MaxDirectoryDepth: 8,
				ChunkSize:         64 * 1024,
			},
		},
		Workflow: WorkflowConfig{
			DefinitionsPath: "./workflows.json",
			FrameworksDir:   "./frameworks",
			StepTimeout:     5 * time.Minute,
		},
		IDE: IDEConfig{
			PortRangeStart:  9222,
			PortRangeEnd:    9232,
			ConnectTimeout:  5 * time.Second,
			DockerDiscovery: false,
			DockerHost:      "unix:///var/run/docker.sock",
			DockerLabel:     "conductor.ide",
		},
		Git: GitConfig{
			DefaultBranch:  "main",
			CommandTimeout: 30 * time.Second,
		},
		AI: AIConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			TracingEnabled: false,
			OTLPEndpoint:   "localhost:4318",
			ServiceName:    "conductor",
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	if c.Workflow.DefinitionsPath != "" {
		c.Workflow.DefinitionsPath = expandPath(c.Workflow.DefinitionsPath)
	}
	if c.Workflow.FrameworksDir != "" {
		c.Workflow.FrameworksDir = expandPath(c.Workflow.FrameworksDir)
	}
	if c.IDE.DockerHost != "" {
		c.IDE.DockerHost = expandPath(c.IDE.DockerHost)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	// Expand environment variables
	path = os.ExpandEnv(path)

	return path
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive, got: %d", c.Queue.MaxSize)
	}
	if c.Queue.MaxConcurrentPerProject <= 0 {
		return fmt.Errorf("queue.max_concurrent_per_project must be positive, got: %d", c.Queue.MaxConcurrentPerProject)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must not be negative, got: %d", c.Queue.MaxRetries)
	}

	if c.Analysis.MemoryThreshold <= 0 || c.Analysis.MemoryThreshold > 1 {
		return fmt.Errorf("analysis.memory_threshold must be in (0, 1], got: %v", c.Analysis.MemoryThreshold)
	}
	if c.Analysis.StreamingBatchSize <= 0 {
		return fmt.Errorf("analysis.streaming_batch_size must be positive, got: %d", c.Analysis.StreamingBatchSize)
	}
	if c.Analysis.Scan.MaxDirectoryDepth <= 0 {
		return fmt.Errorf("analysis.scan.max_directory_depth must be positive, got: %d", c.Analysis.Scan.MaxDirectoryDepth)
	}

	if c.IDE.PortRangeStart > c.IDE.PortRangeEnd {
		return fmt.Errorf("ide.port_range_start %d exceeds ide.port_range_end %d", c.IDE.PortRangeStart, c.IDE.PortRangeEnd)
	}

	if c.AI.Provider != "" && c.AI.Provider != "anthropic" && c.AI.Provider != "none" {
		return fmt.Errorf("ai.provider must be 'anthropic' or 'none', got: %s", c.AI.Provider)
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		// Fallback for other drivers that might just use a connection string directly
		return dc.Database
	}
}
