// Package config provides configuration loading for codeharvest.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full harvester configuration.
type Config struct {
	Harvest   HarvestConfig   `koanf:"harvest"`
	Fetch     FetchConfig     `koanf:"fetch"`
	Filter    FilterConfig    `koanf:"filter"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Server    ServerConfig    `koanf:"server"`
	Events    EventsConfig    `koanf:"events"`
	GitHub    GitHubConfig    `koanf:"github"`
}

// HarvestConfig controls the run as a whole.
type HarvestConfig struct {
	RepoList      string `koanf:"repo_list"`
	Threads       int    `koanf:"threads"`   // 0 = one per CPU
	MinStars      int    `koanf:"min_stars"` // -1 = no filter
	Seed          int64  `koanf:"seed"`
	CommitEvery   int    `koanf:"commit_every"`
	WorkspaceRoot string `koanf:"workspace_root"`
	OutputRoot    string `koanf:"output_root"`
}

// FetchConfig controls repository cloning.
type FetchConfig struct {
	BaseURL        string   `koanf:"base_url"`
	Depth          int      `koanf:"depth"`
	Timeout        Duration `koanf:"timeout"`
	MaxRetries     int      `koanf:"max_retries"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
	RateLimit      float64  `koanf:"rate_limit"` // clones per second, 0 = unlimited
	Username       string   `koanf:"username"`
	Token          Secret   `koanf:"token"`
}

// FilterConfig controls file classification.
type FilterConfig struct {
	MaxDigitFraction      float64  `koanf:"max_digit_fraction"`
	MaxAvgLineLength      float64  `koanf:"max_avg_line_length"`
	MinConfidence         int      `koanf:"min_confidence"`
	MaxFileBytes          int64    `koanf:"max_file_bytes"` // 0 = unlimited
	ExtraDeniedExtensions []string `koanf:"extra_denied_extensions"`
}

// ArchiveConfig controls chunk output.
type ArchiveConfig struct {
	CompressionLevel string `koanf:"compression_level"`
}

// LoggingConfig is the user facing subset of logging.Config.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	Stdout   bool   `koanf:"stdout"`
	File     string `koanf:"file"`
	Sampling bool   `koanf:"sampling"`
}

// TelemetryConfig is the user facing subset of telemetry.Config.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	Insecure       bool     `koanf:"insecure"`
	ServiceName    string   `koanf:"service_name"`
	SampleRate     float64  `koanf:"sample_rate"`
	MetricsEnabled bool     `koanf:"metrics_enabled"`
	ExportInterval Duration `koanf:"export_interval"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EventsConfig controls per-repository event publishing. An empty NATSURL
// disables it.
type EventsConfig struct {
	NATSURL string   `koanf:"nats_url"`
	Subject string   `koanf:"subject"`
	Timeout Duration `koanf:"timeout"`
}

// GitHubConfig controls the list command's search API use.
type GitHubConfig struct {
	Token             Secret   `koanf:"token"`
	APIURL            string   `koanf:"api_url"`
	MinStars          int      `koanf:"min_stars"`
	Languages         []string `koanf:"languages"`
	MaxResults        int      `koanf:"max_results"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Harvest: HarvestConfig{
			RepoList:      "github_repositories.csv",
			Threads:       0,
			MinStars:      -1,
			Seed:          42,
			CommitEvery:   100,
			WorkspaceRoot: ".tmp",
			OutputRoot:    "github_data",
		},
		Fetch: FetchConfig{
			BaseURL:        "https://github.com",
			Depth:          1,
			Timeout:        Duration(10 * time.Minute),
			MaxRetries:     2,
			InitialBackoff: Duration(2 * time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			Username:       "x-access-token",
		},
		Filter: FilterConfig{
			MaxDigitFraction: 0.8,
			MaxAvgLineLength: 200,
			MinConfidence:    10,
		},
		Archive: ArchiveConfig{
			CompressionLevel: "default",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Stdout:   true,
			Sampling: true,
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "codeharvest",
			SampleRate:     1.0,
			MetricsEnabled: true,
			ExportInterval: Duration(15 * time.Second),
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9100,
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Events: EventsConfig{
			Subject: "codeharvest.repos",
			Timeout: Duration(5 * time.Second),
		},
		GitHub: GitHubConfig{
			MinStars:          100,
			MaxResults:        1000,
			RequestsPerSecond: 0.5,
		},
	}
}

var compressionLevels = map[string]bool{
	"fastest": true, "default": true, "better": true, "best": true,
}

// Validate checks all sections and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Harvest.Threads < 0 {
		add("harvest.threads must be >= 0, got %d", c.Harvest.Threads)
	}
	if c.Harvest.MinStars < -1 {
		add("harvest.min_stars must be >= -1, got %d", c.Harvest.MinStars)
	}
	if c.Harvest.CommitEvery < 1 {
		add("harvest.commit_every must be >= 1, got %d", c.Harvest.CommitEvery)
	}
	if c.Harvest.WorkspaceRoot == "" {
		add("harvest.workspace_root is required")
	}
	if c.Harvest.OutputRoot == "" {
		add("harvest.output_root is required")
	}

	if c.Fetch.BaseURL == "" {
		add("fetch.base_url is required")
	}
	if c.Fetch.Depth < 1 {
		add("fetch.depth must be >= 1, got %d", c.Fetch.Depth)
	}
	if c.Fetch.MaxRetries < 0 {
		add("fetch.max_retries must be >= 0, got %d", c.Fetch.MaxRetries)
	}
	if c.Fetch.MaxBackoff < c.Fetch.InitialBackoff {
		add("fetch.max_backoff must be >= fetch.initial_backoff")
	}
	if c.Fetch.RateLimit < 0 {
		add("fetch.rate_limit must be >= 0, got %v", c.Fetch.RateLimit)
	}

	if c.Filter.MaxDigitFraction <= 0 || c.Filter.MaxDigitFraction > 1 {
		add("filter.max_digit_fraction must be in (0, 1], got %v", c.Filter.MaxDigitFraction)
	}
	if c.Filter.MaxAvgLineLength <= 0 {
		add("filter.max_avg_line_length must be > 0, got %v", c.Filter.MaxAvgLineLength)
	}
	if c.Filter.MinConfidence < 0 || c.Filter.MinConfidence > 100 {
		add("filter.min_confidence must be in [0, 100], got %d", c.Filter.MinConfidence)
	}
	if c.Filter.MaxFileBytes < 0 {
		add("filter.max_file_bytes must be >= 0, got %d", c.Filter.MaxFileBytes)
	}

	if !compressionLevels[strings.ToLower(c.Archive.CompressionLevel)] {
		add("archive.compression_level must be one of fastest, default, better, best; got %q", c.Archive.CompressionLevel)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		add("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			add("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			add("telemetry.protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol)
		}
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		add("server.port must be in [1, 65535], got %d", c.Server.Port)
	}

	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		add("events.subject is required when events.nats_url is set")
	}

	if c.GitHub.MaxResults < 0 {
		add("github.max_results must be >= 0, got %d", c.GitHub.MaxResults)
	}
	if c.GitHub.RequestsPerSecond < 0 {
		add("github.requests_per_second must be >= 0, got %v", c.GitHub.RequestsPerSecond)
	}

	return errors.Join(errs...)
}
