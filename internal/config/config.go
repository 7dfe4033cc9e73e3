package config

import (
	"fmt"
	"time"

	config_pkg "github.com/kumarabd/gokit/config"

	"github.com/houyuxi012/auditplane/internal/metrics"
	"github.com/houyuxi012/auditplane/pkg/archiver"
	"github.com/houyuxi012/auditplane/pkg/forwarder"
	"github.com/houyuxi012/auditplane/pkg/loki"
	"github.com/houyuxi012/auditplane/pkg/server"
	"github.com/houyuxi012/auditplane/pkg/sink"
)

var (
	ApplicationName    = "auditplane"
	ApplicationVersion = "dev"
)

// Config is the full pipeline configuration.
type Config struct {
	Server    *server.HTTPConfig        `json:"server" yaml:"server"`
	DBFile    string                    `json:"db_file" yaml:"db_file"`
	Loki      *loki.Config              `json:"loki" yaml:"loki"`
	Mirror    *sink.MirrorConfig        `json:"mirror" yaml:"mirror"`
	Composite *sink.CompositeConfig     `json:"composite" yaml:"composite"`
	Forwarder *forwarder.Config         `json:"forwarder" yaml:"forwarder"`
	Archiver  *archiver.Config          `json:"archiver" yaml:"archiver"`
	ColdStore *archiver.HTTPStoreConfig `json:"cold_store" yaml:"cold_store"`
	Metrics   *metrics.Options          `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// New creates a new config instance
func New() (*Config, error) {
	// Create default config object
	configObject := &Config{
		Server: &server.HTTPConfig{
			Host:         "0.0.0.0",
			Port:         "8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		DBFile: "./auditplane.sqlite",
		Loki: &loki.Config{
			Addr:           "http://localhost:3100",
			RequestTimeout: 5 * time.Second,
			Retry: loki.RetryConfig{
				Enabled:        true,
				MaxAttempts:    3,
				InitialBackoff: 200 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
			},
		},
		Mirror: &sink.MirrorConfig{
			Job:           "audit",
			BufferSize:    200,
			MaxBuffered:   10000,
			FlushInterval: 2 * time.Second,
			PushTimeout:   5 * time.Second,
		},
		Composite: &sink.CompositeConfig{
			QueueSize:       1024,
			Workers:         4,
			DispatchTimeout: 5 * time.Second,
		},
		Forwarder: &forwarder.Config{
			RuleTTL:      15 * time.Second,
			MaxQueueSize: 10000,
			Workers:      4,
			Timeout:      5 * time.Second,
		},
		Archiver: &archiver.Config{
			Interval:      24 * time.Hour,
			RetentionDays: 180,
			BatchSize:     1000,
			KeyPrefix:     "audit",
		},
		ColdStore: &archiver.HTTPStoreConfig{
			Timeout: 60 * time.Second,
		},
		Metrics: &metrics.Options{},
	}

	// Load config using gokit config package
	finalConfig, err := config_pkg.New(configObject)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if finalConfig == nil {
		return nil, fmt.Errorf("config is nil")
	}

	cfg, ok := finalConfig.(*Config)
	if !ok {
		return nil, fmt.Errorf("config type assertion failed: expected *Config, got %T", finalConfig)
	}

	return cfg, nil
}
