package server

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/timzifer/pvmailbox/config"
	"github.com/timzifer/pvmailbox/telemetry"
)

// WithLogger provides a custom logger instance instead of the configured one.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithConfigPath loads the configuration from path and enables reloads.
func WithConfigPath(path string) Option {
	return func(cfg *settings) error {
		cfg.configPath = strings.TrimSpace(path)
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		cfg.config = cfgData
		return nil
	}
}

// WithListen overrides the configured gateway address.
func WithListen(addr string) Option {
	return func(cfg *settings) error {
		cfg.listen = strings.TrimSpace(addr)
		return nil
	}
}

// WithMailboxes adds int mailboxes with the given names on top of the
// configured PVs.
func WithMailboxes(names ...string) Option {
	return func(cfg *settings) error {
		for _, name := range names {
			if name = strings.TrimSpace(name); name != "" {
				cfg.mailboxes = append(cfg.mailboxes, name)
			}
		}
		return nil
	}
}

// WithTelemetry injects a collector overriding the configuration-based one.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}

// WithGatherer exposes the given registry on the gateway's /metrics route.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(cfg *settings) error {
		cfg.gatherer = gatherer
		return nil
	}
}
