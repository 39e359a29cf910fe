// Package server wires configuration, mailbox PVs, the provider and the HTTP
// gateway into one runnable unit.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/pvmailbox/config"
	"github.com/timzifer/pvmailbox/drivers/mqtt"
	"github.com/timzifer/pvmailbox/gateway"
	"github.com/timzifer/pvmailbox/internal/logging"
	"github.com/timzifer/pvmailbox/internal/reload"
	"github.com/timzifer/pvmailbox/mailbox"
	"github.com/timzifer/pvmailbox/provider"
	"github.com/timzifer/pvmailbox/pv"
	"github.com/timzifer/pvmailbox/telemetry"
)

// Option configures the server during construction.
type Option func(*settings) error

type settings struct {
	config            *config.Config
	configPath        string
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	gatherer          prometheus.Gatherer
	listen            string
	mailboxes         []string
}

// Report summarises the effect of Apply.
type Report struct {
	Added   []string
	Removed []string
	Kept    []string
}

// Server owns the provider and every mailbox PV bound to it.
type Server struct {
	mu sync.Mutex

	config     *config.Config
	configPath string
	mailboxes  []string
	running    bool

	logger    zerolog.Logger
	cleanup   func()
	collector telemetry.Collector
	listen    string

	provider *provider.StaticProvider
	gateway  *gateway.Server
	bridge   *mqtt.Bridge
	watcher  *reload.Watcher
	pvOpts   []pv.Option
}

// New constructs a server with the supplied options. Without a
// configuration the server starts with the mailboxes given by WithMailboxes
// only.
func New(ctx context.Context, opts ...Option) (*Server, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil && cfg.configPath != "" {
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg.config = loaded
	}
	if cfg.config == nil {
		cfg.config = &config.Config{}
	}
	effective := withMailboxes(cfg.config, cfg.mailboxes)
	if err := Validate(effective); err != nil {
		return nil, err
	}

	logger, cleanup := cfg.logger, func() {}
	if !cfg.customLogger {
		var err error
		logger, cleanup, err = logging.Setup(effective.Logging, nil)
		if err != nil {
			return nil, err
		}
	}

	gatherer := cfg.gatherer
	if !cfg.telemetryProvided {
		collector, configured, err := newTelemetryCollector(effective.Telemetry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		if gatherer == nil {
			gatherer = configured
		}
	}

	policy, _ := effective.OverflowPolicy()
	srv := &Server{
		configPath: cfg.configPath,
		mailboxes:  cfg.mailboxes,
		logger:     logger.With().Str("component", "server").Logger(),
		cleanup:    cleanup,
		collector:  cfg.telemetry,
		listen:     cfg.listen,
		provider:   provider.NewStaticProvider(providerName(effective), logger),
		pvOpts: []pv.Option{
			pv.WithQueueSize(effective.Subscriptions.QueueSize),
			pv.WithOverflowPolicy(policy),
			pv.WithLogger(logger),
			pv.WithTelemetry(cfg.telemetry),
		},
	}
	if srv.listen == "" {
		srv.listen = effective.ListenAddress()
	}
	if _, err := srv.apply(effective); err != nil {
		cleanup()
		return nil, err
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithHeartbeat(effective.Gateway.Heartbeat.Duration),
	}
	if gatherer != nil {
		gwOpts = append(gwOpts, gateway.WithGatherer(gatherer))
	}
	srv.gateway = gateway.New(srv.provider, gwOpts...)

	if effective.MQTT.Enabled {
		bridge, err := mqtt.New(srv.provider, effective.MQTT, mqtt.WithLogger(logger))
		if err != nil {
			cleanup()
			return nil, err
		}
		srv.bridge = bridge
	}

	if effective.HotReload && cfg.configPath != "" {
		watcher, err := reload.NewWatcher(cfg.configPath, effective)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("create config watcher: %w", err)
		}
		srv.watcher = watcher
	}
	return srv, nil
}

// Validate checks a configuration including the put guard expressions.
func Validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var errs []error
	for _, decl := range cfg.PVs {
		if decl.PutGuard == "" {
			continue
		}
		if _, err := mailbox.CompileGuard(decl.PutGuard); err != nil {
			errs = append(errs, fmt.Errorf("pv %s: %w", decl.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Provider returns the provider serving the mailbox PVs.
func (s *Server) Provider() *provider.StaticProvider {
	return s.provider
}

// Bridge returns the MQTT bridge, or nil when MQTT is disabled.
func (s *Server) Bridge() *mqtt.Bridge {
	return s.bridge
}

// Gateway returns the HTTP gateway.
func (s *Server) Gateway() *gateway.Server {
	return s.gateway
}

// Config returns the configuration currently applied.
func (s *Server) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Run serves the gateway and, when hot reload is enabled, watches the
// configuration until ctx is cancelled. All PVs are closed on return.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	watcher := s.watcher
	s.mu.Unlock()

	defer func() {
		s.closePVs()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.gateway.Run(ctx, s.listen)
	})
	if s.bridge != nil {
		g.Go(func() error {
			return s.bridge.Run(ctx)
		})
	}
	if watcher != nil {
		interval := s.Config().HotReloadInterval()
		g.Go(func() error {
			err := watcher.Poll(ctx, interval, func(changed []string) {
				if err := s.reload(changed); err != nil {
					s.logger.Error().Err(err).Strs("files", changed).Msg("configuration reload failed")
					// Keep the previous configuration and wait for the next edit.
					if err := watcher.Update(s.configPath, s.Config()); err != nil {
						s.logger.Error().Err(err).Msg("failed to update watcher state")
					}
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	s.logger.Info().Int("pvs", s.provider.Len()).Str("listen", s.listen).Msg("server running")
	return g.Wait()
}

// Reload loads the configuration from disk and applies it.
func (s *Server) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.reload(nil)
}

func (s *Server) reload(changed []string) error {
	if s.configPath == "" {
		return errors.New("reload not supported without configuration path")
	}
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return err
	}
	cfg = withMailboxes(cfg, s.mailboxes)
	report, err := s.Apply(cfg)
	if err != nil {
		return err
	}
	if s.bridge != nil {
		s.bridge.Sync()
	}
	if s.watcher != nil {
		if err := s.watcher.Update(s.configPath, cfg); err != nil {
			s.logger.Error().Err(err).Msg("failed to update watcher state")
		}
	}
	for _, file := range changed {
		s.collector.IncHotReload(file)
	}
	s.logger.Info().Strs("added", report.Added).Strs("removed", report.Removed).Msg("configuration reloaded")
	return nil
}

// Apply binds PVs declared in cfg that are not bound yet and removes bound
// PVs cfg no longer declares. PVs present in both keep their binding and
// current value. Nothing changes when cfg is invalid.
func (s *Server) Apply(cfg *config.Config) (Report, error) {
	if err := Validate(cfg); err != nil {
		return Report{}, err
	}
	return s.apply(cfg)
}

func (s *Server) apply(cfg *config.Config) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report Report
	wanted := make(map[string]struct{}, len(cfg.PVs))
	built := make(map[string]*pv.SharedPV)
	for _, decl := range cfg.PVs {
		wanted[decl.Name] = struct{}{}
		if _, err := s.provider.Resolve(decl.Name); err == nil {
			report.Kept = append(report.Kept, decl.Name)
			continue
		}
		shared, err := s.build(decl)
		if err != nil {
			return Report{}, fmt.Errorf("pv %s: %w", decl.Name, err)
		}
		built[decl.Name] = shared
	}

	for _, name := range s.provider.Names() {
		if _, ok := wanted[name]; ok {
			continue
		}
		shared, err := s.provider.Remove(name)
		if err != nil {
			continue
		}
		shared.Close()
		report.Removed = append(report.Removed, name)
	}
	for name, shared := range built {
		if err := s.provider.Add(name, shared); err != nil {
			return report, err
		}
		report.Added = append(report.Added, name)
	}
	sort.Strings(report.Added)
	sort.Strings(report.Removed)
	s.config = cfg
	return report, nil
}

func (s *Server) build(decl config.PVConfig) (*pv.SharedPV, error) {
	initial, err := decl.InitialValue()
	if err != nil {
		return nil, err
	}
	handler, err := mailbox.New(
		mailbox.WithLogger(s.logger.With().Str("pv", decl.Name).Logger()),
		mailbox.WithGuard(decl.PutGuard),
	)
	if err != nil {
		return nil, err
	}
	return pv.NewOpen(initial, handler, s.pvOpts...)
}

func (s *Server) closePVs() {
	for _, name := range s.provider.Names() {
		if shared, err := s.provider.Resolve(name); err == nil {
			shared.Close()
		}
	}
}

// Close stops the gateway, closes every PV and flushes the log writers.
func (s *Server) Close() {
	s.gateway.Close()
	s.closePVs()
	if s.cleanup != nil {
		s.cleanup()
	}
}

func withMailboxes(cfg *config.Config, names []string) *config.Config {
	if len(names) == 0 {
		return cfg
	}
	out := *cfg
	out.PVs = append([]config.PVConfig(nil), cfg.PVs...)
	declared := make(map[string]struct{}, len(out.PVs))
	for _, decl := range out.PVs {
		declared[decl.Name] = struct{}{}
	}
	for _, name := range names {
		if _, ok := declared[name]; ok {
			continue
		}
		declared[name] = struct{}{}
		out.PVs = append(out.PVs, config.PVConfig{Name: name, Type: "int"})
	}
	return &out
}

func providerName(cfg *config.Config) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return "mailbox"
}
