package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/timzifer/pvmailbox/config"
	"github.com/timzifer/pvmailbox/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to a configuration file or directory")
	listen := flag.String("listen", "", "Gateway listen address (overrides the configuration)")
	verbose := flag.Bool("v", false, "Enable debug logging")
	healthcheck := flag.Bool("healthcheck", false, "Validate the configuration and exit")
	configCheck := flag.Bool("config-check", false, "Print the configured PVs and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [pvname ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	if *healthcheck {
		if err := server.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if *configCheck {
		os.Exit(executeConfigCheck(cfg, flag.Args()))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []server.Option{
		server.WithConfig(cfg),
		server.WithListen(*listen),
		server.WithMailboxes(flag.Args()...),
	}
	if *cfgPath != "" {
		opts = append(opts, server.WithConfigPath(*cfgPath))
	}
	srv, err := server.New(ctx, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server stopped with error")
		srv.Close()
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

func executeConfigCheck(cfg *config.Config, extra []string) int {
	if err := server.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	if len(cfg.PVs) == 0 && len(extra) == 0 {
		fmt.Println("No PVs configured.")
		return 0
	}
	for _, decl := range cfg.PVs {
		kind, _ := decl.Kind()
		fmt.Printf("PV %q (%s)\n", decl.Name, kind)
		if module := describeModule(decl.Source); module != "" {
			fmt.Printf("  Module: %s\n", module)
		}
		if decl.Initial != nil {
			fmt.Printf("  Initial: %v\n", decl.Initial)
		}
		if decl.PutGuard != "" {
			fmt.Printf("  Put guard: %s\n", decl.PutGuard)
		}
		if decl.Description != "" {
			fmt.Printf("  Description: %s\n", decl.Description)
		}
	}
	for _, name := range extra {
		fmt.Printf("PV %q (int)\n  Module: command line\n", name)
	}
	fmt.Println()
	fmt.Printf("Gateway: %s\n", cfg.ListenAddress())
	fmt.Println("Configuration check completed successfully.")
	return 0
}

func describeModule(ref config.ModuleReference) string {
	name := strings.TrimSpace(ref.Name)
	file := strings.TrimSpace(ref.File)
	desc := strings.TrimSpace(ref.Description)

	label := ""
	switch {
	case name != "" && file != "":
		label = fmt.Sprintf("%s (%s)", name, file)
	case name != "":
		label = name
	case file != "":
		label = file
	}
	if desc != "" {
		if label != "" {
			return label + ": " + desc
		}
		return desc
	}
	return label
}
