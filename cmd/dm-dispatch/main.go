// Package main provides the entry point for the dm-dispatch server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/txn2/dm-dispatch/internal/server"
	"github.com/txn2/dm-dispatch/pkg/platform"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Server address (overrides config)")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func loadConfig(opts serverOptions) (*platform.Config, error) {
	if opts.configPath == "" {
		return platform.DefaultConfig(), nil
	}
	return platform.LoadConfig(opts.configPath)
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("dm-dispatch version %s\n", server.Version)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}

	p, err := platform.New(cfg)
	if err != nil {
		return fmt.Errorf("creating platform: %w", err)
	}
	defer func() { _ = p.Close() }()

	ctx := setupSignalHandler()
	return server.New(p).Start(ctx)
}
