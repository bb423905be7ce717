package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/tablerunner/internal/config"
	"github.com/lox/tablerunner/internal/coordinator"
	"github.com/lox/tablerunner/internal/events"
	"github.com/lox/tablerunner/internal/geometry"
	"github.com/lox/tablerunner/internal/monitor"
	"github.com/lox/tablerunner/internal/orchestrator"
	"github.com/lox/tablerunner/internal/scheduler"
	"github.com/lox/tablerunner/internal/store"
	"github.com/lox/tablerunner/internal/surface"
)

var CLI struct {
	Config   string `short:"c" long:"config" default:"tablerunner.hcl" help:"Path to HCL configuration file"`
	Listen   string `short:"a" long:"listen" help:"Event stream address to bind to (overrides config)"`
	LogLevel string `short:"l" long:"log-level" help:"Log level (overrides config)"`
	DryRun   bool   `long:"dry-run" help:"Run against a simulated surface instead of a live one"`
}

func main() {
	kctx := kong.Parse(&CLI)

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		kctx.Exit(1)
	}

	if CLI.Listen != "" {
		cfg.Runner.Listen = CLI.Listen
	}
	if CLI.LogLevel != "" {
		cfg.Runner.LogLevel = CLI.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		kctx.Exit(1)
	}

	logger := log.New(os.Stderr)
	switch cfg.Runner.LogLevel {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "info":
		logger.SetLevel(log.InfoLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	if !CLI.DryRun {
		logger.Error("no live surface driver is built in yet, pass --dry-run to use the simulator")
		kctx.Exit(1)
	}
	if len(cfg.Tables) == 0 {
		logger.Error("no tables configured", "config", CLI.Config)
		kctx.Exit(1)
	}

	logger.Info("starting tablerunner",
		"tables", len(cfg.Tables),
		"strategy", cfg.Runner.Strategy,
		"listen", cfg.Runner.Listen,
		"dryRun", CLI.DryRun)

	clock := quartz.NewReal()
	sim := surface.NewSimulator(clock, geometry.Point{})

	rounds, err := store.Open(cfg.Runner.StorePath, logger)
	if err != nil {
		logger.Error("failed to open round store", "path", cfg.Runner.StorePath, "error", err)
		kctx.Exit(1)
	}
	defer rounds.Close()

	bus := events.NewBus(logger)

	var resources *scheduler.ResourceMonitor
	if cfg.Runner.CPUThrottle {
		resources = scheduler.NewResourceMonitor(scheduler.SystemSampler{})
	}

	strategy, _ := scheduler.StrategyByName(cfg.Runner.Strategy)
	sched := scheduler.New(cfg.Intervals(), strategy, resources, logger)

	deps := orchestrator.Deps{
		Surface:   sim,
		Frames:    surface.NewFrameCache(sim, clock, logger),
		Extractor: sim.Extractor(),
		Gate:      surface.NewClickGate(clock),
		Store:     rounds,
		Bus:       bus,
		Clock:     clock,
		Logger:    logger,
	}

	coord := coordinator.New(
		coordinator.Config{TargetRounds: cfg.Runner.TargetRounds},
		deps,
		orchestrator.DefaultOptions(),
		sched,
	)

	for _, tb := range cfg.Tables {
		tableCfg, rules, err := tb.TableConfig()
		if err != nil {
			logger.Error("invalid table block", "table", tb.ID, "error", err)
			kctx.Exit(1)
		}
		if err := coord.Register(tableCfg, rules); err != nil {
			logger.Error("failed to register table", "table", tableCfg.ID, "error", err)
			kctx.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsServer := events.NewServer(cfg.Runner.Listen, bus, logger)
	go func() {
		if err := wsServer.Start(); err != nil {
			logger.Error("event stream failed", "error", err)
			cancel()
		}
	}()

	console := monitor.NewConsole(os.Stdout, bus)
	go console.Run(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("shutting down")
		cancel()
	}()

	coord.StartAll()
	coord.Run(ctx)

	coord.StopAll()
	wsServer.Stop()
}
