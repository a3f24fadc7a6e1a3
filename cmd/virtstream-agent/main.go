// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

// Virtstream-agent is the guest-side streaming agent. It attaches to a
// virtio-serial stream device, waits for the hypervisor-side consumer
// to request streaming, and transmits encoded frames from the best
// available capture plugin for the negotiated codec set.
//
// The agent runs until SIGINT/SIGTERM or a fatal protocol or transport
// error; its exit status tells the supervisor whether a restart is a
// recovery (failure) or a shutdown (success).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/virtstream/virtstream/lib/capture"
	"github.com/virtstream/virtstream/lib/clock"
	"github.com/virtstream/virtstream/lib/config"
	"github.com/virtstream/virtstream/lib/device"
	"github.com/virtstream/virtstream/lib/framelog"
	"github.com/virtstream/virtstream/lib/mjpeg"
	"github.com/virtstream/virtstream/lib/session"
	"github.com/virtstream/virtstream/lib/version"
)

// testPatternWidth and testPatternHeight size the built-in pattern
// source that feeds the mjpeg fallback when no real grabber plugin is
// present.
const (
	testPatternWidth  = 1024
	testPatternHeight = 768
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "virtstream-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath       string
		portPath         string
		logFile          string
		logBinary        bool
		logCategories    string
		frameCompression string
		options          []string
		debug            bool
		showVersion      bool
	)

	flags := pflag.CommandLine
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.StringVarP(&portPath, "port", "p", config.DefaultPortPath, "virtio-serial stream device")
	flags.StringVarP(&logFile, "log-file", "l", "", "write capture diagnostics to this file")
	flags.BoolVar(&logBinary, "log-binary", false, "embed raw frame bytes in the frame dump (with --log-file)")
	flags.StringVar(&logCategories, "log-categories", "", "diagnostic categories, separated by ':' (currently: frames)")
	flags.StringVar(&frameCompression, "frame-compression", "", "frame dump compression: none, lz4, or zstd")
	flags.StringArrayVarP(&options, "option", "c", nil, "set a plugin option (name=value, repeatable)")
	flags.BoolVarP(&debug, "debug", "d", false, "enable debug logs")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("virtstream-agent %s\n", version.Full())
		return nil
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Command-line values override the file, but only when given.
	if flags.Changed("port") {
		cfg.Port = portPath
	}
	if flags.Changed("log-file") {
		cfg.LogFile = logFile
	}
	if flags.Changed("log-binary") {
		cfg.LogBinary = logBinary
	}
	if flags.Changed("frame-compression") {
		cfg.FrameCompression = frameCompression
	}
	if flags.Changed("debug") {
		cfg.Debug = debug
	}
	for _, category := range strings.Split(logCategories, ":") {
		if category == "frames" {
			cfg.LogFrames = true
		}
		// Unknown categories are ignored for forward compatibility.
	}
	for _, assignment := range options {
		if err := cfg.SetOption(assignment); err != nil {
			return err
		}
	}

	logger := newLogger(cfg.Debug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	compression, err := framelog.ParseCompression(cfg.FrameCompression)
	if err != nil {
		return err
	}
	frameLog, err := framelog.New(framelog.Options{
		Path:        cfg.LogFile,
		LogFrames:   cfg.LogFrames,
		IncludeData: cfg.LogBinary,
		Compression: compression,
	}, clock.Real())
	if err != nil {
		return err
	}
	defer frameLog.Close()
	frameLog.Stat("args: %s", strings.Join(os.Args, " "))

	registry := capture.NewRegistry()
	if err := registerBuiltins(registry, cfg.Options); err != nil {
		return err
	}
	logger.Info("capture plugins registered", "count", registry.Len())

	port, err := device.Open(cfg.Port)
	if err != nil {
		return err
	}
	defer port.Close()
	logger.Info("stream device open", "path", cfg.Port)

	agentSession := session.New(port, registry, logger, session.WithFrameLog(frameLog))
	if err := agentSession.Run(ctx); err != nil {
		return fmt.Errorf("capture session: %w", err)
	}
	logger.Info("agent exiting")
	return nil
}

// registerBuiltins registers the compiled-in capture plugins. External
// plugin loading (shared objects from a plugins directory) is handled
// by the packaging layer, not here.
func registerBuiltins(registry *capture.Registry, options map[string]string) error {
	settings := mjpeg.DefaultSettings()
	if err := settings.Apply(options); err != nil {
		return fmt.Errorf("mjpeg settings: %w", err)
	}
	// The fallback plugin encodes the built-in test pattern until a
	// real grabber source is wired by a platform plugin.
	source := mjpeg.NewTestPatternSource(testPatternWidth, testPatternHeight)
	registry.Register(mjpeg.NewPlugin(source, settings, clock.Real()))
	return nil
}

// newLogger builds the process logger: JSON to stderr for supervisors,
// readable text when stderr is a terminal.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handlerOptions := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOptions))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, handlerOptions))
}
