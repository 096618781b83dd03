// netbridge runs a network client guest compiled to wasm and talks JSON-RPC
// to the chains it hosts.
//
// Requests are read one per line from stdin and responses are written one per
// line to stdout. With -i (the default when stdin is a terminal) an
// interactive console is shown instead.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/wippyai/wasm-netbridge/config"
)

type options struct {
	configPath  string
	wasmPath    string
	chains      []string
	logFormat   string
	logOutput   string
	interactive bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("netbridge", pflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "YAML config file (default: $"+config.EnvConfig+")")
	fs.StringVar(&opts.wasmPath, "wasm", "", "guest wasm binary, optionally zstd/gzip/zlib compressed")
	fs.StringArrayVar(&opts.chains, "chain", nil, "chain spec file (JSON with comments); repeat to add relay chains first")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format: json or console (default: console on a terminal)")
	fs.StringVar(&opts.logOutput, "log-output", "", "write logs to this file instead of stderr")
	fs.BoolVarP(&opts.interactive, "interactive", "i", false, "interactive console")

	fs.Float64("cpu-rate-limit", 0, "fraction of wall-clock time the guest may use, in (0, 1]")
	fs.Uint32("log-level", 0, "log level, 0 (off) to 5 (trace)")
	fs.Uint32("memory-limit-pages", 0, "guest memory limit in 64KiB pages")
	fs.Bool("forbid-tcp", false, "refuse TCP connections")
	fs.Bool("forbid-ws", false, "refuse plain websocket connections")
	fs.Bool("forbid-non-local-ws", false, "refuse plain websocket connections to non-local hosts")
	fs.Bool("forbid-wss", false, "refuse secure websocket connections")
	fs.Bool("forbid-webrtc", false, "refuse WebRTC connections")
	return fs
}

// applyFlags overrides file values with flags given on the command line.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	var err error
	if fs.Changed("cpu-rate-limit") {
		if cfg.CPURateLimit, err = fs.GetFloat64("cpu-rate-limit"); err != nil {
			return err
		}
	}
	if fs.Changed("log-level") {
		if cfg.LogLevel, err = fs.GetUint32("log-level"); err != nil {
			return err
		}
	}
	if fs.Changed("memory-limit-pages") {
		if cfg.MemoryLimitPages, err = fs.GetUint32("memory-limit-pages"); err != nil {
			return err
		}
	}
	forbid := map[string]*bool{
		"forbid-tcp":          &cfg.ForbidTCP,
		"forbid-ws":           &cfg.ForbidWS,
		"forbid-non-local-ws": &cfg.ForbidNonLocalWS,
		"forbid-wss":          &cfg.ForbidWSS,
		"forbid-webrtc":       &cfg.ForbidWebRTC,
	}
	for flag, field := range forbid {
		if !fs.Changed(flag) {
			continue
		}
		if *field, err = fs.GetBool(flag); err != nil {
			return err
		}
	}
	return cfg.Validate()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func run(args []string) error {
	var opts options
	fs := newFlagSet(&opts)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.wasmPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: netbridge --wasm <guest.wasm> --chain <spec.json> [flags]")
		fs.PrintDefaults()
		return fmt.Errorf("--wasm is required")
	}
	if len(opts.chains) == 0 {
		return fmt.Errorf("at least one --chain is required")
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(fs, cfg); err != nil {
		return err
	}

	interactive := opts.interactive || (!fs.Changed("interactive") && term.IsTerminal(int(os.Stdin.Fd())))

	logger, closeLog, err := newLogger(cfg.LogLevel, opts.logFormat, opts.logOutput, interactive)
	if err != nil {
		return err
	}
	defer closeLog()

	wasm, err := os.ReadFile(opts.wasmPath)
	if err != nil {
		return fmt.Errorf("read guest: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := startSession(ctx, wasm, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.addChains(ctx, opts.chains); err != nil {
		return err
	}

	if interactive {
		return runInteractive(ctx, s, opts.wasmPath)
	}
	return runStdio(ctx, s, os.Stdin, os.Stdout)
}
