package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/danmuck/smpctl/internal/client"
	"github.com/danmuck/smpctl/internal/config"
	"github.com/danmuck/smpctl/internal/logging"
	"github.com/danmuck/smpctl/internal/observability"
	"github.com/danmuck/smpctl/internal/protocol/header"
	"github.com/danmuck/smpctl/internal/protocol/message"
	"github.com/danmuck/smpctl/internal/protocol/osmgmt"
	"github.com/danmuck/smpctl/internal/transport"
	"github.com/danmuck/smpctl/internal/transport/serial"
	"github.com/danmuck/smpctl/internal/transport/udp"
	"github.com/rs/zerolog/log"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitDeviceError = 2
	exitUsage       = 64
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("smpctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to smpctl.toml")
	transportName := fs.String("transport", "", "transport: udp|serial")
	addr := fs.String("addr", "", "device address (host[:port] or serial port)")
	timeout := fs.Duration("timeout", 0, "per-request timeout")
	framing := fs.String("framing", "", "packet framing override: console|raw")
	mtu := fs.Int("mtu", 0, "packet size override")
	baud := fs.Int("baud", 0, "serial baud rate")
	version := fs.Int("smp-version", 1, "SMP header version: 0|1")
	metrics := fs.String("metrics", "", "write Prometheus textfile metrics to this path on exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: smpctl [flags] <echo TEXT | reset [-force] | params | ports | init [-force] [udp|serial]>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return exitUsage
	}

	switch rest[0] {
	case "init":
		return runInit(*configPath, rest[1:], stdout, stderr)
	case "ports":
		return runPorts(stdout, stderr)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "smpctl: %v\n", err)
			return exitFailure
		}
		cfg = loaded
	}
	badVersion := false
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transport":
			cfg.Transport = strings.ToLower(strings.TrimSpace(*transportName))
		case "addr":
			cfg.Address = strings.TrimSpace(*addr)
		case "timeout":
			cfg.Timeout = *timeout
		case "framing":
			cfg.Framing = strings.ToLower(strings.TrimSpace(*framing))
		case "mtu":
			cfg.MTU = *mtu
		case "baud":
			cfg.BaudRate = *baud
		case "smp-version":
			if *version < 0 || *version > 1 {
				badVersion = true
				return
			}
			cfg.Version = header.Version(*version)
		case "metrics":
			cfg.MetricsFile = strings.TrimSpace(*metrics)
		}
	})
	if badVersion {
		fmt.Fprintf(stderr, "smpctl: -smp-version %d is not 0 or 1\n", *version)
		return exitUsage
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "smpctl: %v\n", err)
		return exitUsage
	}
	logging.ConfigureRuntimeLevel(cfg.Level())

	code := runCommand(ctx, cfg, rest, stdout, stderr)
	if err := observability.WriteTextfile(cfg.MetricsFile); err != nil {
		log.Warn().Err(err).Msg("smpctl: metrics not written")
	}
	return code
}

func runCommand(ctx context.Context, cfg config.Config, args []string, stdout, stderr io.Writer) int {
	c, err := client.New(newTransport(cfg), cfg.Address, cfg.ClientOptions()...)
	if err != nil {
		fmt.Fprintf(stderr, "smpctl: %v\n", err)
		return exitFailure
	}
	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(stderr, "smpctl: %v\n", err)
		return exitFailure
	}
	defer c.Close()

	reqOpts := cfg.RequestOptions()
	switch args[0] {
	case "echo":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "smpctl: echo needs text")
			return exitUsage
		}
		req, err := osmgmt.Echo(strings.Join(args[1:], " "), reqOpts...)
		if err != nil {
			return report(stderr, err)
		}
		res, err := client.Request(ctx, c, req)
		return finish(stdout, stderr, res, err, func(r osmgmt.EchoResponse) string { return r.R })
	case "reset":
		sub := flag.NewFlagSet("reset", flag.ContinueOnError)
		sub.SetOutput(stderr)
		force := sub.Bool("force", false, "reset even if the application objects")
		if err := sub.Parse(args[1:]); err != nil {
			return exitUsage
		}
		req, err := osmgmt.Reset(*force, reqOpts...)
		if err != nil {
			return report(stderr, err)
		}
		res, err := client.Request(ctx, c, req)
		return finish(stdout, stderr, res, err, func(osmgmt.ResetResponse) string { return "reset requested" })
	case "params":
		req, err := osmgmt.Params(reqOpts...)
		if err != nil {
			return report(stderr, err)
		}
		res, err := client.Request(ctx, c, req)
		return finish(stdout, stderr, res, err, func(r osmgmt.ParamsResponse) string {
			return fmt.Sprintf("buf_size=%d buf_count=%d", r.BufSize, r.BufCount)
		})
	default:
		fmt.Fprintf(stderr, "smpctl: unknown command %q\n", args[0])
		return exitUsage
	}
}

func newTransport(cfg config.Config) transport.Transport {
	if cfg.Transport == config.TransportSerial {
		return serial.New(serial.Config{BaudRate: cfg.BaudRate, MTU: cfg.MTU})
	}
	return udp.New(udp.Config{MTU: cfg.MTU, ReadTimeout: cfg.Timeout})
}

func finish[R any](stdout, stderr io.Writer, res message.Result[R], err error, render func(R) string) int {
	if err != nil {
		return report(stderr, err)
	}
	if res.IsError() {
		fmt.Fprintf(stderr, "smpctl: device error: %v\n", res.Err)
		return exitDeviceError
	}
	fmt.Fprintln(stdout, render(res.Response))
	return exitOK
}

func report(stderr io.Writer, err error) int {
	prefix := "smpctl"
	if errors.Is(err, context.DeadlineExceeded) {
		prefix = "smpctl: timed out"
	}
	fmt.Fprintf(stderr, "%s: %v\n", prefix, err)
	return exitFailure
}

func runInit(path string, args []string, stdout, stderr io.Writer) int {
	sub := flag.NewFlagSet("init", flag.ContinueOnError)
	sub.SetOutput(stderr)
	force := sub.Bool("force", false, "overwrite an existing config")
	if err := sub.Parse(args); err != nil {
		return exitUsage
	}
	kind := config.TransportUDP
	if sub.NArg() > 0 {
		kind = sub.Arg(0)
	}
	if path == "" {
		path = "smpctl.toml"
	}
	if err := config.WriteTemplate(path, kind, *force); err != nil {
		fmt.Fprintf(stderr, "smpctl: %v\n", err)
		return exitFailure
	}
	fmt.Fprintf(stdout, "wrote %s config template to %s\n", kind, path)
	return exitOK
}

func runPorts(stdout, stderr io.Writer) int {
	ports, err := serial.Ports()
	if err != nil {
		fmt.Fprintf(stderr, "smpctl: %v\n", err)
		return exitFailure
	}
	for _, p := range ports {
		fmt.Fprintln(stdout, p)
	}
	return exitOK
}
