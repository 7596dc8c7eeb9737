// Package server implements the "node" and "call" CLI commands.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/peercall/peercall/cli/options"
	"github.com/peercall/peercall/pkg/cluster"
	"github.com/peercall/peercall/pkg/invoke"
	"github.com/peercall/peercall/pkg/network"
	"github.com/peercall/peercall/pkg/services/metrics"
	"github.com/peercall/peercall/pkg/wire"
)

// NewCommands returns the 'node' and 'call' commands.
func NewCommands() []*cli.Command {
	cfgFlags := []cli.Flag{options.ConfigFile, options.Debug}
	callFlags := append([]cli.Flag{
		&cli.StringFlag{
			Name:     "peer",
			Usage:    "Target node name",
			Required: true,
		},
	}, cfgFlags...)
	return []*cli.Command{
		{
			Name:      "node",
			Usage:     "Start a PeerCall node",
			UsageText: "peercall node [--config-file file] [-d]",
			Action:    startServer,
			Flags:     cfgFlags,
		},
		{
			Name:      "call",
			Usage:     "Perform a one-off call against a cluster peer",
			UsageText: "peercall call --peer node2 [--config-file file] module function [arg...]",
			Action:    callPeer,
			Flags:     callFlags,
		},
	}
}

func newGraceContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	signal.Notify(stop, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}

// registerBuiltins adds the functions every node serves out of the box.
func registerBuiltins(reg *invoke.Registry, nodeName string) {
	reg.Register("peercall", "ping", func([]any) (any, error) {
		return wire.Atom("pong"), nil
	})
	reg.Register("peercall", "node", func([]any) (any, error) {
		return wire.Atom(nodeName), nil
	})
	reg.Register("peercall", "echo", func(args []any) (any, error) {
		return wire.List(args), nil
	})
}

func startServer(ctx *cli.Context) error {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.Exit(err, 1)
	}
	app := cfg.ApplicationConfiguration
	log, err := options.HandleLoggingParams(ctx, app)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer func() { _ = log.Sync() }()

	grace := newGraceContext()

	registry := invoke.NewRegistry(log)
	registerBuiltins(registry, app.NodeName)

	serv, err := network.NewServer(network.NewServerConfig(cfg), registry, log)
	if err != nil {
		return cli.Exit(fmt.Errorf("failed to create network server: %w", err), 1)
	}
	resolver, err := cluster.NewStaticCluster(app, log)
	if err != nil {
		return cli.Exit(err, 1)
	}
	pool := network.NewPool(app.RPC, resolver, log)

	prometheus := metrics.NewPrometheusService(app.Prometheus, log)
	pprof := metrics.NewPprofService(app.Pprof, log)

	if err := serv.Start(); err != nil {
		return cli.Exit(err, 1)
	}
	if err := prometheus.Start(); err != nil {
		return cli.Exit(fmt.Errorf("failed to start Prometheus service: %w", err), 1)
	}
	if err := pprof.Start(); err != nil {
		return cli.Exit(fmt.Errorf("failed to start Pprof service: %w", err), 1)
	}

	log.Info("node started", zap.String("node", app.NodeName))

	<-grace.Done()

	pool.Close()
	serv.Shutdown()
	prometheus.ShutDown()
	pprof.ShutDown()
	return nil
}

func callPeer(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return cli.Exit("module and function arguments are required", 1)
	}
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.Exit(err, 1)
	}
	app := cfg.ApplicationConfiguration
	log, err := options.HandleLoggingParams(ctx, app)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer func() { _ = log.Sync() }()

	resolver, err := cluster.NewStaticCluster(app, log)
	if err != nil {
		return cli.Exit(err, 1)
	}
	pool := network.NewPool(app.RPC, resolver, log)
	defer pool.Close()

	args := parseCallArgs(ctx.Args().Slice()[2:])
	value, err := pool.Call(ctx.String("peer"), ctx.Args().Get(0), ctx.Args().Get(1), args)
	if err != nil {
		return cli.Exit(err, 1)
	}
	fmt.Fprintln(ctx.App.Writer, formatValue(value))
	return nil
}

// parseCallArgs maps command line strings onto wire terms: integers become
// ints, everything else a binary.
func parseCallArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, s := range raw {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			args = append(args, n)
		} else {
			args = append(args, []byte(s))
		}
	}
	return args
}

func formatValue(v any) string {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case wire.Atom:
		return string(t)
	case wire.List:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = formatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case wire.Tuple:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = formatValue(e)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprint(v)
	}
}
