package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/basket/tablebus/internal/config"
	otelPkg "github.com/basket/tablebus/internal/otel"
	"github.com/basket/tablebus/internal/telemetry"
	"github.com/basket/tablebus/internal/transport"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s produce [options] <payload>   Publish a message to the bus
  %s consume [options]             Claim and process messages in a loop
  %s tail [options]                Stream messages matching filters
  %s sweep [options]               Reclaim expired leases once (or on a schedule)

Run '%s <subcommand> -h' for subcommand flags.

ENVIRONMENT VARIABLES:
  TABLEBUS_CONFIG           Config file path (default: tablebus.yaml)
  TABLEBUS_STORE_DRIVER     Override store driver (sqlite, memory)
  TABLEBUS_STORE_DSN        Override sqlite database path
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "produce":
		err = runProduce(ctx, os.Args[2:])
	case "consume":
		err = runConsume(ctx, os.Args[2:])
	case "tail":
		err = runTail(ctx, os.Args[2:])
	case "sweep":
		err = runSweep(ctx, os.Args[2:])
	case "version":
		fmt.Println(Version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tablebus: %v\n", err)
		os.Exit(1)
	}
}

// setup loads config, builds the logger and telemetry provider, and
// opens the transport. The returned cleanup shuts everything down.
func setup(ctx context.Context, fs *flag.FlagSet) (transport.Transport, config.Config, func(), error) {
	configPath := fs.Lookup("config").Value.String()
	if configPath == "" {
		configPath = os.Getenv("TABLEBUS_CONFIG")
	}
	if configPath == "" {
		configPath = "tablebus.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	log := telemetry.NewLogger(os.Stderr, cfg.Log.Level)

	provider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		return nil, config.Config{}, nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, config.Config{}, nil, fmt.Errorf("init metrics: %w", err)
	}

	tr, err := transport.NewRegistry().WithMetrics(metrics).Open(ctx, cfg, log)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, config.Config{}, nil, err
	}

	cleanup := func() {
		if err := tr.Close(); err != nil {
			log.Error("closing transport", "error", err)
		}
		if err := provider.Shutdown(context.Background()); err != nil {
			log.Error("shutting down telemetry", "error", err)
		}
	}
	return tr, cfg, cleanup, nil
}

// commonFlags registers flags shared by every subcommand.
func commonFlags(fs *flag.FlagSet) {
	fs.String("config", "", "config file path (default: $TABLEBUS_CONFIG or tablebus.yaml)")
}
