package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/ottofleet/otad/pkg/agent"
	"github.com/ottofleet/otad/pkg/logging"
	"github.com/ottofleet/otad/pkg/sigcontext"
	"github.com/pkg/errors"
)

var (
	flagAgent    = flag.Bool("agent", false, "Run the device agent component")
	flagUpdater  = flag.Bool("updater", false, "Run the updater component")
	flagSettings = flag.String("settings", "", "Path to an optional TOML settings file")
	flagLogDebug = flag.Bool("debug", false, "Enable debug logging")
	flagVersion  = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Println(versionString())
		return
	}

	if *flagLogDebug {
		logging.Set(logging.Level("debug"))
	}

	log := logging.New("main")

	var variant agent.Variant
	switch {
	case *flagAgent && *flagUpdater:
		log.Error("cannot run both agent and updater")
		os.Exit(1)
	case *flagAgent:
		variant = agent.VariantAgent
	case *flagUpdater:
		variant = agent.VariantUpdater
	default:
		log.Error("no component specified to run, provide either -agent or -updater")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, variant, *flagSettings); err != nil {
		log.WithError(err).Fatalf("%s stopped", variant)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, variant agent.Variant, settingsPath string) error {
	log := logging.New(string(variant))

	settings, err := agent.LoadSettings(settingsPath)
	if err != nil {
		return errors.WithMessage(err, "settings")
	}

	cfg := agent.FromEnvironment(variant)
	a, err := agent.Assemble(log, cfg, settings)
	if err != nil {
		return errors.WithMessage(err, "initialization error")
	}
	return errors.WithMessage(a.Run(ctx), "run error")
}
