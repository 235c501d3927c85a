package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"blockphysics/server/internal/app"
	"blockphysics/server/internal/config"
	"blockphysics/server/internal/telemetry"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "blockphysics.yaml", "path to the YAML configuration file")
	flag.Parse()

	bootLogger := telemetry.NewOperatorLogger(os.Stderr, "blockphysics", false)
	settings, err := config.Load(configPath, bootLogger)
	if err != nil {
		bootLogger.Fatal("failed to load configuration", "err", err)
	}

	logger := telemetry.NewOperatorLogger(os.Stderr, "blockphysics", settings.Logging.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{Logger: logger, Settings: settings}); err != nil {
		logger.Fatal("server stopped", "err", err)
	}
}
