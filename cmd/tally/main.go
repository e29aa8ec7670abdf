package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"tally/internal/cli"
	"tally/internal/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	cli.LoadEnvFile()

	cfg, err := cli.LoadAndValidateConfig()
	if err != nil {
		log.New(log.DefaultConfig()).Error("Invalid configuration",
			log.FieldErrorType, log.ErrorTypeConfiguration,
			log.FieldError, err.Error())
		return 2
	}
	logger := cli.SetupLogger(cfg)

	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	app, err := cli.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize client", log.FieldError, err.Error())
		return 1
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("Shutdown error", log.FieldError, err.Error())
		}
	}()

	runner := cli.NewRunner(app, os.Stdout, os.Stderr, cli.NewTerminal(os.Stdin, os.Stderr))
	if err := runner.Run(ctx, os.Args[1:]); err != nil {
		switch {
		case errors.Is(err, flag.ErrHelp):
			return 0
		case errors.Is(err, cli.ErrUsage):
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
