package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/platformconf/platformconf/cmd/pconf/commands"
	"github.com/platformconf/platformconf/pkg/config"
	"github.com/platformconf/platformconf/pkg/engine"
	"github.com/platformconf/platformconf/pkg/telemetry"
)

// Set with -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Exit codes.
const (
	exitFailure   = 1
	exitInvalid   = 2
	exitCanceled  = 130
	exitTransient = 75 // EX_TEMPFAIL
)

func main() {
	// Logs go to the console until the config file names the real logger.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(telemetry.ParseLogLevel(os.Getenv(config.EnvLogLevel)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err == nil {
		return
	}

	log.Error().Err(err).Msg("pconf failed")
	os.Exit(exitCode(ctx, err))
}

func exitCode(ctx context.Context, err error) int {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return exitCanceled
	case engine.HasCode(err, engine.ErrCodeValidation), engine.HasCode(err, engine.ErrCodePolicyViolation):
		return exitInvalid
	case engine.IsTransient(err):
		return exitTransient
	default:
		return exitFailure
	}
}
