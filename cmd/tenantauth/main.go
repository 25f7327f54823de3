package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantauth/internal/config"
	"github.com/gosuda/tenantauth/internal/domain"
)

func main() {
	err := run(os.Args[1:])
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	case errors.Is(err, domain.ErrNoCredential):
		fmt.Fprintln(os.Stderr, "login required")
		os.Exit(1)
	default:
		log.Fatal().Err(err).Msg("command failed")
	}
}

func run(args []string) error {
	// Logs go to stderr; stdout carries command output.
	logLevel := os.Getenv("TENANTAUTH_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil || logLevel == "" {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("TENANTAUTH_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kv, closeKV, err := openKV(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeKV()

	a, err := newApp(ctx, cfg, kv, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	return a.execute(ctx, args)
}
