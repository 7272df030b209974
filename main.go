package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"detection-relay/internal/config"
	"detection-relay/internal/gqlws"
	"detection-relay/internal/logging"
	"detection-relay/internal/runtime"
)

var BuildVersion = "dev"

const (
	exitRunError    = 1
	exitConfigError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	opts, err := config.ParseOptions()
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			return 0
		}
		return exitConfigError
	}
	logger := logging.New(opts.Debug)
	defer func() {
		_ = logger.Close()
	}()
	if strings.TrimSpace(opts.LogDir) != "" {
		if err := logger.EnableFilePersistence(opts.LogDir, 0); err != nil {
			logger.Warn("failed to enable file log persistence", logging.Field("error", err))
		}
	}
	if err := checkConfig(logger, opts); err != nil {
		return exitConfigError
	}

	lock, lockedByOther, lockErr := acquireInstanceLock(instanceKey(opts))
	if lockErr != nil {
		logger.Error("failed to initialize single-instance lock", logging.Field("error", lockErr))
		return exitConfigError
	}
	if lockedByOther {
		logger.Error("detection relay is already running for this stream and token")
		return exitRunError
	}
	defer func() {
		_ = lock.Release()
	}()

	service, err := runtime.NewService(opts, logger)
	if err != nil {
		logger.Error("invalid configuration", logging.Field("error", err))
		return exitConfigError
	}
	return exitCodeFor(service.RunContext(rootCtx))
}

// checkConfig logs which inputs were provided before validating them, so a
// missing value shows up as false in the startup line.
func checkConfig(logger *logging.Logger, opts config.Options) error {
	logger.Info("starting detection relay",
		logging.Field("version", BuildVersion),
		logging.Field("token_id_set", strings.TrimSpace(opts.TokenID) != ""),
		logging.Field("token_value_set", strings.TrimSpace(opts.TokenValue) != ""),
		logging.Field("stream_url_set", strings.TrimSpace(opts.StreamURL) != ""),
		logging.Field("webhook_url_set", strings.TrimSpace(opts.WebhookURL) != ""),
		logging.Field("reconnect_delay", opts.ReconnectDelay.String()),
		logging.Field("max_in_flight", opts.MaxInFlight),
	)
	if err := config.ValidateRequired(opts); err != nil {
		logger.Error("configuration error", logging.Field("error", err))
		return err
	}
	return nil
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if reason, ok := gqlws.ReasonOf(err); ok && reason == gqlws.ReasonConfigMissing {
		return exitConfigError
	}
	if errors.Is(err, config.ErrConfigMissing) {
		return exitConfigError
	}
	return exitRunError
}
