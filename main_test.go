package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"detection-relay/internal/config"
	"detection-relay/internal/gqlws"
	"detection-relay/internal/logging"
)

func recordLogs(t *testing.T) (*logging.Logger, func() []logging.Event) {
	t.Helper()
	logger := logging.NewWithWriter(io.Discard, false, false)
	var (
		mu     sync.Mutex
		events []logging.Event
	)
	t.Cleanup(logger.Subscribe(func(event logging.Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}))
	return logger, func() []logging.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]logging.Event(nil), events...)
	}
}

func TestCheckConfig_LogsMissingInputs(t *testing.T) {
	logger, events := recordLogs(t)
	opts := config.Options{
		TokenID:    "id-1",
		StreamURL:  "wss://stream.example.test/graphql",
		WebhookURL: "https://hooks.example.test/detections",
	}

	err := checkConfig(logger, opts)
	if !errors.Is(err, config.ErrConfigMissing) {
		t.Fatalf("checkConfig() error = %v, want ErrConfigMissing", err)
	}

	var startup, failure *logging.Event
	for _, event := range events() {
		event := event
		switch {
		case event.Level == slog.LevelInfo && event.Message == "starting detection relay":
			startup = &event
		case event.Level == slog.LevelError && event.Message == "configuration error":
			failure = &event
		}
	}
	if startup == nil {
		t.Fatalf("no startup log")
	}
	if startup.Fields["token_value_set"] != false || startup.Fields["token_id_set"] != true {
		t.Fatalf("startup fields = %#v", startup.Fields)
	}
	if startup.Fields["stream_url_set"] != true || startup.Fields["webhook_url_set"] != true {
		t.Fatalf("startup fields = %#v", startup.Fields)
	}
	if failure == nil {
		t.Fatalf("missing token value was not logged as a configuration error")
	}
}

func TestCheckConfig_CompleteOptions(t *testing.T) {
	logger, events := recordLogs(t)
	opts := config.Options{
		TokenID:    "id-1",
		TokenValue: "secret",
		StreamURL:  "wss://stream.example.test/graphql",
		WebhookURL: "https://hooks.example.test/detections",
	}
	if err := checkConfig(logger, opts); err != nil {
		t.Fatalf("checkConfig() error = %v", err)
	}
	for _, event := range events() {
		if event.Level == slog.LevelError {
			t.Fatalf("unexpected error log %q", event.Message)
		}
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "clean shutdown", err: nil, want: 0},
		{name: "session config missing", err: &gqlws.SessionError{Reason: gqlws.ReasonConfigMissing}, want: exitConfigError},
		{name: "wrapped session config missing", err: fmt.Errorf("run: %w", &gqlws.SessionError{Reason: gqlws.ReasonConfigMissing}), want: exitConfigError},
		{name: "validation error", err: fmt.Errorf("%w: token value", config.ErrConfigMissing), want: exitConfigError},
		{name: "stream failure", err: &gqlws.SessionError{Reason: gqlws.ReasonConnectFailure}, want: exitRunError},
		{name: "other", err: context.DeadlineExceeded, want: exitRunError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.err); got != tt.want {
				t.Fatalf("exitCodeFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
