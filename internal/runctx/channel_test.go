package runctx

import (
	"context"
	"errors"
	"testing"
	"time"

	"detection-relay/internal/logging"
)

func quietLogger() *logging.Logger {
	logger := logging.New(false)
	logger.SetConsoleOutputEnabled(false)
	return logger
}

func TestRecvOrDone(t *testing.T) {
	logger := quietLogger()

	in := make(chan int, 1)
	in <- 7
	got, err := RecvOrDone(context.Background(), "test", logger, in)
	if err != nil || got != 7 {
		t.Fatalf("RecvOrDone() = %d, %v; want 7, nil", got, err)
	}

	close(in)
	if _, err := RecvOrDone(context.Background(), "test", logger, in); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("RecvOrDone(closed) error = %v, want ErrChannelClosed", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := RecvOrDone(ctx, "test", logger, make(chan int)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RecvOrDone(timeout) error = %v, want DeadlineExceeded", err)
	}
}

func TestSendOrDone(t *testing.T) {
	logger := quietLogger()

	out := make(chan string, 1)
	if !SendOrDone(context.Background(), "test", logger, out, "frame") {
		t.Fatalf("SendOrDone() = false with buffer space")
	}
	if got := <-out; got != "frame" {
		t.Fatalf("received %q", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if SendOrDone(ctx, "test", logger, make(chan string), "frame") {
		t.Fatalf("SendOrDone() = true after cancel with no receiver")
	}
}
