// Package runctx holds small helpers for channel operations that must give
// up when a context ends.
package runctx

import (
	"context"
	"errors"

	"detection-relay/internal/logging"
)

// ErrChannelClosed is returned by RecvOrDone when the input channel closes.
var ErrChannelClosed = errors.New("channel closed")

// RecvOrDone waits for the next value on in. It returns ctx.Err() when the
// context ends first and ErrChannelClosed when in is closed.
func RecvOrDone[T any](ctx context.Context, name string, logger *logging.Logger, in <-chan T) (T, error) {
	if logger == nil {
		panic("runctx.RecvOrDone: logger must not be nil")
	}
	var zero T
	select {
	case <-ctx.Done():
		logger.Debug("stopping "+name+": context done", logging.Field("error", ctx.Err()))
		return zero, ctx.Err()
	case v, ok := <-in:
		if !ok {
			logger.Debug("stopping " + name + ": input channel closed")
			return zero, ErrChannelClosed
		}
		return v, nil
	}
}

// SendOrDone delivers value on out unless ctx ends first.
func SendOrDone[T any](ctx context.Context, name string, logger *logging.Logger, out chan<- T, value T) bool {
	if logger == nil {
		panic("runctx.SendOrDone: logger must not be nil")
	}
	select {
	case <-ctx.Done():
		logger.Debug("stopping "+name+": context done before send", logging.Field("error", ctx.Err()))
		return false
	case out <- value:
		return true
	}
}
