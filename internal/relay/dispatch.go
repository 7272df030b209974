// Package relay connects the detection stream to the webhook: a Supervisor
// keeps one stream session alive and a Dispatcher forwards what it receives.
package relay

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"detection-relay/internal/gqlws"
	"detection-relay/internal/logging"
	"detection-relay/internal/webhook"
)

type Deliverer interface {
	Deliver(ctx context.Context, detection gqlws.Detection) webhook.Result
}

// Dispatcher runs each delivery on its own goroutine. Outcomes are logged and
// never reported back to the stream.
type Dispatcher struct {
	deliverer Deliverer
	logger    *logging.Logger
	group     errgroup.Group
	slots     *semaphore.Weighted
	inFlight  atomic.Int64
}

// NewDispatcher bounds concurrent deliveries to maxInFlight; zero or less
// means unbounded. When bounded, Dispatch waits for a free slot or for its
// context to end.
func NewDispatcher(deliverer Deliverer, maxInFlight int, logger *logging.Logger) *Dispatcher {
	if deliverer == nil {
		panic("relay.NewDispatcher: deliverer must not be nil")
	}
	if logger == nil {
		panic("relay.NewDispatcher: logger must not be nil")
	}
	d := &Dispatcher{deliverer: deliverer, logger: logger}
	if maxInFlight > 0 {
		d.slots = semaphore.NewWeighted(int64(maxInFlight))
	}
	return d
}

// Dispatch starts delivery of one detection and reports whether it did. A
// started delivery outlives ctx cancellation so that Wait can drain it at
// shutdown; a detection still waiting for a slot when ctx ends is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, detection gqlws.Detection) bool {
	trackID, deviceID := detection.Identity()
	if d.slots != nil {
		if err := d.slots.Acquire(ctx, 1); err != nil {
			d.logger.Warn("dropping detection: no delivery slot before shutdown",
				logging.Field("session_id", sessionID),
				logging.Field("global_track_id", trackID),
				logging.Field("device_id", deviceID),
				logging.Field("error", err),
			)
			return false
		}
	}
	deliverCtx := context.WithoutCancel(ctx)
	d.inFlight.Add(1)
	d.group.Go(func() error {
		defer d.inFlight.Add(-1)
		if d.slots != nil {
			defer d.slots.Release(1)
		}
		result := d.deliverer.Deliver(deliverCtx, detection)
		d.logResult(sessionID, trackID, deviceID, result)
		return nil
	})
	return true
}

func (d *Dispatcher) InFlight() int64 {
	return d.inFlight.Load()
}

// Wait blocks until every dispatched delivery has finished.
func (d *Dispatcher) Wait() {
	_ = d.group.Wait()
}

func (d *Dispatcher) logResult(sessionID, trackID, deviceID string, result webhook.Result) {
	fields := []slog.Attr{
		logging.Field("session_id", sessionID),
		logging.Field("delivery_id", result.DeliveryID),
		logging.Field("global_track_id", trackID),
		logging.Field("device_id", deviceID),
	}
	switch result.Outcome {
	case webhook.OutcomeDelivered:
		d.logger.Info("detection delivered", append(fields,
			logging.Field("status", result.Status),
			logging.Field("response", logging.FormatHTTPPayload([]byte(result.Body))),
		)...)
	case webhook.OutcomeRejected:
		d.logger.Error("webhook rejected detection", append(fields,
			logging.Field("status", result.Status),
			logging.Field("response", logging.FormatHTTPPayload([]byte(result.Body))),
		)...)
	default:
		d.logger.Error("webhook delivery failed", append(fields, logging.Field("error", result.Err()))...)
	}
}
