package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"detection-relay/internal/gqlws"
	"detection-relay/internal/logging"
	"detection-relay/internal/runstatus"
)

const DefaultReconnectDelay = 5 * time.Second

type SessionRunner interface {
	RunSession(ctx context.Context, handlers gqlws.SessionHandlers) error
}

type SupervisorOptions struct {
	ReconnectDelay time.Duration
	// OnState, when set, observes every state transition of every session.
	OnState func(sessionID string, state runstatus.State)
}

// Supervisor runs sessions back to back for the life of the process, waiting
// a fixed delay between them.
type Supervisor struct {
	runner     SessionRunner
	dispatcher *Dispatcher
	delay      time.Duration
	onState    func(string, runstatus.State)
	logger     *logging.Logger
}

func NewSupervisor(runner SessionRunner, dispatcher *Dispatcher, opts SupervisorOptions, logger *logging.Logger) *Supervisor {
	if runner == nil {
		panic("relay.NewSupervisor: runner must not be nil")
	}
	if dispatcher == nil {
		panic("relay.NewSupervisor: dispatcher must not be nil")
	}
	if logger == nil {
		panic("relay.NewSupervisor: logger must not be nil")
	}
	delay := opts.ReconnectDelay
	if delay < 0 {
		delay = DefaultReconnectDelay
	}
	return &Supervisor{
		runner:     runner,
		dispatcher: dispatcher,
		delay:      delay,
		onState:    opts.OnState,
		logger:     logger,
	}
}

// Run returns nil once ctx is done and every in-flight delivery has finished.
// The only other way out is a session that reports missing configuration.
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.runSession(ctx, attempt)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if reason, ok := gqlws.ReasonOf(err); ok && reason == gqlws.ReasonConfigMissing {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.delay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Info("reconnecting to stream",
				logging.Field("after", next.String()),
				logging.Field("attempt", attempt+1),
			)
		}),
	)

	if s.dispatcher.InFlight() > 0 {
		s.logger.Info("waiting for in-flight deliveries", logging.Field("count", s.dispatcher.InFlight()))
	}
	s.dispatcher.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Error("stream supervisor stopped", logging.Field("error", err))
		return err
	}
	s.logger.Debug("stream supervisor stopped: context done")
	return nil
}

func (s *Supervisor) runSession(ctx context.Context, attempt int) (err error) {
	sessionID := uuid.NewString()
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("stream session panicked",
				logging.Field("session_id", sessionID),
				logging.Field("panic", fmt.Sprint(recovered)),
			)
			err = &gqlws.SessionError{Reason: gqlws.ReasonStreamEnded, Err: fmt.Errorf("session panic: %v", recovered)}
		}
		s.logClose(sessionID, time.Since(started), err)
	}()

	s.logger.Debug("starting stream session",
		logging.Field("session_id", sessionID),
		logging.Field("attempt", attempt),
	)
	err = s.runner.RunSession(ctx, gqlws.SessionHandlers{
		OnState: func(state runstatus.State) {
			s.logger.Debug("stream session state",
				logging.Field("session_id", sessionID),
				logging.Field("state", state.Key()),
			)
			if s.onState != nil {
				s.onState(sessionID, state)
			}
		},
		OnDetection: func(detection gqlws.Detection) {
			s.dispatcher.Dispatch(ctx, sessionID, detection)
		},
	})
	if err == nil {
		err = &gqlws.SessionError{Reason: gqlws.ReasonStreamEnded}
	}
	return err
}

func (s *Supervisor) logClose(sessionID string, lasted time.Duration, err error) {
	reason, ok := gqlws.ReasonOf(err)
	if !ok {
		reason = gqlws.ReasonStreamEnded
	}
	if reason == gqlws.ReasonCanceled {
		s.logger.Info("stream session stopped",
			logging.Field("session_id", sessionID),
			logging.Field("reason", reason.String()),
		)
		return
	}
	s.logger.Warn("stream session closed",
		logging.Field("session_id", sessionID),
		logging.Field("reason", reason.String()),
		logging.Field("duration", lasted.Round(time.Millisecond).String()),
		logging.Field("error", err),
	)
}
