package gqlws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"detection-relay/internal/logging"
	"detection-relay/internal/runctx"
	"detection-relay/internal/runstatus"
)

const messageBufferSize = 16

type SessionHandlers struct {
	OnState     func(runstatus.State)
	OnDetection func(Detection)
}

// Client runs stream sessions. Each RunSession call owns one connection from
// dial to close.
type Client struct {
	Dialer           Dialer
	URL              string
	Credentials      Credentials
	Query            string
	SubscriptionID   string
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	Logger           *logging.Logger
}

// RunSession walks Connecting, HandshakeSent, Subscribed and Streaming until
// the connection ends. The returned error is always a *SessionError carrying
// the close reason.
func (c Client) RunSession(ctx context.Context, handlers SessionHandlers) error {
	logger := c.Logger
	if logger == nil {
		logger = logging.NewWithWriter(io.Discard, false, false)
	}
	enter := func(state runstatus.State) {
		if handlers.OnState != nil {
			handlers.OnState(state)
		}
	}
	closed := func(reason CloseReason, err error) error {
		enter(runstatus.Closed)
		return &SessionError{Reason: reason, Err: err}
	}

	if !c.Credentials.Complete() || strings.TrimSpace(c.URL) == "" {
		logger.Error("stream session not started: configuration missing")
		return closed(ReasonConfigMissing, ErrMissingCredentials)
	}
	if c.Dialer == nil {
		return closed(ReasonConnectFailure, errors.New("no dialer configured"))
	}

	enter(runstatus.Connecting)
	logger.Info("connecting to stream", logging.Field("url", c.URL))
	conn, err := c.Dialer.Dial(ctx, c.URL, c.Credentials.Header())
	if err != nil {
		if ctx.Err() != nil {
			return closed(ReasonCanceled, ctx.Err())
		}
		logger.Error("stream connect failed",
			logging.Field("url", c.URL),
			logging.Field("credentials_rejected", IsUnauthorized(err)),
			logging.Field("error", err),
		)
		return closed(ReasonConnectFailure, err)
	}
	defer conn.Close()
	// Closing the connection is the only way to interrupt a blocked read.
	stopCloser := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopCloser()
	logger.Info("connected to stream")

	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	messages := make(chan []byte, messageBufferSize)
	readErrs := make(chan error, 1)
	go readMessages(readCtx, conn, logger, messages, readErrs)

	enter(runstatus.HandshakeSent)
	if err := c.send(conn, NewConnectionInit(c.Credentials)); err != nil {
		logger.Error("connection_init send failed", logging.Field("error", err))
		return closed(ReasonHandshakeRejected, fmt.Errorf("send connection_init: %w", err))
	}
	logger.Debug("connection_init sent")

	if err := c.awaitAck(ctx, logger, messages, readErrs); err != nil {
		if ctx.Err() != nil {
			return closed(ReasonCanceled, ctx.Err())
		}
		logger.Error("stream handshake rejected", logging.Field("error", err))
		return closed(ReasonHandshakeRejected, err)
	}
	logger.Info("connection acknowledged")

	enter(runstatus.Subscribed)
	subscriptionID := c.SubscriptionID
	if subscriptionID == "" {
		subscriptionID = SubscriptionID
	}
	query := c.Query
	if strings.TrimSpace(query) == "" {
		query = DetectionQuery
	}
	if err := c.send(conn, NewSubscribe(subscriptionID, query)); err != nil {
		if ctx.Err() != nil {
			return closed(ReasonCanceled, ctx.Err())
		}
		logger.Error("subscribe send failed", logging.Field("error", err))
		return closed(ReasonStreamEnded, fmt.Errorf("send subscribe: %w", err))
	}
	logger.Info("subscription sent", logging.Field("subscription_id", subscriptionID))

	enter(runstatus.Streaming)
	return closed(c.stream(ctx, logger, messages, readErrs, handlers))
}

func (c Client) send(conn Conn, frame Frame) error {
	data, err := Encode(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// awaitAck consumes exactly one inbound frame and accepts only connection_ack.
func (c Client) awaitAck(ctx context.Context, logger *logging.Logger, messages <-chan []byte, readErrs <-chan error) error {
	waitCtx := ctx
	if c.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.HandshakeTimeout)
		defer cancel()
	}

	data, err := runctx.RecvOrDone(waitCtx, "handshake wait", logger, messages)
	switch {
	case errors.Is(err, runctx.ErrChannelClosed):
		return fmt.Errorf("connection closed before connection_ack: %w", <-readErrs)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("no connection_ack within %s: %w", c.HandshakeTimeout, err)
	case err != nil:
		return err
	}

	logger.Info("received connection_init response", logging.Field("frame", logging.FormatHTTPPayload(data)))
	frame, err := Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotAcknowledged, err)
	}
	if frame.Type != TypeConnectionAck {
		return fmt.Errorf("%w: got %q", ErrNotAcknowledged, frame.WireType())
	}
	return nil
}

func (c Client) stream(ctx context.Context, logger *logging.Logger, messages <-chan []byte, readErrs <-chan error, handlers SessionHandlers) (CloseReason, error) {
	var idle <-chan time.Time
	var idleTimer *time.Timer
	if c.IdleTimeout > 0 {
		idleTimer = time.NewTimer(c.IdleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Debug("stopping stream session: context canceled", logging.Field("error", ctx.Err()))
			return ReasonCanceled, ctx.Err()
		case <-idle:
			logger.Warn("stream idle, closing session", logging.Field("idle_timeout", c.IdleTimeout.String()))
			return ReasonStreamEnded, fmt.Errorf("%w after %s", ErrIdleTimeout, c.IdleTimeout)
		case data, ok := <-messages:
			if !ok {
				readErr := <-readErrs
				if ctx.Err() != nil {
					return ReasonCanceled, ctx.Err()
				}
				logStreamEnd(logger, readErr)
				return ReasonStreamEnded, readErr
			}
			if idleTimer != nil {
				idleTimer.Reset(c.IdleTimeout)
			}
			handleFrame(logger, data, handlers)
		}
	}
}

func handleFrame(logger *logging.Logger, data []byte, handlers SessionHandlers) {
	logger.Debug("received frame", logging.Field("frame", logging.FormatHTTPPayload(data)))

	frame, err := Decode(data)
	if err != nil {
		logger.Error("dropping undecodable frame",
			logging.Field("error", err),
			logging.Field("raw", logging.Truncate(string(data))),
		)
		return
	}

	switch frame.Type {
	case TypeNext:
		detection, extractErr := ExtractDetection(frame)
		if extractErr != nil {
			logger.Error("next frame without detection payload",
				logging.Field("id", frame.ID),
				logging.Field("error", extractErr),
			)
			return
		}
		if handlers.OnDetection != nil {
			handlers.OnDetection(detection)
		}
	case TypeError:
		logServerErrors(logger, frame)
	case TypeConnectionError:
		logger.Error("connection error from server", logging.Field("payload", logging.FormatHTTPPayload(frame.Payload)))
	default:
		logger.Warn("unhandled frame type", logging.Field("type", frame.WireType()))
	}
}

func logServerErrors(logger *logging.Logger, frame Frame) {
	list, ok := ParseErrors(frame.Payload)
	if !ok {
		logger.Error("received error from server",
			logging.Field("id", frame.ID),
			logging.Field("payload", logging.FormatHTTPPayload(frame.Payload)),
		)
		return
	}
	if len(list) == 0 {
		logger.Error("received empty error list from server", logging.Field("id", frame.ID))
		return
	}
	for _, gqlErr := range list {
		logger.Error("subscription error",
			logging.Field("id", frame.ID),
			logging.Field("message", gqlErr.MessageText()),
			logging.Field("classification", gqlErr.ClassificationText()),
			logging.Field("locations", gqlErr.LocationsText()),
		)
	}
}

func logStreamEnd(logger *logging.Logger, err error) {
	if code, reason, ok := CloseStatus(err); ok {
		if IsNormalClose(err) {
			logger.Info("stream closed by server", logging.Field("code", code), logging.Field("reason", reason))
			return
		}
		logger.Error("stream closed by server", logging.Field("code", code), logging.Field("reason", reason))
		return
	}
	logger.Error("stream read failed", logging.Field("error", err))
}

func readMessages(ctx context.Context, conn Conn, logger *logging.Logger, out chan<- []byte, errs chan<- error) {
	// errs is written before out closes, so a receiver that sees the closed
	// channel can always read the cause.
	defer close(out)
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		if !runctx.SendOrDone(ctx, "stream reader", logger, out, data) {
			errs <- ctx.Err()
			return
		}
	}
}
