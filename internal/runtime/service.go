package runtime

import (
	"context"
	"net/http"
	"time"

	"detection-relay/internal/config"
	"detection-relay/internal/gqlws"
	"detection-relay/internal/logging"
	"detection-relay/internal/relay"
	"detection-relay/internal/runstatus"
	"detection-relay/internal/webhook"
)

const defaultHTTPTimeout = 10 * time.Second

type Service interface {
	RunContext(ctx context.Context) error
}

type StartHooks struct {
	OnState func(sessionID string, state runstatus.State)
}

type relayService struct {
	endpoints  config.Endpoints
	supervisor *relay.Supervisor
	logger     *logging.Logger
}

func NewService(opts config.Options, logger *logging.Logger) (Service, error) {
	return NewServiceWithHooks(opts, logger, StartHooks{})
}

func NewServiceWithHooks(opts config.Options, logger *logging.Logger, hooks StartHooks) (Service, error) {
	if logger == nil {
		panic("runtime.NewServiceWithHooks: logger must not be nil")
	}
	if err := config.ValidateRequired(opts); err != nil {
		return nil, err
	}

	endpoints, err := config.BuildEndpoints(opts)
	if err != nil {
		return nil, err
	}
	logger.Debug("constructed endpoints",
		logging.Field("stream_url", endpoints.StreamURL),
		logging.Field("webhook_url", endpoints.WebhookURL),
	)

	timeout := opts.WebhookTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	httpClient := &http.Client{Timeout: timeout}

	stream := gqlws.Client{
		Dialer:           gqlws.WebSocketDialer{HandshakeTimeout: opts.HandshakeTimeout},
		URL:              endpoints.StreamURL,
		Credentials:      gqlws.Credentials{TokenID: opts.TokenID, TokenValue: opts.TokenValue},
		Query:            gqlws.DetectionQuery,
		SubscriptionID:   gqlws.SubscriptionID,
		HandshakeTimeout: opts.HandshakeTimeout,
		IdleTimeout:      opts.IdleTimeout,
		Logger:           logger,
	}
	dispatcher := relay.NewDispatcher(webhook.New(httpClient, endpoints.WebhookURL, logger), opts.MaxInFlight, logger)
	supervisor := relay.NewSupervisor(stream, dispatcher, relay.SupervisorOptions{
		ReconnectDelay: opts.ReconnectDelay,
		OnState:        hooks.OnState,
	}, logger)

	return &relayService{endpoints: endpoints, supervisor: supervisor, logger: logger}, nil
}

func (s *relayService) RunContext(ctx context.Context) error {
	s.logger.Info("detection relay starting",
		logging.Field("stream_url", s.endpoints.StreamURL),
		logging.Field("webhook_url", s.endpoints.WebhookURL),
	)
	if err := s.supervisor.Run(ctx); err != nil {
		s.logger.Warn("detection relay stopped with error", logging.Field("error", err))
		return err
	}
	s.logger.Info("detection relay stopped")
	return nil
}
