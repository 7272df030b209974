package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// ErrConfigMissing marks a required configuration value that was not set.
var ErrConfigMissing = errors.New("required configuration missing")

type Options struct {
	TokenID          string        `long:"token-id" env:"X_TOKEN_ID" description:"Stream API token id (sent as x-token-id)"`
	TokenValue       string        `long:"token-value" env:"X_TOKEN_VALUE" description:"Stream API token secret (sent as x-token-value)"`
	StreamURL        string        `long:"stream-url" env:"GRAPHQL_WS_URL" description:"GraphQL WebSocket endpoint (ws:// or wss://)"`
	WebhookURL       string        `long:"webhook-url" env:"WEBHOOK_URL" description:"Webhook receiving {\"detection\": ...} POSTs"`
	ReconnectDelay   time.Duration `long:"reconnect-delay" env:"RELAY_RECONNECT_DELAY" default:"5s" description:"Fixed delay between stream sessions"`
	HandshakeTimeout time.Duration `long:"handshake-timeout" env:"RELAY_HANDSHAKE_TIMEOUT" default:"0s" description:"Max wait for connection_ack (0 waits forever)"`
	IdleTimeout      time.Duration `long:"idle-timeout" env:"RELAY_IDLE_TIMEOUT" default:"0s" description:"End a stream that is silent this long (0 disables)"`
	WebhookTimeout   time.Duration `long:"webhook-timeout" env:"RELAY_WEBHOOK_TIMEOUT" default:"10s" description:"Per-request webhook timeout"`
	MaxInFlight      int           `long:"max-in-flight" env:"RELAY_MAX_IN_FLIGHT" default:"0" description:"Max concurrent webhook deliveries (0 is unbounded); when full, stream reading waits for a free slot"`
	LogDir           string        `long:"log-dir" env:"RELAY_LOG_DIR" description:"Persist JSONL logs into this directory"`
	Debug            bool          `long:"debug" env:"RELAY_DEBUG" description:"Enable verbose debug output"`
}

type Endpoints struct {
	StreamURL  string
	WebhookURL string
}

// ParseOptions loads .env (when present) and parses the process arguments.
func ParseOptions() (Options, error) {
	_ = godotenv.Load()
	return ParseArgs(os.Args[1:])
}

func ParseArgs(args []string) (Options, error) {
	opts := Options{}
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// ValidateRequired reports every missing required value in a single error
// wrapping ErrConfigMissing.
func ValidateRequired(opts Options) error {
	missing := make([]string, 0, 4)
	if strings.TrimSpace(opts.TokenID) == "" {
		missing = append(missing, "token id (X_TOKEN_ID)")
	}
	if strings.TrimSpace(opts.TokenValue) == "" {
		missing = append(missing, "token value (X_TOKEN_VALUE)")
	}
	if strings.TrimSpace(opts.StreamURL) == "" {
		missing = append(missing, "stream URL (GRAPHQL_WS_URL)")
	}
	if strings.TrimSpace(opts.WebhookURL) == "" {
		missing = append(missing, "webhook URL (WEBHOOK_URL)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigMissing, strings.Join(missing, ", "))
	}
	if opts.ReconnectDelay < 0 || opts.HandshakeTimeout < 0 || opts.IdleTimeout < 0 || opts.WebhookTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if opts.MaxInFlight < 0 {
		return errors.New("max in-flight deliveries must not be negative")
	}
	return nil
}

func BuildEndpoints(opts Options) (Endpoints, error) {
	streamURL, err := normalizeURL(opts.StreamURL, "ws", "wss")
	if err != nil {
		return Endpoints{}, fmt.Errorf("stream URL: %w", err)
	}
	webhookURL, err := normalizeURL(opts.WebhookURL, "http", "https")
	if err != nil {
		return Endpoints{}, fmt.Errorf("webhook URL: %w", err)
	}
	return Endpoints{StreamURL: streamURL, WebhookURL: webhookURL}, nil
}

func normalizeURL(raw string, schemes ...string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("expected absolute URL like %s://example.com", schemes[0])
	}
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) {
			parsed.Scheme = scheme
			parsed.Fragment = ""
			return parsed.String(), nil
		}
	}
	return "", fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
