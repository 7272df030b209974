// Package webhook forwards detection records to the downstream HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"detection-relay/internal/gqlws"
	"detection-relay/internal/logging"
)

const (
	// HeaderDeliveryID carries the per-request id that also appears in logs.
	HeaderDeliveryID = "X-Delivery-Id"

	maxResponseBody = 64 << 10
)

type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeRejected
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes one delivery attempt. StatusCode, Status and Body are set
// whenever the endpoint answered; Cause only for OutcomeFailed.
type Result struct {
	Outcome    Outcome
	DeliveryID string
	StatusCode int
	Status     string
	Body       string
	Cause      error
}

// Err returns nil for a delivered record, a *StatusError for a rejected one
// and the transport cause otherwise.
func (r Result) Err() error {
	switch r.Outcome {
	case OutcomeDelivered:
		return nil
	case OutcomeRejected:
		return &StatusError{StatusCode: r.StatusCode, Status: r.Status, Body: r.Body}
	default:
		if r.Cause == nil {
			return errors.New("webhook delivery failed")
		}
		return fmt.Errorf("webhook delivery failed: %w", r.Cause)
	}
}

type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "webhook rejected delivery"
	}
	if e.Status != "" {
		return "webhook rejected delivery: " + e.Status
	}
	return fmt.Sprintf("webhook rejected delivery: http status %d", e.StatusCode)
}

type envelope struct {
	Detection gqlws.Detection `json:"detection"`
}

type Relay struct {
	http   *http.Client
	url    string
	logger *logging.Logger
}

func New(httpClient *http.Client, url string, logger *logging.Logger) *Relay {
	if logger == nil {
		panic("webhook.New: logger must not be nil")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Relay{http: httpClient, url: url, logger: logger}
}

// Deliver sends one detection. It makes exactly one request and never
// retries; only a 200 response counts as delivered.
func (r *Relay) Deliver(ctx context.Context, detection gqlws.Detection) Result {
	result := Result{DeliveryID: uuid.NewString()}

	body, err := json.Marshal(envelope{Detection: detection})
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Cause = fmt.Errorf("encode detection: %w", err)
		return result
	}
	r.logger.Debug("forwarding detection",
		logging.Field("delivery_id", result.DeliveryID),
		logging.Field("detection", logging.FormatHTTPPayload(body)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Cause = err
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDeliveryID, result.DeliveryID)

	resp, err := r.http.Do(req)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Cause = err
		return result
	}
	defer resp.Body.Close()
	r.logger.Debugf("POST %s -> %s", r.url, resp.Status)

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if readErr != nil {
		r.logger.Debug("webhook response body read failed",
			logging.Field("delivery_id", result.DeliveryID),
			logging.Field("error", readErr),
		)
	}
	result.StatusCode = resp.StatusCode
	result.Status = resp.Status
	result.Body = string(data)
	if resp.StatusCode == http.StatusOK {
		result.Outcome = OutcomeDelivered
	} else {
		result.Outcome = OutcomeRejected
	}
	return result
}
