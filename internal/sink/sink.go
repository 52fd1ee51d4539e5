// Package sink delivers JSON payloads to HTTP endpoints. Cross-cutting
// policies (retry, rate limiting, dead lettering, metrics) are decorators
// around a Deliverer rather than part of the client.
package sink

import (
	"context"
	"errors"
	"time"

	"pricerelay/models"
)

var (
	// ErrNon2xx marks a delivery the sink answered with a non-2xx status.
	ErrNon2xx = errors.New("sink returned non-2xx status")
	// ErrEmptyPayload is returned for payloads without a body.
	ErrEmptyPayload = errors.New("empty payload")
)

// Payload is one JSON document bound for a sink.
type Payload struct {
	// ID is the delivery id sent as X-Request-ID; generated when empty.
	ID        string
	Body      []byte
	Topics    []models.TopicID
	CreatedAt time.Time
}

// Outcome is the result of one delivery. Deliverers never panic and never
// return bare errors; failures are carried in Err.
type Outcome struct {
	DeliveryID string
	Sink       string
	StatusCode int
	// Response holds the start of the response body for logging.
	Response string
	Err      error
	Duration time.Duration
	Attempts int
}

func (o Outcome) Success() bool {
	return o.Err == nil
}

// Label is the metric label for the outcome.
func (o Outcome) Label() string {
	if o.Success() {
		return "success"
	}
	return "failure"
}

// Deliverer sends one payload and reports what happened.
type Deliverer interface {
	Deliver(ctx context.Context, p Payload) Outcome
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, p Payload) Outcome

func (f DelivererFunc) Deliver(ctx context.Context, p Payload) Outcome {
	return f(ctx, p)
}
