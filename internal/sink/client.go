package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"pricerelay/config"
	"pricerelay/logger"
)

const responseSnippetBytes = 512

// Client performs exactly one HTTP POST per Deliver call.
type Client struct {
	name       string
	url        string
	authHeader string
	authToken  string
	headers    map[string]string
	httpClient *http.Client
	log        *logger.Log
}

// NewClient builds a client from a sink configuration.
func NewClient(cfg config.SinkConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	authHeader := cfg.AuthHeader
	if authHeader == "" {
		authHeader = "Authorization"
	}
	return &Client{
		name:       cfg.Name,
		url:        cfg.URL,
		authHeader: authHeader,
		authToken:  cfg.AuthToken,
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.GetLogger(),
	}
}

func (c *Client) Name() string { return c.name }

// Deliver posts p.Body. Non-2xx answers and transport errors become failed
// outcomes; Deliver never retries.
func (c *Client) Deliver(ctx context.Context, p Payload) Outcome {
	start := time.Now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	out := Outcome{DeliveryID: p.ID, Sink: c.name, Attempts: 1}
	log := c.log.WithComponent("sink").WithFields(logger.Fields{
		"sink":        c.name,
		"delivery_id": p.ID,
	})

	if len(p.Body) == 0 {
		out.Err = ErrEmptyPayload
		out.Duration = time.Since(start)
		return out
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(p.Body))
	if err != nil {
		out.Err = fmt.Errorf("create request: %w", err)
		out.Duration = time.Since(start)
		return out
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", p.ID)
	if c.authToken != "" {
		req.Header.Set(c.authHeader, c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		out.Err = fmt.Errorf("post to sink: %w", err)
		out.Duration = time.Since(start)
		log.WithError(out.Err).Warn("sink delivery failed")
		return out
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippetBytes))
	_, _ = io.Copy(io.Discard, resp.Body)

	out.StatusCode = resp.StatusCode
	out.Response = string(snippet)
	out.Duration = time.Since(start)

	entry := log.WithFields(logger.Fields{
		"status":      resp.StatusCode,
		"response":    out.Response,
		"duration_ms": out.Duration.Milliseconds(),
	})
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out.Err = fmt.Errorf("%w: %d", ErrNon2xx, resp.StatusCode)
		entry.Warn("sink rejected delivery")
		return out
	}
	entry.Info("sink response")
	return out
}
