package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KKKKjl/pushkit/internal/metrics"
	"github.com/KKKKjl/pushkit/logger"
)

const TokenHeader = "X-Relay-Token"

var NoEndpointErr = errors.New("No relay endpoint available.")

// Resolver yields the relay endpoint URLs of the stream hosts.
type Resolver interface {
	Resolve(ctx context.Context) ([]string, error)
}

type StaticResolver string

func (s StaticResolver) Resolve(context.Context) ([]string, error) {
	return []string{string(s)}, nil
}

// HTTPClient posts messages to the relay endpoint of the stream host.
type HTTPClient struct {
	resolver Resolver
	client   *http.Client
	secret   string
	metrics  *metrics.Metrics
	logger   *logrus.Entry
}

type HTTPOption func(*HTTPClient)

func WithTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.client.Timeout = timeout
		}
	}
}

func WithSecret(secret string) HTTPOption {
	return func(c *HTTPClient) {
		c.secret = secret
	}
}

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(c *HTTPClient) {
		c.metrics = m
	}
}

func NewHTTPClient(resolver Resolver, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		resolver: resolver,
		client:   &http.Client{Timeout: 3 * time.Second},
		logger:   logger.Component("relay"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *HTTPClient) Transport() string {
	return TransportHTTP
}

// Relay sends msg once to every stream host. The event counts as relayed when
// at least one host accepted it, otherwise it is dropped and the returned
// error wraps DroppedErr.
func (c *HTTPClient) Relay(ctx context.Context, msg Message) (err error) {
	defer func() {
		c.metrics.Relayed(TransportHTTP, err)
	}()

	if err = msg.Validate(); err != nil {
		return err
	}

	if err = c.fanout(ctx, msg); err != nil {
		c.logger.WithFields(logrus.Fields{"channel": msg.Channel, "event": msg.Event}).Errorf("Relay error, event dropped: %v", err)
		return fmt.Errorf("%w: %v", DroppedErr, err)
	}

	return nil
}

func (c *HTTPClient) fanout(ctx context.Context, msg Message) error {
	endpoints, err := c.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve relay endpoint: %w", err)
	}
	if len(endpoints) == 0 {
		return NoEndpointErr
	}

	buf, err := json.Marshal(&msg)
	if err != nil {
		return err
	}

	var lastErr error
	accepted := 0
	for _, endpoint := range endpoints {
		if err := c.post(ctx, endpoint, buf); err != nil {
			c.logger.WithField("endpoint", endpoint).Warnf("Relay to host failed: %v", err)
			lastErr = err
			continue
		}
		accepted++
	}

	if accepted == 0 {
		return lastErr
	}

	return nil
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, buf []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(TokenHeader, c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
