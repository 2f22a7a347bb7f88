// Package client provides the upstream HTTP client used to fetch relayed resources.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cors-relay/internal/config"
	"cors-relay/internal/metrics"
	"cors-relay/internal/model"
)

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Reason     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP Error %d: %s", e.StatusCode, e.Reason)
}

// UpstreamClient fetches remote resources on behalf of browser clients.
type UpstreamClient struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient. Connections are not reused
// between fetches, and the only deadline is cfg.Upstream.TimeoutSeconds (0
// disables it). The metrics parameter is optional; pass nil to disable
// upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DisableKeepAlives: true,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	userAgent := cfg.Upstream.UserAgent
	if userAgent == "" {
		userAgent = config.DefaultUserAgent
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.Timeout(),
		},
		userAgent: userAgent,
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
	}
}

// Fetch issues a GET for target and reads the whole body into memory.
// Redirects are followed; a final non-2xx status is returned as *StatusError.
// Only the Content-Type header survives into the returned response.
// The context cancels the fetch when the inbound client goes away.
func (c *UpstreamClient) Fetch(ctx context.Context, target string) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		c.observe(metrics.OutcomeNetworkError, 0, 0, time.Now())
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug("upstream request", "host", req.URL.Host)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(metrics.OutcomeNetworkError, 0, 0, start)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(metrics.OutcomeHTTPError, resp.StatusCode, 0, start)
		return nil, &StatusError{StatusCode: resp.StatusCode, Reason: reasonPhrase(resp)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(metrics.OutcomeNetworkError, resp.StatusCode, 0, start)
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	c.observe(metrics.OutcomeOK, resp.StatusCode, len(body), start)

	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (c *UpstreamClient) observe(outcome string, status, size int, start time.Time) {
	if c.metrics == nil {
		return
	}
	code := "none"
	if status != 0 {
		code = strconv.Itoa(status)
	}
	c.metrics.UpstreamDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	c.metrics.UpstreamResponses.WithLabelValues(outcome, code).Inc()
	if size > 0 {
		c.metrics.UpstreamBytes.Add(float64(size))
	}
}

// reasonPhrase returns the reason text of the upstream status line,
// falling back to the standard text for the code.
func reasonPhrase(resp *http.Response) string {
	if reason := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); reason != "" && reason != resp.Status {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}
