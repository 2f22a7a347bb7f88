// Package service implements the relay semantics: target extraction,
// upstream fetch and failure descriptions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"cors-relay/internal/client"
	"cors-relay/internal/config"
	"cors-relay/internal/model"
)

// ProxyPrefix is the literal path prefix that routes a request to the relay.
const ProxyPrefix = "/proxy/"

// ErrMalformedTarget is returned when the encoded target cannot be decoded.
var ErrMalformedTarget = errors.New("malformed proxy target")

// RelayService fetches the target named in a proxy path.
type RelayService struct {
	client *client.UpstreamClient
	cfg    *config.Config
	logger *slog.Logger
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *RelayService {
	return &RelayService{
		client: c,
		cfg:    cfg,
		logger: logger.With("component", "relay_service"),
	}
}

// IsProxyPath reports whether a raw request target belongs to the relay.
func IsProxyPath(rawPath string) bool {
	return strings.HasPrefix(rawPath, ProxyPrefix)
}

// ExtractTarget strips ProxyPrefix from the raw request target and
// percent-decodes the remainder. No scheme or host validation is applied.
func ExtractTarget(rawPath string) (string, error) {
	encoded, ok := strings.CutPrefix(rawPath, ProxyPrefix)
	if !ok {
		return "", fmt.Errorf("%w: path does not start with %s", ErrMalformedTarget, ProxyPrefix)
	}
	if encoded == "" {
		return "", fmt.Errorf("%w: empty target URL", ErrMalformedTarget)
	}
	target, err := url.PathUnescape(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedTarget, err)
	}
	return target, nil
}

// Relay resolves the target of pr and fetches it. The returned response
// always carries a content type: the upstream value, or the configured
// default when the upstream sent none.
func (s *RelayService) Relay(ctx context.Context, pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	target, err := ExtractTarget(pr.RawPath)
	if err != nil {
		return nil, err
	}
	pr.Target = target

	s.logger.DebugContext(ctx, "relaying", "method", pr.Method, "target", target)

	resp, err := s.client.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "upstream replied",
		"target", target,
		"upstream_status", resp.StatusCode,
		"bytes", len(resp.Body),
	)

	if resp.ContentType == "" {
		resp.ContentType = s.cfg.Relay.DefaultContentType
	}
	return resp, nil
}

// Describe renders a relay failure for the client-facing error body.
// Transport errors drop the "Get <url>:" wrapper the HTTP client adds.
func Describe(err error) string {
	var se *client.StatusError
	if errors.As(err, &se) {
		return se.Error()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}
