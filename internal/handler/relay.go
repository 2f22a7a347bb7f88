package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-relay/internal/client"
	"cors-relay/internal/config"
	"cors-relay/internal/model"
	"cors-relay/internal/service"
)

// errorPrefix opens every relay failure message sent to clients.
const errorPrefix = "Failed to fetch image: "

// RelayHandler serves /proxy/<encoded-url> and falls back to static files
// for every other path.
type RelayHandler struct {
	service *service.RelayService
	cfg     *config.Config
	static  http.Handler
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler serving static files from cfg.Relay.StaticRoot.
func NewRelayHandler(svc *service.RelayService, cfg *config.Config, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		cfg:     cfg,
		static:  http.FileServer(http.Dir(cfg.Relay.StaticRoot)),
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle routes a GET to the relay when its raw target starts with
// /proxy/, and to the static file server otherwise.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	raw := requestTarget(req)
	if !service.IsProxyPath(raw) {
		return h.Static(c)
	}

	ctx := req.Context()
	pr := &model.ProxyRequest{
		Method:  req.Method,
		RawPath: raw,
	}

	resp, err := h.service.Relay(ctx, pr)
	if err != nil {
		return h.fail(ctx, c, pr, err)
	}

	header := c.Response().Header()
	setCORS(header, "GET")
	header.Set("Cache-Control", h.cfg.Relay.CacheControl())

	return c.Blob(http.StatusOK, resp.ContentType, resp.Body)
}

// Static serves the request from the static root with http.FileServer semantics.
func (h *RelayHandler) Static(c echo.Context) error {
	h.static.ServeHTTP(c.Response(), c.Request())
	return nil
}

// fail writes the 404 JSON error. CORS headers are only attached when
// relay.cors_on_error is set.
func (h *RelayHandler) fail(ctx context.Context, c echo.Context, pr *model.ProxyRequest, err error) error {
	level := slog.LevelWarn
	if errors.Is(err, context.Canceled) {
		level = slog.LevelDebug
	}
	attrs := []any{"method", pr.Method, "target", pr.Target, "err", err}
	var se *client.StatusError
	if errors.As(err, &se) {
		attrs = append(attrs, "upstream_status", se.StatusCode)
	}
	h.logger.Log(ctx, level, "relay failed", attrs...)

	if h.cfg.Relay.CORSOnError {
		setCORS(c.Response().Header(), "GET")
	}

	return c.JSON(http.StatusNotFound, map[string]string{
		"error": errorPrefix + service.Describe(err),
	})
}

// requestTarget returns the request path still percent-encoded, plus the
// query string when there is one.
func requestTarget(req *http.Request) string {
	raw := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		raw += "?" + req.URL.RawQuery
	}
	return raw
}

func setCORS(h http.Header, methods string) {
	h.Set(echo.HeaderAccessControlAllowOrigin, "*")
	h.Set(echo.HeaderAccessControlAllowMethods, methods)
	h.Set(echo.HeaderAccessControlAllowHeaders, echo.HeaderContentType)
}
