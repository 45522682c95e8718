package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"powerline/internal/config"
	"powerline/internal/metrics"
)

const DefaultEndpoint = "https://www.fast2sms.com/dev/bulkV2"

// Gateway sends messages through the Fast2SMS bulkV2 API.
type Gateway struct {
	cfg     config.SMS
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewGateway builds a gateway from explicit provider settings.
func NewGateway(cfg config.SMS, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Route == "" {
		cfg.Route = "dlt"
	}
	if cfg.Flash == "" {
		cfg.Flash = "0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout()},
		logger:  logger,
		metrics: m,
	}
}

// Configured reports whether a provider credential is present.
func (g *Gateway) Configured() bool {
	return strings.TrimSpace(g.cfg.APIKey) != ""
}

type providerResponse struct {
	Return  bool            `json:"return"`
	Message json.RawMessage `json:"message"`
}

// Send attempts a single delivery. Every failure is logged and reported as false.
func (g *Gateway) Send(ctx context.Context, phone, message string) bool {
	if !g.Configured() {
		g.logger.WarnContext(ctx, "sms provider not configured; message not sent", "phone", MaskPhone(phone))
		g.metrics.IncSMS("unconfigured")
		return false
	}
	start := time.Now()
	ok, detail, err := g.deliver(ctx, phone, message)
	g.metrics.ObserveSMSLatency(time.Since(start))
	switch {
	case err != nil:
		g.logger.ErrorContext(ctx, "sms send error", "phone", MaskPhone(phone), "error", err)
	case !ok:
		g.logger.WarnContext(ctx, "sms provider rejected message", "phone", MaskPhone(phone), "provider_message", detail)
	default:
		g.logger.InfoContext(ctx, "sms sent", "phone", MaskPhone(phone))
	}
	if ok {
		g.metrics.IncSMS("sent")
	} else {
		g.metrics.IncSMS("failed")
	}
	return ok
}

// MaskPhone hides all but the last four digits of a number for logging.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

func (g *Gateway) deliver(ctx context.Context, phone, message string) (bool, string, error) {
	u, err := url.Parse(g.cfg.Endpoint)
	if err != nil {
		return false, "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("authorization", g.cfg.APIKey)
	q.Set("route", g.cfg.Route)
	q.Set("message", message)
	q.Set("numbers", phone)
	q.Set("flash", g.cfg.Flash)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Accept", "application/json")
	res, err := g.client.Do(req)
	if err != nil {
		// the request URL carries the api key and recipient
		var ue *url.Error
		if errors.As(err, &ue) {
			return false, "", fmt.Errorf("%s request: %w", ue.Op, ue.Err)
		}
		return false, "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return false, "", fmt.Errorf("read response: %w", err)
	}
	var pr providerResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return false, "", fmt.Errorf("status %d: decode response: %w", res.StatusCode, err)
	}
	return pr.Return, providerMessage(pr.Message), nil
}

// providerMessage flattens the provider's message field, which may be a string or a list of strings.
func providerMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return string(raw)
}
