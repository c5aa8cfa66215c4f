package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
	"github.com/Priya8975/webhook-dispatcher/internal/signer"
	"github.com/Priya8975/webhook-dispatcher/internal/ssrf"
	"github.com/Priya8975/webhook-dispatcher/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	UserAgent = "webhook-dispatcher/1.0"

	// maxResponseBody bounds how much of a response is kept in history.
	maxResponseBody = 4096
)

// DelivererConfig tunes the outbound HTTP client.
type DelivererConfig struct {
	Timeout time.Duration
	// OutboundRPS throttles all deliveries of this process. Zero disables it.
	OutboundRPS float64
	// BlockPrivateTargets refuses connections to internal networks.
	BlockPrivateTargets bool
}

// Deliverer performs the HTTP delivery of one attempt to a subscription
// endpoint. It signs exactly the bytes it sends and reports every failure
// in the returned outcome.
type Deliverer struct {
	httpClient *http.Client
	throttle   *rate.Limiter
	tracer     trace.Tracer
	logger     *slog.Logger
}

func NewDeliverer(cfg DelivererConfig, logger *slog.Logger) *Deliverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	if cfg.BlockPrivateTargets {
		dialer.Control = ssrf.Control
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext

	d := &Deliverer{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tracer: tracing.Tracer(),
		logger: logger,
	}
	if cfg.OutboundRPS > 0 {
		d.throttle = rate.NewLimiter(rate.Limit(cfg.OutboundRPS), max(1, int(cfg.OutboundRPS)))
	}
	return d
}

func (d *Deliverer) Deliver(ctx context.Context, sub *domain.Subscription, attempt domain.DeliveryAttempt) domain.Outcome {
	ctx, span := d.tracer.Start(ctx, "deliverer.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("subscription.id", sub.ID),
			attribute.String("event.id", attempt.EventID),
			attribute.Int("attempt", attempt.Attempts),
		),
	)
	defer span.End()

	if d.throttle != nil {
		if err := d.throttle.Wait(ctx); err != nil {
			return failure(attempt, time.Now(), classifyError(err))
		}
	}

	start := time.Now()

	body, contentType, err := encodeBody(sub, attempt, start.UTC())
	if err != nil {
		return failure(attempt, start, &domain.ErrorInfo{Message: err.Error(), Code: domain.CodeInvalidRequest})
	}

	method := sub.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, sub.URL, bytes.NewReader(body))
	if err != nil {
		return failure(attempt, start, &domain.ErrorInfo{
			Message: fmt.Sprintf("failed to create request: %v", err),
			Code:    domain.CodeInvalidRequest,
		})
	}

	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Webhook-Signature", signer.Sign(sub.Secret, body))
	req.Header.Set("X-Webhook-Event", attempt.EventType)
	req.Header.Set("X-Webhook-ID", sub.ID)
	req.Header.Set("X-Webhook-Delivery", attempt.EventID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(attempt.Attempts))
	req.Header.Set("User-Agent", UserAgent)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		info := classifyError(err)
		span.SetStatus(codes.Error, info.Code)
		return failure(attempt, start, info)
	}
	defer resp.Body.Close()

	// Read response body (limit to 4KB to bound history size)
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	o := domain.Outcome{
		Status:      domain.AttemptSuccess,
		Attempts:    attempt.Attempts,
		AttemptedAt: start.UTC(),
		DurationMs:  time.Since(start).Milliseconds(),
		Response: &domain.ResponseSnapshot{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Headers:    flattenHeaders(resp.Header),
		},
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		o.Status = domain.AttemptFailed
		o.Error = &domain.ErrorInfo{
			Message: fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode),
			Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
		}
		span.SetStatus(codes.Error, o.Error.Code)
	}
	return o
}

func failure(attempt domain.DeliveryAttempt, start time.Time, info *domain.ErrorInfo) domain.Outcome {
	return domain.Outcome{
		Status:      domain.AttemptFailed,
		Attempts:    attempt.Attempts,
		AttemptedAt: start.UTC(),
		DurationMs:  time.Since(start).Milliseconds(),
		Error:       info,
	}
}

// classifyError maps a transport error onto a stable error code.
func classifyError(err error) *domain.ErrorInfo {
	code := domain.CodeRequestFailed

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, ssrf.ErrBlockedTarget):
		code = domain.CodeBlockedTarget
	case errors.Is(err, context.Canceled):
		code = domain.CodeCancelled
	case errors.As(err, &dnsErr):
		code = domain.CodeDNS
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		code = domain.CodeTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		code = domain.CodeConnectionRefused
	}

	return &domain.ErrorInfo{Message: err.Error(), Code: code}
}

type xmlEnvelope struct {
	XMLName   xml.Name `xml:"webhook"`
	ID        string   `xml:"id"`
	Type      string   `xml:"type"`
	Timestamp string   `xml:"timestamp"`
	Data      string   `xml:"data"`
	Version   string   `xml:"version"`
}

// encodeBody renders the envelope in the subscription's format and
// returns it with its content type.
func encodeBody(sub *domain.Subscription, attempt domain.DeliveryAttempt, now time.Time) ([]byte, string, error) {
	version := sub.Version
	if version == "" {
		version = domain.DefaultVersion
	}
	data := attempt.Payload
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	env := domain.Envelope{
		ID:        attempt.EventID,
		Type:      attempt.EventType,
		Timestamp: now,
		Data:      data,
		Version:   version,
	}

	switch sub.Format {
	case domain.FormatForm:
		form := url.Values{}
		form.Set("id", env.ID)
		form.Set("type", env.Type)
		form.Set("timestamp", env.Timestamp.Format(time.RFC3339))
		form.Set("data", string(env.Data))
		form.Set("version", env.Version)
		return []byte(form.Encode()), "application/x-www-form-urlencoded", nil

	case domain.FormatXML:
		body, err := xml.Marshal(xmlEnvelope{
			ID:        env.ID,
			Type:      env.Type,
			Timestamp: env.Timestamp.Format(time.RFC3339),
			Data:      string(env.Data),
			Version:   env.Version,
		})
		if err != nil {
			return nil, "", fmt.Errorf("encoding xml envelope: %w", err)
		}
		return append([]byte(xml.Header), body...), "application/xml", nil

	default:
		body, err := json.Marshal(env)
		if err != nil {
			return nil, "", fmt.Errorf("encoding json envelope: %w", err)
		}
		return body, "application/json", nil
	}
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
