package webhook

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/hookline/internal/metrics"
)

const DefaultProbeTimeout = 5 * time.Second

// HealthResult is the outcome of a health probe. Probes never touch
// delivery statistics.
type HealthResult struct {
	Healthy        bool
	StatusCode     int
	ResponseTimeMs int64
	Error          string
}

// Prober issues a single HEAD request against an endpoint.
type Prober struct {
	client    Doer
	timeout   time.Duration
	userAgent string
}

func NewProber(client Doer, timeout time.Duration, userAgent string) *Prober {
	if client == nil {
		client = NewHTTPClient()
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Prober{client: client, timeout: timeout, userAgent: userAgent}
}

// Probe reports healthy for any status below 500. It is never retried.
func (p *Prober) Probe(ctx context.Context, rawURL string) HealthResult {
	res := p.probe(ctx, rawURL)
	metrics.RecordProbe(res.Healthy)
	return res
}

func (p *Prober) probe(ctx context.Context, rawURL string) HealthResult {
	if _, reason := parseEndpoint(rawURL); reason != "" {
		return HealthResult{Error: "invalid webhook url: " + reason}
	}
	rawURL = strings.TrimSpace(rawURL)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return HealthResult{Error: err.Error()}
	}
	req.Header.Set("User-Agent", p.userAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return HealthResult{ResponseTimeMs: elapsed, Error: "no response within " + p.timeout.String()}
		}
		return HealthResult{ResponseTimeMs: elapsed, Error: transportReason(classifyTransport(err), err)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	resp.Body.Close()

	res := HealthResult{
		Healthy:        resp.StatusCode < 500,
		StatusCode:     resp.StatusCode,
		ResponseTimeMs: elapsed,
	}
	if !res.Healthy {
		res.Error = http.StatusText(resp.StatusCode)
	}
	return res
}
