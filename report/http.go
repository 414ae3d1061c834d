package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertof/go-qnscale-relay/device"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

const (
	DefaultTimeout         = 10 * time.Second
	DefaultBreakerFailures = uint32(5)
	DefaultBreakerTimeout  = 30 * time.Second

	ReadingIDHeader = "X-Reading-Id"
)

var (
	ErrNoURL       = errors.New("no reporting url configured")
	ErrCircuitOpen = errors.New("reporting endpoint unavailable")
)

var reportsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "qnscale_relay_reports_total",
	Help: "Readings submitted to the reporting endpoint, by outcome.",
}, []string{"outcome"})

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(reportsCounter)
}

type HTTPConfig struct {
	// Absolute http(s) URL readings are POSTed to. Empty disables reporting: every
	// Report call fails with ErrNoURL.
	URL     string
	Timeout time.Duration

	// Consecutive failures before posts fail fast, and for how long they do.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// Optional; a client with Timeout is built when nil.
	Client *http.Client
}

// HTTP posts each reading as JSON to a fixed endpoint. Failures are never retried.
type HTTP struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.URL != "" {
		if err := ValidateURL(cfg.URL); err != nil {
			return nil, device.Wrap(device.KindConfiguration, "reporting url", err)
		}
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}

	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}

	client := cfg.Client

	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "report",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("Component", "report").
				Stringer("From", from).
				Stringer("To", to).
				Msg("Reporting circuit breaker changed state")
		},
	})

	return &HTTP{
		url:     cfg.URL,
		client:  client,
		breaker: breaker,
	}, nil
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)

	if err != nil {
		return err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q in %q (must be http or https)", u.Scheme, raw)
	}

	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}

	return nil
}

func (h *HTTP) Report(ctx context.Context, r device.Reading) error {
	if h.url == "" {
		reportsCounter.WithLabelValues("skipped").Inc()
		return device.Wrap(device.KindReporting, "report", ErrNoURL)
	}

	id := ulid.Make().String()

	_, err := h.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, h.post(ctx, id, r)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		reportsCounter.WithLabelValues("rejected").Inc()
		return device.Wrap(device.KindReporting, "report", fmt.Errorf("%w: %w", ErrCircuitOpen, err))
	}

	if err != nil {
		reportsCounter.WithLabelValues("failed").Inc()
		return device.Wrap(device.KindReporting, "report", err)
	}

	reportsCounter.WithLabelValues("delivered").Inc()

	log.Info().
		Str("Component", "report").
		Str("ReadingID", id).
		Stringer("Reading", r).
		Msg("Reading delivered")

	return nil
}

func (h *HTTP) post(ctx context.Context, id string, r device.Reading) error {
	body, err := json.Marshal(r)

	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))

	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ReadingIDHeader, id)

	log.Debug().
		Str("Component", "report").
		Str("URL", h.url).
		Str("ReadingID", id).
		RawJSON("Body", body).
		Msg("Posting reading")

	resp, err := h.client.Do(req)

	if err != nil {
		return fmt.Errorf("failed to post reading: %w", err)
	}

	defer resp.Body.Close()

	// drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}

	return nil
}
