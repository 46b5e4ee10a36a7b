// Package delivery posts telemetry batches and heartbeats to the collector
// with bounded retries.
package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	agenterrors "github.com/rcourtman/pulse-netmon/internal/errors"
	"github.com/rcourtman/pulse-netmon/pkg/agents/netmon"
)

const (
	logsPath      = "/telemetry/logs"
	heartbeatPath = "/telemetry/heartbeat"

	defaultBaseURL          = "http://localhost:5001/api"
	defaultRetryAttempts    = 3
	defaultRequestTimeout   = 10 * time.Second
	defaultHeartbeatTimeout = 5 * time.Second
	maxErrorBody            = 512
)

// Status is the outcome of a delivery.
type Status int

const (
	// Delivered means the collector accepted the payload.
	Delivered Status = iota
	// Rejected means the collector refused the payload; retrying will not help.
	Rejected
	// TransportFailed means the collector could not be reached within the retry budget.
	TransportFailed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case TransportFailed:
		return "transport_failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result describes one Send or Heartbeat call.
type Result struct {
	Status     Status
	Attempts   int
	StatusCode int
	Err        error
}

// OK reports whether the payload was delivered.
func (r Result) OK() bool { return r.Status == Delivered }

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls the client. RetryBackoff is the linear backoff step; zero
// retries without pausing.
type Config struct {
	BaseURL            string
	Credential         string
	AgentVersion       string
	RetryAttempts      int
	RetryBackoff       time.Duration
	RequestTimeout     time.Duration
	HeartbeatTimeout   time.Duration
	InsecureSkipVerify bool
	HTTPClient         Doer
	// Resolver, when set, resolves the collector host through a cache. It is
	// ignored when HTTPClient is provided.
	Resolver HostResolver
	// Sleep pauses between attempts; defaults to SleepContext.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zerolog.Logger
}

// Client posts payloads to the collector.
type Client struct {
	baseURL          string
	credential       string
	userAgent        string
	attempts         int
	backoff          backoffConfig
	requestTimeout   time.Duration
	heartbeatTimeout time.Duration
	http             Doer
	sleep            func(ctx context.Context, d time.Duration) error
	logger           zerolog.Logger
}

// New builds a Client, applying defaults for unset fields.
func New(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = defaultRetryAttempts
	}
	step := cfg.RetryBackoff
	if step < 0 {
		step = 0
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	heartbeatTimeout := cfg.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = defaultHeartbeatTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.InsecureSkipVerify {
			//nolint:gosec // Insecure mode is explicitly user-controlled.
			tlsConfig.InsecureSkipVerify = true
		}
		transport := &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		}
		if cfg.Resolver != nil {
			transport.DialContext = newCachedDialer(cfg.Resolver).DialContext
		}
		httpClient = &http.Client{Transport: transport}
	}

	sleep := cfg.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "delivery").Logger()
	}

	version := cfg.AgentVersion
	if version == "" {
		version = "dev"
	}

	return &Client{
		baseURL:          baseURL,
		credential:       strings.TrimSpace(cfg.Credential),
		userAgent:        "pulse-netmon-agent/" + version,
		attempts:         attempts,
		backoff:          backoffConfig{Step: step},
		requestTimeout:   requestTimeout,
		heartbeatTimeout: heartbeatTimeout,
		http:             httpClient,
		sleep:            sleep,
		logger:           logger,
	}
}

// Send delivers a telemetry batch.
func (c *Client) Send(ctx context.Context, batch netmon.Batch) Result {
	return c.post(ctx, "send_batch", logsPath, batch, c.requestTimeout)
}

// Heartbeat delivers a liveness ping. It shares the retry budget with Send but
// uses the shorter heartbeat timeout.
func (c *Client) Heartbeat(ctx context.Context, hb netmon.Heartbeat) Result {
	return c.post(ctx, "send_heartbeat", heartbeatPath, hb, c.heartbeatTimeout)
}

func (c *Client) post(ctx context.Context, op, path string, payload any, timeout time.Duration) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		// A payload that cannot be encoded will never succeed.
		return Result{Status: Rejected, Err: fmt.Errorf("marshal %s payload: %w", op, err)}
	}

	url := c.baseURL + path
	var res Result
	for attempt := 1; attempt <= c.attempts; attempt++ {
		res.Attempts = attempt
		code, err := c.do(ctx, url, body, timeout)
		res.StatusCode = code

		if err == nil {
			res.Status = Delivered
			res.Err = nil
			if attempt > 1 {
				c.logger.Info().Str("op", op).Int("attempts", attempt).Msg("Delivered after retry")
			}
			return res
		}

		res.Err = err
		if agenterrors.IsRejection(err) {
			res.Status = Rejected
			return res
		}
		res.Status = TransportFailed

		if ctx.Err() != nil {
			return res
		}
		if attempt == c.attempts {
			break
		}

		delay := c.backoff.nextDelay(attempt)
		c.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("maxAttempts", c.attempts).
			Dur("retryIn", delay).
			Msg("Delivery attempt failed, retrying")
		if delay <= 0 {
			continue
		}
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return res
		}
	}
	return res
}

func (c *Client) do(ctx context.Context, url string, body []byte, timeout time.Duration) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, agenterrors.NewAgentError(agenterrors.ErrorTypeRejected, "create_request", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(err, ctxErr)
		}
		return 0, agenterrors.WrapTransportError("post", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, agenterrors.WrapStatusError("post", url, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
