package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agenterrors "github.com/rcourtman/pulse-netmon/internal/errors"
	"github.com/rcourtman/pulse-netmon/pkg/agents/netmon"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type statusSequence struct {
	codes []int
	calls atomic.Int32
}

func (s *statusSequence) handler(t *testing.T, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(s.calls.Add(1)) - 1
		assert.Equal(t, path, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		code := s.codes[len(s.codes)-1]
		if n < len(s.codes) {
			code = s.codes[n]
		}
		w.WriteHeader(code)
	}
}

func sampleBatch() netmon.Batch {
	return netmon.Batch{
		AgentID:         "sys-0123456789ab",
		Hostname:        "desk-01",
		AgentVersion:    "1.0.0",
		Timestamp:       time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
		TotalUploadMB:   5,
		TotalDownloadMB: 10,
		Websites:        []netmon.Website{{Domain: "YouTube", DataUsedMB: 15, UploadMB: 5, DownloadMB: 10, RequestCount: 1}},
	}
}

func newTestClient(baseURL string, rec *sleepRecorder) *Client {
	return New(Config{
		BaseURL:       baseURL,
		Credential:    "token-123",
		AgentVersion:  "1.0.0",
		RetryAttempts: 3,
		RetryBackoff:  5 * time.Second,
		Sleep:         rec.sleep,
	})
}

func TestSendRetriesThenDelivers(t *testing.T) {
	seq := &statusSequence{codes: []int{http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusCreated}}
	server := httptest.NewServer(seq.handler(t, "/api/telemetry/logs"))
	defer server.Close()

	rec := &sleepRecorder{}
	res := newTestClient(server.URL+"/api", rec).Send(context.Background(), sampleBatch())

	assert.Equal(t, Delivered, res.Status)
	assert.True(t, res.OK())
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, int32(3), seq.calls.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, rec.recorded())
}

func TestSendRejectedIsNotRetried(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			seq := &statusSequence{codes: []int{code}}
			server := httptest.NewServer(seq.handler(t, "/telemetry/logs"))
			defer server.Close()

			rec := &sleepRecorder{}
			res := newTestClient(server.URL, rec).Send(context.Background(), sampleBatch())

			assert.Equal(t, Rejected, res.Status)
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, code, res.StatusCode)
			assert.True(t, agenterrors.IsRejection(res.Err))
			assert.Equal(t, int32(1), seq.calls.Load())
			assert.Empty(t, rec.recorded())
		})
	}
}

func TestSendExhaustsRetries(t *testing.T) {
	seq := &statusSequence{codes: []int{http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusInternalServerError}}
	server := httptest.NewServer(seq.handler(t, "/telemetry/logs"))
	defer server.Close()

	rec := &sleepRecorder{}
	res := newTestClient(server.URL, rec).Send(context.Background(), sampleBatch())

	assert.Equal(t, TransportFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.True(t, errors.Is(res.Err, agenterrors.ErrTransport))
	assert.Len(t, rec.recorded(), 2, "no sleep after the last attempt")
}

func TestSendNetworkErrorIsTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	rec := &sleepRecorder{}
	res := newTestClient(url, rec).Send(context.Background(), sampleBatch())

	assert.Equal(t, TransportFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Zero(t, res.StatusCode)
	assert.True(t, agenterrors.IsRetryableError(res.Err))
}

func TestSendStopsOnCancelledContext(t *testing.T) {
	seq := &statusSequence{codes: []int{http.StatusServiceUnavailable}}
	server := httptest.NewServer(seq.handler(t, "/telemetry/logs"))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := New(Config{
		BaseURL:       server.URL,
		RetryAttempts: 5,
		RetryBackoff:  time.Second,
		Sleep: func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		},
	})

	res := client.Send(ctx, sampleBatch())
	assert.Equal(t, TransportFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), seq.calls.Load())
}

func TestSendPayloadAndHeaders(t *testing.T) {
	var got netmon.Batch
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "pulse-netmon-agent/1.0.0", r.Header.Get("User-Agent"))

		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		for _, key := range []string{"agentId", "hostname", "agentVersion", "timestamp", "totalUploadMB", "totalDownloadMB", "websites"} {
			assert.Contains(t, raw, key)
		}
		site := raw["websites"].([]any)[0].(map[string]any)
		for _, key := range []string{"domain", "dataUsedMB", "uploadMB", "downloadMB", "requestCount"} {
			assert.Contains(t, site, key)
		}

		encoded, _ := json.Marshal(raw)
		require.NoError(t, json.Unmarshal(encoded, &got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	res := newTestClient(server.URL+"/", &sleepRecorder{}).Send(context.Background(), sampleBatch())
	require.True(t, res.OK())
	assert.Equal(t, sampleBatch(), got)
}

func TestHeartbeat(t *testing.T) {
	var got netmon.Heartbeat
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/telemetry/heartbeat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hb := netmon.Heartbeat{AgentID: "sys-1", Hostname: "desk", AgentVersion: "1.0.0", CacheSize: 4, State: "idle",
		Timestamp: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	res := newTestClient(server.URL, &sleepRecorder{}).Heartbeat(context.Background(), hb)

	require.True(t, res.OK())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, hb, got)
}

func TestHeartbeatUsesShortTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := New(Config{
		BaseURL:          server.URL,
		RetryAttempts:    1,
		HeartbeatTimeout: 50 * time.Millisecond,
		RequestTimeout:   time.Minute,
	})

	start := time.Now()
	res := client.Heartbeat(context.Background(), netmon.Heartbeat{AgentID: "sys-1"})
	assert.Equal(t, TransportFailed, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBackoffNextDelay(t *testing.T) {
	cfg := backoffConfig{Step: 5 * time.Second}
	assert.Equal(t, 5*time.Second, cfg.nextDelay(1))
	assert.Equal(t, 10*time.Second, cfg.nextDelay(2))
	assert.Equal(t, 15*time.Second, cfg.nextDelay(3))
	assert.Equal(t, 5*time.Second, cfg.nextDelay(0))

	capped := backoffConfig{Step: 5 * time.Second, Max: 7 * time.Second}
	assert.Equal(t, 7*time.Second, capped.nextDelay(2))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "delivered", Delivered.String())
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "transport_failed", TransportFailed.String())
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))
}

func TestSendZeroBackoffRetriesWithoutPausing(t *testing.T) {
	seq := &statusSequence{codes: []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusCreated}}
	server := httptest.NewServer(seq.handler(t, "/telemetry/logs"))
	defer server.Close()

	rec := &sleepRecorder{}
	client := New(Config{BaseURL: server.URL, RetryAttempts: 3, Sleep: rec.sleep})
	res := client.Send(context.Background(), sampleBatch())

	assert.Equal(t, Delivered, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Empty(t, rec.recorded())
}
