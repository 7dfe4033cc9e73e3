package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/kumarabd/gokit/logger"
)

// Config contains configuration for the streaming backend client.
type Config struct {
	Addr           string        `json:"addr" yaml:"addr" default:"http://loki:3100"`
	TenantID       string        `json:"tenant_id" yaml:"tenant_id" default:""`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" default:"5s"`
	Retry          RetryConfig   `json:"retry" yaml:"retry"`
}

// RetryConfig contains retry configuration for push requests.
type RetryConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled" default:"true"`
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts" default:"3"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" default:"200ms"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff" default:"5s"`
}

// Stream is one label-indexed batch of entries. Values carry
// [epoch_ns_string, json_line] pairs per the push contract.
type Stream struct {
	Labels map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type pushPayload struct {
	Streams []Stream `json:"streams"`
}

type queryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string   `json:"resultType"`
		Result     []Stream `json:"result"`
	} `json:"data"`
}

// Client talks to the streaming log backend's batch push and range query APIs.
type Client struct {
	http     *http.Client
	addr     string
	tenant   string
	retry    RetryConfig
	log      *logger.Handler
	randIntn func(n int64) int64
}

func NewClient(cfg *Config, log *logger.Handler) *Client {
	return &Client{
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		addr:     cfg.Addr,
		tenant:   cfg.TenantID,
		retry:    cfg.Retry,
		log:      log,
		randIntn: rand.Int63n,
	}
}

// Push sends one batched envelope to the ingestion endpoint. The body is
// gzip-compressed JSON. 429 and 5xx responses are retried with jittered
// backoff up to the configured attempt cap; everything else fails fast.
func (c *Client) Push(ctx context.Context, streams []Stream) error {
	if len(streams) == 0 {
		return nil
	}

	var body bytes.Buffer
	gz := gzip.NewWriter(&body)
	if err := json.NewEncoder(gz).Encode(pushPayload{Streams: streams}); err != nil {
		_ = gz.Close()
		return fmt.Errorf("encode push payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress push payload: %w", err)
	}

	attempts := c.retry.MaxAttempts
	if !c.retry.Enabled || attempts < 1 {
		attempts = 1
	}
	backoff := c.retry.InitialBackoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			d := backoff + time.Duration(c.randIntn(int64(backoff/2)+1))
			if d > c.retry.MaxBackoff {
				d = c.retry.MaxBackoff
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < c.retry.MaxBackoff/2 {
				backoff *= 2
			} else {
				backoff = c.retry.MaxBackoff
			}
		}

		status, err := c.post(ctx, body.Bytes())
		if err == nil {
			return nil
		}
		lastErr = err
		if status != 0 && status != http.StatusTooManyRequests && status < 500 {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+"/loki/api/v1/push", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if c.tenant != "" {
		req.Header.Set("X-Scope-OrgID", c.tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("push returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// QueryRange runs a label-selector query over [start, end] and returns the
// flattened [epoch_ns_string, json_line] pairs across all result streams.
func (c *Client) QueryRange(ctx context.Context, selector string, start, end time.Time, limit int) ([][2]string, error) {
	params := url.Values{}
	params.Set("query", selector)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("direction", "backward")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+"/loki/api/v1/query_range?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	if c.tenant != "" {
		req.Header.Set("X-Scope-OrgID", c.tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("query returned status %d", resp.StatusCode)
	}

	var decoded queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}

	var values [][2]string
	for _, stream := range decoded.Data.Result {
		values = append(values, stream.Values...)
	}
	return values, nil
}
