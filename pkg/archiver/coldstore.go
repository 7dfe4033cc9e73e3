package archiver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ObjectStore receives finished archive objects. Put must not return nil
// unless the object is durably stored; deletion of archived rows is gated
// on it.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader) error
}

// HTTPStoreConfig configures the HTTP object store client.
type HTTPStoreConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Token   string        `json:"token" yaml:"token"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" default:"60s"`
}

// HTTPStore uploads archive objects with a single PUT per object.
type HTTPStore struct {
	cfg    HTTPStoreConfig
	client *http.Client
}

func NewHTTPStore(cfg HTTPStoreConfig) *HTTPStore {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPStore{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *HTTPStore) Put(ctx context.Context, key string, body io.Reader) error {
	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/" + strings.TrimLeft(key, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/gzip")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("cold store returned %s for %s", resp.Status, key)
	}
	return nil
}
