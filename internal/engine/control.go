package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"forwardctl/internal/engineconfig"
)

const defaultControlTimeout = 5 * time.Second

// Controller is the engine's loopback control API.
type Controller interface {
	Reload(ctx context.Context) error
	LiveConfig(ctx context.Context) (*engineconfig.Config, error)
}

// ControlClient talks to the engine API at addr (host:port) under prefix.
type ControlClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

func NewControlClient(addr, prefix string, timeout time.Duration) *ControlClient {
	if timeout <= 0 {
		timeout = defaultControlTimeout
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	base = strings.TrimRight(base, "/")
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		base += "/" + prefix
	}
	return &ControlClient{
		baseURL: base,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Reload asks the engine to re-read its configuration file.
func (c *ControlClient) Reload(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/config/reload")
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LiveConfig fetches the configuration the engine is running.
func (c *ControlClient) LiveConfig(ctx context.Context) (*engineconfig.Config, error) {
	resp, err := c.do(ctx, http.MethodGet, "/config")
	if err != nil {
		return nil, fmt.Errorf("fetch live config: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read live config: %w", err)
	}
	return engineconfig.Parse(body)
}

func (c *ControlClient) do(ctx context.Context, method, path string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
