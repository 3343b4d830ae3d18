// Package backend implements the build, test and sandbox ports over the
// JSON HTTP APIs of Copr, Koji, Testing Farm, the downstream sync service,
// the VM image builder and the SRPM sandbox.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericfisherdev/forgeflow/internal/domain/port/driven"
)

// maxErrorBody caps how much of an error response is kept for the message.
const maxErrorBody = 512

// Config locates one backend service.
type Config struct {
	URL   string
	Token string
	// LookupPath, when set, is the path under URL answering whether a
	// submission key was accepted. It must contain one %s for the key.
	LookupPath string
}

// client is a small JSON-over-HTTP client shared by every backend.
type client struct {
	name   string
	base   *url.URL
	token  string
	http   *http.Client
	logger *slog.Logger
}

func newClient(name string, cfg Config, httpClient *http.Client, logger *slog.Logger) (*client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing %s URL: %w", name, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("parsing %s URL %q: scheme must be http or https", name, cfg.URL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	return &client{name: name, base: base, token: cfg.Token, http: httpClient, logger: logger.With("backend", name)}, nil
}

// do sends in as JSON to path and decodes the response into out. A non-empty
// idempotencyKey is sent as the Idempotency-Key header. 404 responses match
// driven.ErrNotFound.
//
// Failures are classified for the retry logic: rate limiting, unavailable
// gateways and refused connections are transient and known not to have
// created anything; other server errors, timeouts and broken responses are
// transient only; remaining client errors are permanent rejections.
func (c *client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	u := c.base.JoinPath(path)

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", c.name, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if isDialError(err) {
			return fmt.Errorf("%s %s %s: %w: %w: %w", c.name, method, u.Path, driven.ErrTransient, driven.ErrNotAccepted, err)
		}
		return fmt.Errorf("%s %s %s: %w: %w", c.name, method, u.Path, driven.ErrTransient, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("backend call",
		"method", method,
		"path", u.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode >= 300 {
		return c.statusError(method, u.Path, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w: %w", c.name, driven.ErrTransient, err)
	}
	return nil
}

func (c *client) statusError(method, path string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("%s %s %s returned %d", c.name, method, path, resp.StatusCode)
	if s := strings.TrimSpace(string(snippet)); s != "" {
		msg += ": " + s
	}

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", msg, driven.ErrNotFound, driven.ErrNotAccepted)
	case code == http.StatusTooManyRequests, code == http.StatusBadGateway, code == http.StatusServiceUnavailable:
		return fmt.Errorf("%s: %w: %w", msg, driven.ErrTransient, driven.ErrNotAccepted)
	case code >= http.StatusInternalServerError, code == http.StatusRequestTimeout:
		return fmt.Errorf("%s: %w", msg, driven.ErrTransient)
	case code == http.StatusConflict:
		return fmt.Errorf("%s: %w", msg, driven.ErrConflict)
	}
	return fmt.Errorf("%s: %w", msg, driven.ErrNotAccepted)
}

// isDialError reports whether err happened before the request left this
// host, so the backend cannot have seen it.
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
