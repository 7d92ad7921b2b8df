// Package client talks to a running noctua daemon over its status API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

// ErrNoActiveTask is returned by ActiveTask when the runner is between tasks.
var ErrNoActiveTask = errors.New("no active task")

// Client calls the daemon's status API.
type Client struct {
	baseURL  string
	basePath string
	client   *http.Client
	logger   *slog.Logger
}

// Config controls how the client connects.
type Config struct {
	BaseURL  string // scheme and host, e.g. "http://localhost:8080"
	BasePath string // API prefix matching the daemon's [server].base_path
	Timeout  time.Duration
	Logger   *slog.Logger // defaults to slog.Default
	TLS      *TLSClientConfig
	Insecure bool // skip certificate verification
}

// TLSClientConfig selects certificates for an HTTPS daemon.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // PEM CA bundle path
	ClientCert string // client certificate path, for mutual TLS
	ClientKey  string // client key path
	ServerName string // overrides the name checked against the server cert
	SkipVerify bool
}

// DefaultConfig returns a plain-HTTP localhost configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// InsecureConfig returns an HTTPS configuration that accepts any certificate,
// for daemons running with self-signed certs.
func InsecureConfig() Config {
	return Config{
		BaseURL:  "https://localhost:8080",
		Timeout:  10 * time.Second,
		Insecure: true,
	}
}

// New builds a Client, filling in defaults for anything unset.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("Client TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL:  config.BaseURL,
		basePath: config.BasePath,
		logger:   config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

func (c *Client) apiURL(path string) string {
	return c.baseURL + c.basePath + path
}

// IsReachable reports whether the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Could not build health request", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the full loop snapshot.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.getJSON(ctx, c.apiURL("/status"), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ActiveTask fetches the task currently being worked. Returns ErrNoActiveTask
// when the runner is idle or waiting for night.
func (c *Client) ActiveTask(ctx context.Context) (*Task, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiURL("/task"), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoActiveTask
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}
	var t Task
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &t, nil
}

// Night fetches the current night window state.
func (c *Client) Night(ctx context.Context) (*NightStatus, error) {
	var ns NightStatus
	if err := c.getJSON(ctx, c.apiURL("/night"), &ns); err != nil {
		return nil, err
	}
	return &ns, nil
}

// Journal lists the most recent task attempts, newest first. A non-positive
// limit uses the server default.
func (c *Client) Journal(ctx context.Context, limit int) ([]JournalEntry, error) {
	url := c.apiURL("/journal")
	if limit > 0 {
		url += "?limit=" + strconv.Itoa(limit)
	}
	var entries []JournalEntry
	if err := c.getJSON(ctx, url, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Abort asks the daemon to cancel the active imaging run. The server rejects
// the request when no run is executing.
func (c *Client) Abort(ctx context.Context, reason string) error {
	c.logger.Debug("Requesting abort", "reason", reason)
	data, err := json.Marshal(AbortRequest{Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.doRequest(ctx, "POST", c.apiURL("/abort"), data)
}

// setupClientTLS builds the tls.Config for the daemon connection.
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert reads a PEM CA bundle and installs it as the root pool.
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// getJSON performs a GET and decodes a JSON body into out.
func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("Request to daemon failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doRequest sends a request with an optional JSON body and maps any non-200
// response to an error.
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("Request to daemon failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return c.decodeError(resp)
}

// decodeError turns an error response body into a Go error.
func (c *Client) decodeError(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Error response was not JSON", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Error("Daemon rejected request", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
