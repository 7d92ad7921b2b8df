// Package source is the REST adapter for the remote task store that hands out
// observation tasks and collects their outcomes. Authentication is a bearer
// token obtained from a login call; the adapter re-authenticates transparently
// once when the remote reports the session expired.
//
// Failures split into two kinds the orchestrator treats differently:
// *TransientError (network trouble, server-side status) is worth retrying,
// *FatalError (rejected credentials, permanently refused requests) is not.
package source

import (
	"bytes"
	"context"
	"crypto/md5" // #nosec G501 -- the remote API requires a legacy MD5 password digest
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noctua-obs/noctua/internal/task"
)

// TransientError marks a failure worth retrying later: the network flaked or
// the remote answered with a server-side status.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure retries cannot cure, such as rejected
// credentials or a request the remote permanently refuses.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Config holds task store connection settings.
type Config struct {
	BaseURL  string
	Username string
	Password string // sent as an MD5 hex digest, never in clear
	ScopeID  int    // telescope identifier tasks are fetched for
	Timeout  time.Duration
	Insecure bool         // skip TLS verification
	Logger   *slog.Logger // optional logger for adapter operations
}

// Client talks to the remote task store.
type Client struct {
	baseURL  string
	username string
	password string
	scopeID  int
	http     *http.Client
	logger   *slog.Logger

	mu     sync.Mutex
	token  string
	userID int
}

// New creates a task store client. Missing settings fall back to defaults;
// credentials are required only once Login or an authenticated call runs.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	transport := &http.Transport{}
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- operator opt-in for self-signed observatory endpoints
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		scopeID:  cfg.ScopeID,
		logger:   cfg.Logger,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Status string `json:"status"`
	Token  string `json:"token"`
	UserID int    `json:"user_id"`
	Msg    string `json:"msg"`
}

type versionResponse struct {
	Version string `json:"version"`
}

type nightPlanResponse struct {
	Tasks []task.Task `json:"tasks"`
}

type reportRequest struct {
	TaskID    int      `json:"task_id"`
	Status    string   `json:"status"`
	FitsFiles []string `json:"fits_files"`
	Message   string   `json:"message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}

func (e errorResponse) text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Msg
}

// Login authenticates against the task store and caches the session token.
func (c *Client) Login(ctx context.Context) error {
	sum := md5.Sum([]byte(c.password)) // #nosec G401 -- digest format is fixed by the remote API
	payload := loginRequest{Username: c.username, Password: hex.EncodeToString(sum[:])}

	resp, err := c.send(ctx, http.MethodPost, "/login", "", payload)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("login: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("login: remote returned %d: %s", resp.StatusCode, readError(resp.Body))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &FatalError{Err: fmt.Errorf("login rejected: %s", readError(resp.Body))}
	case resp.StatusCode != http.StatusOK:
		return &FatalError{Err: fmt.Errorf("login: remote returned %d: %s", resp.StatusCode, readError(resp.Body))}
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return &TransientError{Err: fmt.Errorf("login: decode response: %w", err)}
	}
	if lr.Token == "" {
		return &FatalError{Err: fmt.Errorf("login rejected: %s", lr.Msg)}
	}

	c.mu.Lock()
	c.token = lr.Token
	c.userID = lr.UserID
	c.mu.Unlock()

	c.logger.Info("logged in to task store", "user_id", lr.UserID)
	return nil
}

// Version probes the task store version. The call is unauthenticated and
// doubles as the reachability check during startup.
func (c *Client) Version(ctx context.Context) (string, error) {
	var vr versionResponse
	if err := c.doUnauthenticated(ctx, http.MethodGet, "/version", &vr); err != nil {
		return "", err
	}
	return vr.Version, nil
}

// FetchNext retrieves the night plan for the configured telescope and returns
// the pending task with the highest priority, lowest id winning ties. It
// returns (nil, nil) when the plan holds no pending work.
func (c *Client) FetchNext(ctx context.Context) (*task.Task, error) {
	var plan nightPlanResponse
	path := fmt.Sprintf("/night-plan?scope_id=%d", c.scopeID)
	if err := c.doAuthed(ctx, http.MethodGet, path, nil, &plan); err != nil {
		return nil, err
	}

	pending := plan.Tasks[:0]
	for _, t := range plan.Tasks {
		if t.Status == task.StatusPending || t.Status == "" {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		c.logger.Debug("night plan has no pending tasks", "scope_id", c.scopeID)
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].ID < pending[j].ID
	})

	next := pending[0]
	c.logger.Info("task fetched", "task_id", next.ID, "object", next.Object, "priority", next.Priority)
	return &next, nil
}

// Report posts a task outcome together with the frames it produced. The
// remote deduplicates by task id and status, so repeating a delivery after a
// transient failure is safe.
func (c *Client) Report(ctx context.Context, id int, st task.Status, frames []string, message string) error {
	if frames == nil {
		frames = []string{}
	}
	payload := reportRequest{TaskID: id, Status: st.String(), FitsFiles: frames, Message: message}
	if err := c.doAuthed(ctx, http.MethodPost, "/task-update", payload, nil); err != nil {
		return err
	}
	c.logger.Info("task outcome reported", "task_id", id, "status", st, "frames", len(frames))
	return nil
}

// TaskStatus fetches the store's current view of a single task.
func (c *Client) TaskStatus(ctx context.Context, id int) (*task.Task, error) {
	var t task.Task
	if err := c.doAuthed(ctx, http.MethodGet, fmt.Sprintf("/task-status/%d", id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// doAuthed performs an authenticated request, logging in first when no
// session exists and once more if the remote reports the token expired.
func (c *Client) doAuthed(ctx context.Context, method, path string, payload, out any) error {
	retried := false
	for {
		if c.currentToken() == "" {
			if err := c.Login(ctx); err != nil {
				return err
			}
		}
		resp, err := c.send(ctx, method, path, c.currentToken(), payload)
		if err != nil {
			return &TransientError{Err: fmt.Errorf("%s %s: %w", method, path, err)}
		}
		if resp.StatusCode == http.StatusUnauthorized && !retried {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			c.clearToken()
			retried = true
			c.logger.Debug("session expired, logging in again")
			continue
		}
		return c.finish(resp, out)
	}
}

func (c *Client) doUnauthenticated(ctx context.Context, method, path string, out any) error {
	resp, err := c.send(ctx, method, path, "", nil)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	return c.finish(resp, out)
}

func (c *Client) send(ctx context.Context, method, path, token string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req)
}

// finish classifies the response status and decodes a successful body into
// out. It always closes the body.
func (c *Client) finish(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransientError{Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("remote returned %d: %s", resp.StatusCode, readError(resp.Body))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &FatalError{Err: fmt.Errorf("remote rejected session: %s", readError(resp.Body))}
	default:
		return &FatalError{Err: fmt.Errorf("remote returned %d: %s", resp.StatusCode, readError(resp.Body))}
	}
}

func readError(r io.Reader) string {
	var er errorResponse
	if err := json.NewDecoder(r).Decode(&er); err != nil || er.text() == "" {
		return "no detail"
	}
	return er.text()
}
