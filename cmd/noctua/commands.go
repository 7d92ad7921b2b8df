package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/noctua-obs/noctua/pkg/client"
)

type command struct{}

// newAPIClient builds a client from a daemon URL. The URL's path component
// becomes the API base path, so both "http://host:8080" and
// "http://host:8080/api" work against a daemon with a matching base_path.
func newAPIClient(apiURL string, timeout time.Duration) *client.Client {
	base := apiURL
	basePath := ""
	if u, err := url.Parse(apiURL); err == nil && u.Host != "" {
		basePath = strings.TrimSuffix(u.Path, "/")
		u.Path = ""
		base = u.String()
	}
	return client.New(client.Config{
		BaseURL:  base,
		BasePath: basePath,
		Timeout:  timeout,
	})
}

// Status prints the loop state, active task and process resources
func (c *command) Status(f StatusFlags) error {
	// Always use API - default to local daemon if not specified
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8080/api" // Default local daemon
	}

	apiClient := newAPIClient(apiUrl, f.APITimeout)
	ctx := context.Background()
	if !apiClient.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'noctua run'", apiUrl)
	}

	st, err := apiClient.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

// Task prints the task currently being executed
func (c *command) Task(f TaskFlags) error {
	// Always use API - default to local daemon if not specified
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8080/api" // Default local daemon
	}

	apiClient := newAPIClient(apiUrl, f.APITimeout)
	ctx := context.Background()
	if !apiClient.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'noctua run'", apiUrl)
	}

	t, err := apiClient.ActiveTask(ctx)
	if errors.Is(err, client.ErrNoActiveTask) {
		fmt.Println("No task is being executed right now.")
		return nil
	}
	if err != nil {
		return err
	}
	printJSON(t)
	return nil
}

// Night prints the night window as computed by the daemon
func (c *command) Night(f NightFlags) error {
	// Always use API - default to local daemon if not specified
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8080/api" // Default local daemon
	}

	apiClient := newAPIClient(apiUrl, f.APITimeout)
	ctx := context.Background()
	if !apiClient.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'noctua run'", apiUrl)
	}

	n, err := apiClient.Night(ctx)
	if err != nil {
		return err
	}
	printJSON(n)
	return nil
}

// Journal prints recent run outcomes, newest first
func (c *command) Journal(f JournalFlags) error {
	// Always use API - default to local daemon if not specified
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8080/api" // Default local daemon
	}

	apiClient := newAPIClient(apiUrl, f.APITimeout)
	ctx := context.Background()
	if !apiClient.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'noctua run'", apiUrl)
	}

	entries, err := apiClient.Journal(ctx, f.Limit)
	if err != nil {
		return err
	}
	printJSON(entries)
	return nil
}

// Abort asks the daemon to abort the active run
func (c *command) Abort(f AbortFlags) error {
	// Always use API - default to local daemon if not specified
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = "http://127.0.0.1:8080/api" // Default local daemon
	}

	apiClient := newAPIClient(apiUrl, f.APITimeout)
	ctx := context.Background()
	if !apiClient.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'noctua run'", apiUrl)
	}

	if err := apiClient.Abort(ctx, f.Reason); err != nil {
		return err
	}
	fmt.Println("Abort requested. The run will settle and be reported as aborted.")
	return nil
}
