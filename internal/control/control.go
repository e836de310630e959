// Package control implements the control-socket protocol SPEC_FULL.md §6
// adds for cmd/meshd's status/reload/stop subcommands: a small HTTP API
// served over a unix socket, in the same style as doublezerod's
// runtime.Run (internal/runtime/run.go) and manager/http.go — JSON
// request/response bodies, GET /status and POST /reload, POST /stop.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/secsecsec/meshd/internal/meshnode"
)

// simpleResult mirrors doublezerod's {"status": "ok"|"error", ...} body.
type simpleResult struct {
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}

// Serve listens on sockPath and serves the control API until ctx is
// cancelled. It removes any stale socket file left over from a previous
// run before binding, the same precaution doublezerod's sock-file flag
// implies.
func Serve(ctx context.Context, sockPath string) error {
	_ = os.Remove(sockPath)

	lis, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", sockPath, err)
	}
	if err := os.Chmod(sockPath, 0o666); err != nil {
		slog.Warn("control: chmod socket failed", "path", sockPath, "error", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", serveStatus)
	mux.HandleFunc("POST /reload", serveReload)
	mux.HandleFunc("POST /stop", serveStop)

	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = os.Remove(sockPath)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control: serve: %w", err)
		}
		return nil
	}
}

func serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	st, ok := meshnode.CurrentStatus()
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(simpleResult{Status: "error", Description: "daemon not ready"})
		return
	}
	_ = json.NewEncoder(w).Encode(st)
}

func serveReload(w http.ResponseWriter, _ *http.Request) {
	meshnode.RequestReload()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(simpleResult{Status: "ok"})
}

func serveStop(w http.ResponseWriter, _ *http.Request) {
	meshnode.RequestStop()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(simpleResult{Status: "ok"})
}

// Client talks to a running daemon's control socket.
type Client struct {
	httpClient *http.Client
}

// NewClient returns a Client dialing sockPath over a unix socket for
// every request.
func NewClient(sockPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sockPath)
				},
			},
			Timeout: 5 * time.Second,
		},
	}
}

// Status fetches GET /status and decodes it into a meshnode.Status.
func (c *Client) Status(ctx context.Context) (meshnode.Status, error) {
	var st meshnode.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://meshd/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return st, fmt.Errorf("control: status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("control: status request returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("control: decode status: %w", err)
	}
	return st, nil
}

// Reload sends POST /reload.
func (c *Client) Reload(ctx context.Context) error {
	return c.post(ctx, "/reload")
}

// Stop sends POST /stop.
func (c *Client) Stop(ctx context.Context) error {
	return c.post(ctx, "/stop")
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://meshd"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control: %s: %w", path, err)
	}
	defer resp.Body.Close()
	var res simpleResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("control: decode %s response: %w", path, err)
	}
	if res.Status != "ok" {
		return fmt.Errorf("control: %s failed: %s", path, res.Description)
	}
	return nil
}
