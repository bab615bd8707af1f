// Package cluster defines the wire-level data shapes shared between the
// shard manager and the runners that register with it, plus small HTTP
// helpers used by both sides of that conversation.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RunnerAddress identifies a runner process over the RPC transport. Two
// addresses are equal iff both fields are equal, so RunnerAddress is safe to
// use as a map key.
type RunnerAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String renders the address in host:port form.
func (a RunnerAddress) String() string {
	return a.Host + ":" + strconv.Itoa(a.Port)
}

// RegisterRequest is sent by a runner asking to join the cluster.
type RegisterRequest struct {
	Address RunnerAddress `json:"address"`
	Version int64         `json:"version"`
}

// HeartbeatRequest refreshes a runner's liveness timestamp.
type HeartbeatRequest struct {
	Address RunnerAddress `json:"address"`
}

// UnregisterRequest removes a runner from the cluster.
type UnregisterRequest struct {
	Address RunnerAddress `json:"address"`
}

// Delta describes the shards newly owned and newly removed for one runner
// as the result of a single committed transition. It is the payload pushed
// over a runner's notification stream; the persisted snapshot stores the
// full assignment map rather than deltas.
type Delta struct {
	Added   []int `json:"added"`
	Removed []int `json:"removed"`
}

// IsEmpty reports whether the delta carries no changes.
func (d Delta) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// httpClient is the shared client used for all manager-to-runner and
// runner-to-manager calls. A 5 second timeout bounds hangs against an
// unresponsive peer; callers needing a tighter deadline pass their own
// context.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends a JSON-encoded POST request and decodes the JSON response
// into out. Pass a nil out to ignore the response body.
func PostJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON sends a GET request and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Ping performs a bare liveness check against addr's /health endpoint,
// respecting ctx's deadline.
func Ping(ctx context.Context, addr RunnerAddress) error {
	url := fmt.Sprintf("http://%s/health", addr.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping %s: status %d", addr, resp.StatusCode)
	}
	return nil
}
