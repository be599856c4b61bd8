// Package api is a thin REST client for the analysis service's control
// surface: camera start/stop/status and AI service availability. Requests
// run through the credential manager's HTTP client, so bearer attachment
// and the refresh-and-retry protocol apply uniformly.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/studiolens/visionchat/capture"
	"github.com/studiolens/visionchat/logger"
)

// ErrServiceUnavailable indicates the AI analysis service is unreachable
// or reports itself as not ready to serve requests.
var ErrServiceUnavailable = errors.New("analysis service unavailable")

// CameraStatus is the server-side camera state.
type CameraStatus struct {
	IsActive  bool `json:"is_active"`
	HasCamera bool `json:"has_camera"`
}

// ServiceStatus describes the AI backend's readiness.
type ServiceStatus struct {
	Status      string `json:"status"`
	ModelName   string `json:"model_name,omitempty"`
	ModelLoaded bool   `json:"model_loaded,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Available reports whether the backend declared itself ready.
func (s ServiceStatus) Available() bool {
	return s.Status == "available"
}

// Client issues control-surface requests against the service base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a control-surface client. httpClient is normally the
// credential manager's client; a nil httpClient falls back to the default
// client for unauthenticated use.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// StartCamera asks the server to begin capturing with the given
// constraints.
func (c *Client) StartCamera(ctx context.Context, constraints capture.Constraints) error {
	body := map[string]int{
		"width":  constraints.Width,
		"height": constraints.Height,
		"fps":    constraints.FPS,
	}
	if err := c.do(ctx, http.MethodPost, "/camera/start", body, nil); err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}
	logger.Debug("server camera started",
		"width", constraints.Width, "height", constraints.Height, "fps", constraints.FPS)
	return nil
}

// StopCamera asks the server to stop capturing.
func (c *Client) StopCamera(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/camera/stop", nil, nil); err != nil {
		return fmt.Errorf("failed to stop camera: %w", err)
	}
	logger.Debug("server camera stopped")
	return nil
}

// CameraStatus fetches the server-side camera state.
func (c *Client) CameraStatus(ctx context.Context) (CameraStatus, error) {
	var status CameraStatus
	if err := c.do(ctx, http.MethodGet, "/camera/status", nil, &status); err != nil {
		return CameraStatus{}, fmt.Errorf("failed to fetch camera status: %w", err)
	}
	return status, nil
}

// ServiceStatus probes the AI backend. It returns ErrServiceUnavailable
// both when the endpoint is unreachable and when the backend reports any
// status other than available; the returned ServiceStatus carries the
// detail in either case.
func (c *Client) ServiceStatus(ctx context.Context) (ServiceStatus, error) {
	var status ServiceStatus
	if err := c.do(ctx, http.MethodGet, "/llm/status", nil, &status); err != nil {
		return ServiceStatus{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if !status.Available() {
		logger.Warn("analysis service not ready", "status", status.Status, "error", status.Error)
		return status, ErrServiceUnavailable
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errorDetail(resp.Body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func errorDetail(r io.Reader) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err != nil || body.Detail == "" {
		return "no detail"
	}
	return body.Detail
}
