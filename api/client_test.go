package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiolens/visionchat/capture"
)

func TestClient_StartCamera(t *testing.T) {
	var got map[string]int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/camera/start", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	err := c.StartCamera(context.Background(), capture.Constraints{Width: 640, Height: 480, FPS: 15})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"width": 640, "height": 480, "fps": 15}, got)
}

func TestClient_StartCameraFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "no device"})
	}))
	defer srv.Close()

	err := NewClient(srv.URL, nil).StartCamera(context.Background(), capture.DefaultConstraints())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no device")
}

func TestClient_StopCamera(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL, nil).StopCamera(context.Background()))
	assert.Equal(t, "/camera/stop", path)
}

func TestClient_CameraStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"is_active": true, "has_camera": true})
	}))
	defer srv.Close()

	status, err := NewClient(srv.URL, nil).CameraStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsActive)
	assert.True(t, status.HasCamera)
}

func TestClient_ServiceStatusAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "available", "model_name": "llava", "model_loaded": true,
		})
	}))
	defer srv.Close()

	status, err := NewClient(srv.URL, nil).ServiceStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Available())
	assert.Equal(t, "llava", status.ModelName)
}

func TestClient_ServiceStatusNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "unavailable", "error": "model not loaded",
		})
	}))
	defer srv.Close()

	status, err := NewClient(srv.URL, nil).ServiceStatus(context.Background())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	// The detail is still reported alongside the sentinel.
	assert.Equal(t, "model not loaded", status.Error)
}

func TestClient_ServiceStatusUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewClient(srv.URL, nil).ServiceStatus(context.Background())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}
