// Package testutil provides testing utilities for the image loading
// engine.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockImageResponse defines the behavior of a mock origin for one image
// path.
type MockImageResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockOrigin is a configurable mock image server for testing. It counts
// requests so tests can assert how many fetches actually happened.
type MockOrigin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount int
	PathCounts   map[string]int
}

// NewMockOrigin creates a new mock image origin server.
func NewMockOrigin() *MockOrigin {
	mock := &MockOrigin{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockOrigin) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
}

// GetRequestCount returns the total number of requests served.
func (m *MockOrigin) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests for a specific path.
func (m *MockOrigin) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// SetHandler sets a custom handler for a specific path.
func (m *MockOrigin) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockOrigin) SetResponse(path string, resp MockImageResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetFailures makes a path fail with the given status for the first n
// requests, then succeed with a default image envelope. Used to exercise
// retry behavior.
func (m *MockOrigin) SetFailures(path string, n int, statusCode int) {
	var mu sync.Mutex
	count := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		failing := count <= n
		mu.Unlock()

		if failing {
			w.WriteHeader(statusCode)
			fmt.Fprintf(w, `{"error": "injected failure %d"}`, count)
			return
		}
		m.writeImage(w, r.URL.Path)
	})
}

// defaultHandler serves a valid image envelope for any path.
func (m *MockOrigin) defaultHandler(w http.ResponseWriter, r *http.Request) {
	m.writeImage(w, r.URL.Path)
}

// writeImage emits the JSON envelope the image service produces: DICOM
// metadata plus base64 pixel data.
func (m *MockOrigin) writeImage(w http.ResponseWriter, path string) {
	envelope := map[string]any{
		"metadata": map[string]any{
			"study_id":      "mock-study",
			"modality":      "CT",
			"width":         512,
			"height":        512,
			"pixel_spacing": []float64{0.7, 0.7},
		},
		"pixels": []byte("mock pixel data for " + path),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope)
}

// NewImageBody builds a valid image envelope body with the given pixel
// payload, for use with SetResponse.
func NewImageBody(pixels []byte) string {
	envelope := map[string]any{
		"metadata": map[string]any{
			"study_id": "mock-study",
			"modality": "MR",
			"width":    256,
			"height":   256,
		},
		"pixels": pixels,
	}
	data, _ := json.Marshal(envelope)
	return string(data)
}

// NewNotFoundResponse creates a 404 response.
func NewNotFoundResponse() MockImageResponse {
	return MockImageResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "image not found"}`,
	}
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() MockImageResponse {
	return MockImageResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "internal server error"}`,
	}
}

// NewAuthErrorResponse creates a 401 response.
func NewAuthErrorResponse() MockImageResponse {
	return MockImageResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error": "authentication required"}`,
	}
}

// NewCorruptResponse creates a 200 response whose body is not a valid
// image envelope.
func NewCorruptResponse() MockImageResponse {
	return MockImageResponse{
		StatusCode: http.StatusOK,
		Body:       `this is not json {{{`,
	}
}
