package readiness

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const httpCheckTimeout = 5 * time.Second

// HTTPChecker polls a health URL. The check passes on any 2xx response.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker creates a checker for the given health URL.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:    url,
		Client: &http.Client{Timeout: httpCheckTimeout},
	}
}

// NewBackendChecker probes the backend's health endpoint on localhost.
func NewBackendChecker(port int) *HTTPChecker {
	return NewHTTPChecker(fmt.Sprintf("http://localhost:%d/health", port))
}

// NewFrontendChecker probes the frontend dev server's root on localhost.
func NewFrontendChecker(port int) *HTTPChecker {
	return NewHTTPChecker(fmt.Sprintf("http://localhost:%d/", port))
}

// NewAuthChecker probes the auth service's health endpoint on localhost.
func NewAuthChecker(port int) *HTTPChecker {
	return NewHTTPChecker(fmt.Sprintf("http://localhost:%d/health", port))
}

// Check implements Checker.
func (c *HTTPChecker) Check(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		// Connection refused just means the service is not up yet.
		return false, nil
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Wait polls the URL once a second until it passes or the context expires.
func (c *HTTPChecker) Wait(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if ok, _ := c.Check(ctx); ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}
