package instance

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	address := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// FindAvailablePort finds the next available port starting from startPort.
// Returns 0 if none is free within maxAttempts.
func FindAvailablePort(startPort int) int {
	maxAttempts := 20
	for i := 0; i < maxAttempts; i++ {
		port := startPort + i
		if IsPortAvailable(port) {
			return port
		}
	}
	return 0
}

// HealthCheck hits the exchange's own health endpoint.
// Returns nil if the server is responding.
func HealthCheck(port int) error {
	url := fmt.Sprintf("http://localhost:%d/api/health", port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// SendShutdownRequest asks a running instance to shut down gracefully.
func SendShutdownRequest(port int) error {
	url := fmt.Sprintf("http://localhost:%d/api/shutdown", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("shutdown request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shutdown request returned status %d", resp.StatusCode)
	}
	return nil
}

// WaitForPortToBeAvailable polls the port until it frees up or timeout elapses.
func WaitForPortToBeAvailable(port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if IsPortAvailable(port) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
