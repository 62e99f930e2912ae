// Package health decides when the backend is ready by polling its health
// endpoint.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loykin/sidecar/internal/metrics"
)

const (
	DefaultStartupTimeout = 60 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultRequestTimeout = 2 * time.Second
)

// Human-readable phases sent as sidecar-status payloads.
const (
	StatusStarting         = "starting"
	StatusLoadingModules   = "loading modules"
	StatusInitializingData = "initializing data"
	StatusAlmostReady      = "almost ready"
	StatusReady            = "ready"
	StatusTimeout          = "timeout"
	StatusStartupFailed    = "startup failed"
)

// milestones maps a poll count to the status reported when it is reached.
var milestones = map[int]string{
	4:  StatusLoadingModules,
	10: StatusInitializingData,
	20: StatusAlmostReady,
}

func HealthURL(port int) string { return fmt.Sprintf("http://127.0.0.1:%d/health", port) }
func APIURL(port int) string    { return fmt.Sprintf("http://127.0.0.1:%d/api", port) }
func WSURL(port int) string     { return fmt.Sprintf("ws://127.0.0.1:%d/api", port) }

// Probe issues a single GET to url and reports whether it answered 200
// within timeout. A nil client uses http.DefaultClient.
func Probe(ctx context.Context, client *http.Client, url string, timeout time.Duration) bool {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		metrics.IncHealthProbe("error")
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		metrics.IncHealthProbe("error")
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.IncHealthProbe("unhealthy")
		return false
	}
	metrics.IncHealthProbe("ok")
	return true
}
