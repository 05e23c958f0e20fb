package cloud

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	// DefaultWorkerPort is the port workers serve their status endpoint on.
	DefaultWorkerPort = "8080"
	// NodeStatusPath is the worker liveness endpoint.
	NodeStatusPath = "/nodeStatus"
)

// HTTPProbe checks worker liveness with a GET against the worker's
// nodeStatus endpoint.
type HTTPProbe struct {
	port   string
	client *http.Client
}

// HTTPProbeConfig configures an HTTPProbe.
type HTTPProbeConfig struct {
	// Port the worker listens on (default 8080).
	Port string
	// Timeout per request (default 30s).
	Timeout time.Duration
}

// NewHTTPProbe creates a probe against worker nodeStatus endpoints.
func NewHTTPProbe(cfg HTTPProbeConfig) *HTTPProbe {
	if cfg.Port == "" {
		cfg.Port = DefaultWorkerPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPProbe{
		port:   cfg.Port,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Probe issues one health request against the worker at host.
func (p *HTTPProbe) Probe(ctx context.Context, host string) error {
	url := fmt.Sprintf("http://%s:%s%s", host, p.port, NodeStatusPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

// WaitHealthy polls a probe until the worker answers healthy or the
// window elapses.
func WaitHealthy(ctx context.Context, probe HealthProbe, host string, window time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	return retry.Do(
		func() error { return probe.Probe(ctx, host) },
		retry.Context(ctx),
		retry.Attempts(uint(window.Seconds())),
		retry.Delay(1*time.Second),
	)
}
