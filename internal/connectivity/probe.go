package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/kimhsiao/fitsync/backend/internal/logging"
)

// ProbeConfig configures an HTTP reachability probe.
type ProbeConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	// Expensive marks the probed link as metered.
	Expensive bool
}

// DefaultProbeConfig returns default probe settings.
func DefaultProbeConfig(url string) ProbeConfig {
	return ProbeConfig{
		URL:      url,
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Probe derives reachability from periodic HTTP requests. Any response
// below 500 counts as online.
type Probe struct {
	*Manual
	config ProbeConfig
	client *http.Client
}

// NewProbe creates a probe that starts offline until the first check.
func NewProbe(config ProbeConfig) *Probe {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Probe{
		Manual: NewManual(false),
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Check runs one probe and updates the state.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	if online != p.IsOnline() {
		logging.Info("Connectivity changed", map[string]interface{}{
			"online": online,
			"url":    p.config.URL,
		})
	}
	p.Set(online, p.config.Expensive)
	return online
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.config.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes until ctx is done.
func (p *Probe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
