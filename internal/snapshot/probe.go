// Package snapshot reads a numeric resource reading, such as the target's
// RSS, from an external collaborator at labeled checkpoints during a run.
// Probe failures are soft: the slot is marked unavailable and the run
// continues.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// maxProbeBody bounds how much of a collaborator response is read.
const maxProbeBody = 1 << 20

// Snapshot is one checkpoint reading. Unavailable slots keep their label
// and timing but carry no reading.
type Snapshot struct {
	Label       string        `json:"label"`
	Offset      time.Duration `json:"offset"`
	AtEnd       bool          `json:"atEnd,omitempty"`
	Time        time.Time     `json:"time"`
	Reading     float64       `json:"reading"`
	Unavailable bool          `json:"unavailable,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ProbeConfig points at the collaborator endpoint.
type ProbeConfig struct {
	// URL is read with a plain GET
	URL string

	// Path selects the numeric reading from the JSON response, in gjson
	// syntax, e.g. "memory.rss_bytes"
	Path string

	// Timeout bounds one probe
	Timeout time.Duration

	// Headers are sent with every probe
	Headers map[string]string
}

// Probe reads the collaborator. It keeps its own HTTP client so probe
// traffic never competes with the load client's connection pool.
type Probe struct {
	cfg    ProbeConfig
	client *http.Client
	logger *zap.Logger
}

// NewProbe creates a probe with sane defaults for path and timeout.
func NewProbe(cfg ProbeConfig, logger *zap.Logger) *Probe {
	if cfg.Path == "" {
		cfg.Path = "rss_bytes"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Probe{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Take reads one snapshot. It never fails the run: any error marks the
// slot unavailable and is logged.
func (p *Probe) Take(ctx context.Context, label string) Snapshot {
	snap := Snapshot{Label: label, Time: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return p.unavailable(snap, err)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return p.unavailable(snap, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return p.unavailable(snap, err)
	}
	if resp.StatusCode != http.StatusOK {
		return p.unavailable(snap, fmt.Errorf("collaborator returned status %d", resp.StatusCode))
	}

	result := gjson.GetBytes(body, p.cfg.Path)
	if !result.Exists() {
		return p.unavailable(snap, fmt.Errorf("path %q not found in response", p.cfg.Path))
	}
	if result.Type != gjson.Number {
		return p.unavailable(snap, fmt.Errorf("path %q is not numeric (got %s)", p.cfg.Path, result.Type))
	}

	snap.Reading = result.Float()
	p.logger.Debug("resource snapshot taken",
		zap.String("label", label),
		zap.Float64("reading", snap.Reading),
	)
	return snap
}

func (p *Probe) unavailable(snap Snapshot, err error) Snapshot {
	snap.Unavailable = true
	snap.Error = err.Error()
	p.logger.Warn("resource snapshot unavailable",
		zap.String("label", snap.Label),
		zap.Error(err),
	)
	return snap
}
