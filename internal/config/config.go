// Package config defines the run configuration surface for the harness:
// scenarios with staged target curves, failure classification, threshold
// rules, resource-snapshot checkpoints, and global execution settings.
package config

import (
	"time"
)

// Config is the root configuration for one load-test run.
//
// Example YAML:
//
//	name: "checkout soak"
//	settings:
//	  baseUrl: "https://api.example.com"
//	  maxVUs: 300
//	scenarios:
//	  create-orders:
//	    stages:
//	      - duration: 30s
//	        target: 50
//	      - duration: 2m
//	        target: 50
//	    request:
//	      method: POST
//	      url: "{{baseUrl}}/orders"
//	      body: '{"id": "{{uuid}}"}'
//	thresholds:
//	  - "failure_rate < 0.01"
//	  - "p95 < 500ms"
type Config struct {
	// Name of the run (for the summary artifact)
	Name string `json:"name" yaml:"name"`

	// Description of the run (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings contains global execution and HTTP settings
	Settings Settings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Variables are shared substitution variables available to all scenarios
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Scenarios defines the load profiles to run; each runs independently
	Scenarios map[string]*Scenario `json:"scenarios" yaml:"scenarios"`

	// Thresholds are rule expressions evaluated against live aggregates,
	// e.g. "failure_rate < 0.01", "p95 < 500ms", "rate_5xx < 0.05"
	Thresholds []string `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Verdict tunes the pass/fail decision policy
	Verdict VerdictSettings `json:"verdict,omitempty" yaml:"verdict,omitempty"`

	// Snapshot points at the resource-snapshot collaborator (optional)
	Snapshot *SnapshotTarget `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`

	// Checkpoints label the instants at which a resource snapshot is taken
	Checkpoints []Checkpoint `json:"checkpoints,omitempty" yaml:"checkpoints,omitempty"`
}

// Settings contains global execution and HTTP settings.
type Settings struct {
	// BaseURL is the default base URL for request URLs using {{baseUrl}}
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default per-request timeout (default 30s)
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ControlTick is the scheduler and evaluator tick interval (default 100ms)
	ControlTick Duration `json:"controlTick,omitempty" yaml:"controlTick,omitempty"`

	// MaxVUs caps the live VU population across all scenarios (default 500)
	MaxVUs int `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// GracefulStop bounds the drain wait once a scenario's stages are
	// exhausted (default 30s)
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// RunTimeout force-terminates the whole run when exceeded; zero means
	// the run is bounded only by its stage lists plus the graceful stop
	RunTimeout Duration `json:"runTimeout,omitempty" yaml:"runTimeout,omitempty"`

	// MetricsAddr serves live harness metrics over HTTP when set,
	// e.g. ":9090"
	MetricsAddr string `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty"`

	// Failure classifies which outcomes count as failures
	Failure FailureRule `json:"failure,omitempty" yaml:"failure,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// MaxIdleConns caps pooled idle connections (default 1000)
	MaxIdleConns int `json:"maxIdleConns,omitempty" yaml:"maxIdleConns,omitempty"`

	// MaxIdleConnsPerHost caps pooled idle connections per host (default 100)
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`
}

// FailureRule decides which request outcomes count toward failure_rate.
// The zero value counts network errors, timeouts, and status >= 500.
type FailureRule struct {
	// StatusAtOrAbove marks responses with status >= this value as
	// failures (default 500)
	StatusAtOrAbove int `json:"statusAtOrAbove,omitempty" yaml:"statusAtOrAbove,omitempty"`

	// IgnoreNetworkErrors excludes connection-level errors from failures
	IgnoreNetworkErrors bool `json:"ignoreNetworkErrors,omitempty" yaml:"ignoreNetworkErrors,omitempty"`

	// IgnoreTimeouts excludes request timeouts from failures
	IgnoreTimeouts bool `json:"ignoreTimeouts,omitempty" yaml:"ignoreTimeouts,omitempty"`
}

// VerdictSettings tunes the decision policy applied after the run.
type VerdictSettings struct {
	// BurstTicks is how many consecutive breached control ticks of the
	// rate_5xx rule during a steady phase constitute a sustained burst
	// (default 5)
	BurstTicks int `json:"burstTicks,omitempty" yaml:"burstTicks,omitempty"`
}

// Scenario defines one named load profile: a staged target curve plus the
// request each VU iteration issues. Immutable once a run starts.
type Scenario struct {
	// Stages is the ordered piecewise target curve
	Stages []Stage `json:"stages" yaml:"stages"`

	// Request is the request template executed every iteration
	Request RequestSpec `json:"request" yaml:"request"`

	// Think pauses each VU between iterations
	Think *ThinkConfig `json:"think,omitempty" yaml:"think,omitempty"`

	// Timeout overrides the global per-request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxRate caps this scenario's aggregate request rate in requests per
	// second; zero means unlimited
	MaxRate float64 `json:"maxRate,omitempty" yaml:"maxRate,omitempty"`

	// Variables are scenario-local substitution variables; they shadow
	// globals of the same name
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Stage is one segment of a scenario's target curve: hold or ramp the VU
// population toward Target over Duration.
type Stage struct {
	// Duration of this stage
	Duration Duration `json:"duration" yaml:"duration"`

	// Target VU count at the end of this stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional label (for logs and the summary)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// RequestSpec is the request template a VU executes each iteration. URL,
// header values, and body support {{placeholder}} substitution.
type RequestSpec struct {
	Method  string            `json:"method" yaml:"method"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
}

// Think pacing strategies.
const (
	ThinkNone     = "none"
	ThinkConstant = "constant"
	ThinkRandom   = "random"
)

// ThinkConfig controls the pause between VU iterations.
type ThinkConfig struct {
	// Type is the pacing strategy: "none", "constant", "random"
	Type string `json:"type" yaml:"type"`

	// Duration is the wait for constant pacing
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min and Max bound the wait for random pacing
	Min Duration `json:"min,omitempty" yaml:"min,omitempty"`
	Max Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// SnapshotTarget is the external resource-snapshot collaborator.
type SnapshotTarget struct {
	// URL is the collaborator endpoint, read with HTTP GET
	URL string `json:"url" yaml:"url"`

	// Path selects the numeric reading from the JSON response
	// (default "rss_bytes")
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Timeout bounds one probe (default 5s)
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Headers are sent with every probe
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Checkpoint is a labeled instant at which one resource snapshot is taken.
type Checkpoint struct {
	// Label identifies the snapshot in the summary, e.g. "mid-plateau"
	Label string `json:"label" yaml:"label"`

	// At is the run-relative offset of the snapshot
	At Duration `json:"at,omitempty" yaml:"at,omitempty"`

	// AtEnd takes the snapshot when all scenarios have drained instead
	AtEnd bool `json:"atEnd,omitempty" yaml:"atEnd,omitempty"`
}

// Defaults used when the corresponding setting is absent.
const (
	DefaultTimeout             = 30 * time.Second
	DefaultControlTick         = 100 * time.Millisecond
	DefaultMaxVUs              = 500
	DefaultGracefulStop        = 30 * time.Second
	DefaultFailureStatus       = 500
	DefaultBurstTicks          = 5
	DefaultSnapshotPath        = "rss_bytes"
	DefaultSnapshotTimeout     = 5 * time.Second
	DefaultMaxIdleConns        = 1000
	DefaultMaxIdleConnsPerHost = 100
)

// ApplyDefaults fills unset settings with their defaults. Called by Load;
// exposed for configs assembled in code.
func (c *Config) ApplyDefaults() {
	if c.Settings.Timeout == 0 {
		c.Settings.Timeout = Duration(DefaultTimeout)
	}
	if c.Settings.ControlTick == 0 {
		c.Settings.ControlTick = Duration(DefaultControlTick)
	}
	if c.Settings.MaxVUs == 0 {
		c.Settings.MaxVUs = DefaultMaxVUs
	}
	if c.Settings.GracefulStop == 0 {
		c.Settings.GracefulStop = Duration(DefaultGracefulStop)
	}
	if c.Settings.Failure.StatusAtOrAbove == 0 {
		c.Settings.Failure.StatusAtOrAbove = DefaultFailureStatus
	}
	if c.Settings.MaxIdleConns == 0 {
		c.Settings.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.Settings.MaxIdleConnsPerHost == 0 {
		c.Settings.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	if c.Verdict.BurstTicks == 0 {
		c.Verdict.BurstTicks = DefaultBurstTicks
	}
	if c.Snapshot != nil {
		if c.Snapshot.Path == "" {
			c.Snapshot.Path = DefaultSnapshotPath
		}
		if c.Snapshot.Timeout == 0 {
			c.Snapshot.Timeout = Duration(DefaultSnapshotTimeout)
		}
	}
}

// Duration is a time.Duration that marshals to and from strings like "30s"
// in both JSON and YAML.
type Duration time.Duration

// GetDuration returns the duration, or defaultValue if unset.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	if s == "" {
		*d = 0
		return nil
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
