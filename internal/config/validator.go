package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError is one configuration fault, located by field path.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors collects every fault found in one pass so a bad config
// is reported whole, not fault-by-fault.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add appends an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors reports whether any error was collected.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// ThresholdMetrics are the metric names a threshold expression may reference.
var ThresholdMetrics = []string{"failure_rate", "rate_5xx", "p50", "p90", "p95", "p99"}

// Validate applies the semantic rules the JSON Schema cannot express:
// duration signs, method and URL shapes, threshold expressions, checkpoint
// and snapshot consistency. Returns nil or a ValidationErrors.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if len(c.Scenarios) == 0 {
		errs.Add("scenarios", "at least one scenario is required")
	}
	for name, sc := range c.Scenarios {
		validateScenario(name, sc, errs)
	}

	for i, expr := range c.Thresholds {
		if err := validateThresholdExpression(expr); err != nil {
			errs.Add(fmt.Sprintf("thresholds[%d]", i), err.Error())
		}
	}

	validateSettings(&c.Settings, errs)

	if c.Verdict.BurstTicks < 0 {
		errs.Add("verdict.burstTicks", "cannot be negative")
	}

	if len(c.Checkpoints) > 0 && c.Snapshot == nil {
		errs.Add("checkpoints", "checkpoints require a snapshot collaborator")
	}
	seen := map[string]bool{}
	for i, cp := range c.Checkpoints {
		prefix := fmt.Sprintf("checkpoints[%d]", i)
		if cp.Label == "" {
			errs.Add(prefix+".label", "label is required")
		} else if seen[cp.Label] {
			errs.Add(prefix+".label", fmt.Sprintf("duplicate checkpoint label: %s", cp.Label))
		}
		seen[cp.Label] = true
		if cp.At < 0 {
			errs.Add(prefix+".at", "offset cannot be negative")
		}
	}

	if c.Snapshot != nil {
		if c.Snapshot.URL == "" {
			errs.Add("snapshot.url", "url is required")
		} else if _, err := url.Parse(c.Snapshot.URL); err != nil {
			errs.Add("snapshot.url", fmt.Sprintf("invalid URL: %v", err))
		}
		if c.Snapshot.Timeout < 0 {
			errs.Add("snapshot.timeout", "cannot be negative")
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateScenario(name string, sc *Scenario, errs *ValidationErrors) {
	prefix := fmt.Sprintf("scenarios.%s", name)

	if sc == nil {
		errs.Add(prefix, "scenario cannot be empty")
		return
	}

	if len(sc.Stages) == 0 {
		errs.Add(prefix+".stages", "at least one stage is required")
	}
	for i, stage := range sc.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		// Zero-duration stages are tolerated here; the scheduler skips
		// them with a warning at run time.
		if stage.Duration < 0 {
			errs.Add(sp+".duration", "duration cannot be negative")
		}
		if stage.Target < 0 {
			errs.Add(sp+".target", "target cannot be negative")
		}
	}

	validateRequest(prefix+".request", &sc.Request, errs)

	if sc.Think != nil {
		validateThink(prefix+".think", sc.Think, errs)
	}
	if sc.Timeout < 0 {
		errs.Add(prefix+".timeout", "cannot be negative")
	}
	if sc.MaxRate < 0 {
		errs.Add(prefix+".maxRate", "cannot be negative")
	}
}

func validateRequest(prefix string, req *RequestSpec, errs *ValidationErrors) {
	validMethods := map[string]bool{
		"GET": true, "POST": true, "PUT": true, "DELETE": true,
		"PATCH": true, "HEAD": true, "OPTIONS": true,
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		errs.Add(prefix+".method", "method is required")
	} else if !validMethods[method] {
		errs.Add(prefix+".method", fmt.Sprintf("invalid HTTP method: %s", req.Method))
	}

	if req.URL == "" {
		errs.Add(prefix+".url", "url is required")
		return
	}

	// Substitute placeholders with innocuous values so the URL shape can
	// still be checked.
	urlToCheck := strings.ReplaceAll(req.URL, "{{baseUrl}}", "http://example.com")
	for strings.Contains(urlToCheck, "{{") {
		start := strings.Index(urlToCheck, "{{")
		end := strings.Index(urlToCheck, "}}")
		if end <= start {
			break
		}
		urlToCheck = urlToCheck[:start] + "placeholder" + urlToCheck[end+2:]
	}
	if _, err := url.Parse(urlToCheck); err != nil {
		errs.Add(prefix+".url", fmt.Sprintf("invalid URL: %v", err))
	}
}

func validateThink(prefix string, tc *ThinkConfig, errs *ValidationErrors) {
	switch tc.Type {
	case "", ThinkNone:
		// No pause; durations ignored.
	case ThinkConstant:
		if tc.Duration <= 0 {
			errs.Add(prefix+".duration", "duration is required for constant think time")
		}
	case ThinkRandom:
		if tc.Min < 0 {
			errs.Add(prefix+".min", "cannot be negative")
		}
		if tc.Max <= 0 {
			errs.Add(prefix+".max", "max is required for random think time")
		}
		if tc.Min > tc.Max {
			errs.Add(prefix, "min must be less than or equal to max")
		}
	default:
		errs.Add(prefix+".type", fmt.Sprintf("invalid think time type: %s", tc.Type))
	}
}

// validateThresholdExpression checks the "<metric> <op> <limit>" shape.
// The evaluator performs the authoritative parse at run start; this keeps
// unknown metrics and malformed limits a load-time failure.
func validateThresholdExpression(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("threshold expression cannot be empty")
	}

	metric := expr
	if i := strings.IndexAny(expr, "<>"); i >= 0 {
		metric = strings.TrimSpace(expr[:i])
	} else {
		return fmt.Errorf("threshold must contain a comparison operator (<, <=, >, >=)")
	}

	known := false
	for _, m := range ThresholdMetrics {
		if metric == m {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown threshold metric %q (valid: %s)", metric, strings.Join(ThresholdMetrics, ", "))
	}

	rest := strings.TrimSpace(expr[strings.IndexAny(expr, "<>"):])
	op := "<"
	for _, candidate := range []string{"<=", ">=", "<", ">"} {
		if strings.HasPrefix(rest, candidate) {
			op = candidate
			break
		}
	}
	limit := strings.TrimSpace(strings.TrimPrefix(rest, op))
	if limit == "" {
		return fmt.Errorf("threshold is missing a limit value")
	}
	if strings.HasSuffix(limit, "ms") || strings.HasSuffix(limit, "s") || strings.HasSuffix(limit, "m") {
		if _, err := time.ParseDuration(limit); err != nil {
			return fmt.Errorf("invalid duration limit %q", limit)
		}
	}
	return nil
}

func validateSettings(s *Settings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		if _, err := url.Parse(s.BaseURL); err != nil {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
		}
	}
	if s.Timeout < 0 {
		errs.Add("settings.timeout", "cannot be negative")
	}
	if s.ControlTick < 0 {
		errs.Add("settings.controlTick", "cannot be negative")
	}
	if s.MaxVUs < 0 {
		errs.Add("settings.maxVUs", "cannot be negative")
	}
	if s.GracefulStop < 0 {
		errs.Add("settings.gracefulStop", "cannot be negative")
	}
	if s.RunTimeout < 0 {
		errs.Add("settings.runTimeout", "cannot be negative")
	}
	if s.Failure.StatusAtOrAbove < 100 || s.Failure.StatusAtOrAbove > 599 {
		errs.Add("settings.failure.statusAtOrAbove", "must be a valid HTTP status code")
	}
	if s.MaxIdleConns < 0 {
		errs.Add("settings.maxIdleConns", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
}
