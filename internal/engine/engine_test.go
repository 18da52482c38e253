// Package engine integration tests drive full runs against local test
// servers.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mangonel/internal/config"
	"mangonel/internal/metrics"
	"mangonel/internal/verdict"
)

// Test server behaviors.
type serverType int

const (
	serverNormal serverType = iota
	serverError
	serverSlow
)

func createTestServer(st serverType) *httptest.Server {
	var requestCount atomic.Int64

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)

		switch st {
		case serverNormal:
			time.Sleep(2 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok","request":%d}`, count)

		case serverError:
			time.Sleep(2 * time.Millisecond)
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"server error"}`))

		case serverSlow:
			time.Sleep(300 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok","slow":true}`))
		}
	}))
}

// snapshotServer is a resource collaborator returning rss_bytes readings.
// With grow set, every reading comes back higher than the last.
func snapshotServer(grow bool) *httptest.Server {
	var hits atomic.Int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		reading := int64(50_000_000)
		if grow {
			reading += n * 10_000_000
		}
		fmt.Fprintf(w, `{"rss_bytes":%d,"goroutines":12}`, reading)
	}))
}

func testConfig(url string, stages []config.Stage) *config.Config {
	return &config.Config{
		Name: "integration",
		Settings: config.Settings{
			ControlTick:  config.Duration(20 * time.Millisecond),
			Timeout:      config.Duration(2 * time.Second),
			GracefulStop: config.Duration(2 * time.Second),
		},
		Scenarios: map[string]*config.Scenario{
			"main": {
				Stages:  stages,
				Request: config.RequestSpec{Method: "GET", URL: url},
			},
		},
	}
}

func rampAndHold(target int, hold time.Duration) []config.Stage {
	return []config.Stage{
		{Duration: config.Duration(50 * time.Millisecond), Target: target, Name: "ramp"},
		{Duration: config.Duration(hold), Target: target, Name: "hold"},
		{Duration: config.Duration(50 * time.Millisecond), Target: 0, Name: "drain"},
	}
}

func TestEngine_HealthyRun(t *testing.T) {
	server := createTestServer(serverNormal)
	defer server.Close()

	cfg := testConfig(server.URL, rampAndHold(2, 300*time.Millisecond))
	cfg.Thresholds = []string{"failure_rate < 0.1", "p95 < 2s"}

	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := eng.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, summary)

	assert.Equal(t, "integration", summary.Name)
	assert.True(t, summary.Metrics.Total > 0, "should have issued requests")
	assert.True(t, summary.Metrics.RPS > 0, "should have computed RPS")
	assert.True(t, summary.Metrics.Latency.P95 > 0, "should have latency data")
	assert.Equal(t, verdict.ResultPass, summary.Verdict.Result)
	assert.Equal(t, verdict.BottleneckNone, summary.Verdict.Bottleneck)
	assert.True(t, summary.Passed())
	assert.Len(t, summary.Rules, 2)
	assert.Empty(t, summary.Breaches)

	require.Len(t, summary.Scenarios, 1)
	assert.Equal(t, "main", summary.Scenarios[0].Name)
	assert.Equal(t, 2, summary.Scenarios[0].MaxTarget)
	assert.True(t, summary.Scenarios[0].Requests > 0, "scenario should have recorded requests")
	assert.Empty(t, summary.Scenarios[0].Error)

	require.NotEmpty(t, summary.Phases)
	assert.Equal(t, metrics.PhaseDone, summary.Phases[len(summary.Phases)-1].Phase)
	assert.Equal(t, 0, summary.Metrics.ActiveVUs, "all VUs should have drained")

	require.NotEmpty(t, summary.PhaseBreakdown, "closed intervals should roll up per phase")
	var phased int64
	for _, ph := range summary.PhaseBreakdown {
		phased += ph.Requests
	}
	assert.Equal(t, summary.Metrics.Total, phased, "the breakdown should account for every request")

	t.Logf("healthy run: requests=%d rps=%.1f p95=%v",
		summary.Metrics.Total, summary.Metrics.RPS, summary.Metrics.Latency.P95)
}

func TestEngine_FailingRun(t *testing.T) {
	server := createTestServer(serverError)
	defer server.Close()

	cfg := testConfig(server.URL, rampAndHold(2, 400*time.Millisecond))
	cfg.Thresholds = []string{"failure_rate < 0.02"}

	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	summary, err := eng.Run(context.Background())
	require.NoError(t, err, "an all-500 target is a verdict failure, not a run error")
	require.NotNil(t, summary)

	assert.Equal(t, verdict.ResultFail, summary.Verdict.Result)
	assert.Equal(t, verdict.BottleneckCapacity, summary.Verdict.Bottleneck)
	assert.NotEmpty(t, summary.Verdict.Reasons)
	require.NotEmpty(t, summary.Breaches)
	assert.Equal(t, "failure_rate", summary.Breaches[0].Metric)

	require.NotNil(t, summary.Verdict.FirstBottleneck)
	assert.True(t, summary.Verdict.FirstBottleneck.Population >= 1,
		"first breach should carry the live population")

	assert.True(t, summary.Metrics.Server5xx > 0)
	assert.InDelta(t, 1.0, summary.Metrics.FailureRate, 0.001)
}

func TestEngine_SnapshotsStable(t *testing.T) {
	server := createTestServer(serverNormal)
	defer server.Close()
	collab := snapshotServer(false)
	defer collab.Close()

	cfg := testConfig(server.URL, rampAndHold(2, 300*time.Millisecond))
	cfg.Snapshot = &config.SnapshotTarget{URL: collab.URL}
	cfg.Checkpoints = []config.Checkpoint{
		{Label: "early", At: config.Duration(60 * time.Millisecond)},
		{Label: "mid", At: config.Duration(150 * time.Millisecond)},
		{Label: "final", AtEnd: true},
	}

	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	summary, err := eng.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Snapshots, 3)
	for _, snap := range summary.Snapshots {
		assert.False(t, snap.Unavailable, "collaborator was up, snapshot %q should be available", snap.Label)
		assert.True(t, snap.Reading > 0)
	}
	assert.Equal(t, "early", summary.Snapshots[0].Label)
	assert.Equal(t, "final", summary.Snapshots[2].Label)
	assert.True(t, summary.Snapshots[2].AtEnd)

	assert.Equal(t, verdict.ResultPass, summary.Verdict.Result, "flat readings are not a leak")
}

func TestEngine_SnapshotsLeak(t *testing.T) {
	server := createTestServer(serverNormal)
	defer server.Close()
	collab := snapshotServer(true)
	defer collab.Close()

	cfg := testConfig(server.URL, rampAndHold(2, 300*time.Millisecond))
	cfg.Snapshot = &config.SnapshotTarget{URL: collab.URL}
	cfg.Checkpoints = []config.Checkpoint{
		{Label: "early", At: config.Duration(60 * time.Millisecond)},
		{Label: "mid", At: config.Duration(150 * time.Millisecond)},
		{Label: "final", AtEnd: true},
	}

	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	summary, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, verdict.ResultFail, summary.Verdict.Result, "strictly rising readings are a leak")
	assert.Equal(t, verdict.BottleneckCapacity, summary.Verdict.Bottleneck)
	assert.Nil(t, summary.Verdict.FirstBottleneck, "leak-only failure has no breach evidence")
}

func TestEngine_SnapshotCollaboratorDown(t *testing.T) {
	server := createTestServer(serverNormal)
	defer server.Close()
	collab := snapshotServer(false)
	collabURL := collab.URL
	collab.Close()

	cfg := testConfig(server.URL, rampAndHold(1, 200*time.Millisecond))
	cfg.Snapshot = &config.SnapshotTarget{URL: collabURL, Timeout: config.Duration(100 * time.Millisecond)}
	cfg.Checkpoints = []config.Checkpoint{
		{Label: "early", At: config.Duration(50 * time.Millisecond)},
		{Label: "final", AtEnd: true},
	}

	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	summary, err := eng.Run(context.Background())
	require.NoError(t, err, "snapshot failures are soft")

	require.Len(t, summary.Snapshots, 2)
	for _, snap := range summary.Snapshots {
		assert.True(t, snap.Unavailable)
		assert.NotEmpty(t, snap.Error)
	}
	assert.Equal(t, verdict.ResultPass, summary.Verdict.Result)
}

func TestEngine_RunTimeout(t *testing.T) {
	server := createTestServer(serverNormal)
	defer server.Close()

	cfg := testConfig(server.URL, []config.Stage{
		{Duration: config.Duration(30 * time.Second), Target: 2},
	})
	cfg.Settings.RunTimeout = config.Duration(300 * time.Millisecond)
	cfg.Settings.GracefulStop = config.Duration(time.Second)

	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	start := time.Now()
	summary, err := eng.Run(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err, "run timeout surfaces as a scenario error")
	require.NotNil(t, summary, "summary is still produced on a forced stop")
	assert.NotEmpty(t, summary.Error)
	assert.True(t, elapsed < 10*time.Second, "forced stop took %v", elapsed)
	assert.Equal(t, 0, summary.Metrics.ActiveVUs, "workers should be gone after the forced stop")

	require.Len(t, summary.Scenarios, 1)
	assert.NotEmpty(t, summary.Scenarios[0].Error)
}

func TestEngine_GracefulStopExpiry(t *testing.T) {
	server := createTestServer(serverSlow)
	defer server.Close()

	// Responses take 300ms; the curve ends after 190ms and the graceful
	// window closes 50ms later, so the last request is still in flight
	// when the stop window expires.
	cfg := testConfig(server.URL, []config.Stage{
		{Duration: config.Duration(40 * time.Millisecond), Target: 1, Name: "ramp"},
		{Duration: config.Duration(150 * time.Millisecond), Target: 1, Name: "hold"},
	})
	cfg.Settings.Timeout = config.Duration(5 * time.Second)
	cfg.Settings.GracefulStop = config.Duration(50 * time.Millisecond)

	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	start := time.Now()
	summary, err := eng.Run(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err, "a straggler past the graceful window is not a run error")
	require.NotNil(t, summary)

	assert.True(t, elapsed < 2*time.Second,
		"force stop should abort the straggler, not wait out its timeout (took %v)", elapsed)
	assert.Equal(t, 0, summary.Metrics.ActiveVUs,
		"stragglers must be joined before the aggregate freezes")
	assert.True(t, summary.Metrics.Total >= 1,
		"the aborted in-flight request should still be recorded")
	assert.True(t, summary.Metrics.Failed >= 1,
		"an aborted request counts as a failure")
}

func TestEngine_MultiScenario(t *testing.T) {
	server := createTestServer(serverNormal)
	defer server.Close()

	cfg := testConfig(server.URL, rampAndHold(2, 400*time.Millisecond))
	cfg.Scenarios["secondary"] = &config.Scenario{
		Stages: []config.Stage{
			{Duration: config.Duration(150 * time.Millisecond), Target: 1},
		},
		Request: config.RequestSpec{Method: "GET", URL: server.URL + "/secondary"},
	}

	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	summary, err := eng.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Scenarios, 2)
	assert.Equal(t, "main", summary.Scenarios[0].Name, "reports are in name order")
	assert.Equal(t, "secondary", summary.Scenarios[1].Name)
	for _, report := range summary.Scenarios {
		assert.True(t, report.Requests > 0, "scenario %s should have recorded requests", report.Name)
	}

	counts := summary.Metrics.ScenarioCounts
	assert.Equal(t, summary.Metrics.Total, counts["main"]+counts["secondary"])
}

func TestEngine_BudgetCap(t *testing.T) {
	server := createTestServer(serverNormal)
	defer server.Close()

	cfg := testConfig(server.URL, rampAndHold(5, 300*time.Millisecond))
	cfg.Settings.MaxVUs = 2

	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	summary, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.Metrics.PeakVUs <= 2,
		"peak population %d exceeded the global cap", summary.Metrics.PeakVUs)
}

func TestEngine_RunOnce(t *testing.T) {
	server := createTestServer(serverNormal)
	defer server.Close()

	cfg := testConfig(server.URL, rampAndHold(1, 100*time.Millisecond))
	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = eng.Run(context.Background())
	require.NoError(t, err)

	_, err = eng.Run(context.Background())
	require.Error(t, err, "a second run on the same engine must be rejected")
}

func TestEngine_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"no scenarios", func(c *config.Config) { c.Scenarios = nil }},
		{"bad threshold metric", func(c *config.Config) { c.Thresholds = []string{"avg < 10"} }},
		{"bad threshold limit", func(c *config.Config) { c.Thresholds = []string{"p95 < fast"} }},
		{"negative stage duration", func(c *config.Config) {
			c.Scenarios["main"].Stages[0].Duration = config.Duration(-time.Second)
		}},
		{"checkpoints without collaborator", func(c *config.Config) {
			c.Checkpoints = []config.Checkpoint{{Label: "x", At: config.Duration(time.Second)}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://localhost:1", rampAndHold(1, time.Second))
			tt.mutate(cfg)

			_, err := New(cfg, zap.NewNop())
			require.Error(t, err)
		})
	}
}

func TestEngine_ViewAndProgress(t *testing.T) {
	server := createTestServer(serverNormal)
	defer server.Close()

	cfg := testConfig(server.URL, rampAndHold(1, 150*time.Millisecond))
	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	_, ok := eng.View()
	assert.False(t, ok, "no aggregate exists before the run starts")
	assert.Empty(t, eng.Progress())

	summary, err := eng.Run(context.Background())
	require.NoError(t, err)

	w, ok := eng.View()
	assert.True(t, ok)
	assert.Equal(t, summary.Metrics.Total, w.Total)

	progress := eng.Progress()
	require.Len(t, progress, 1)
	assert.Equal(t, "main", progress[0].Scenario)
	assert.Equal(t, 0, progress[0].ActiveVUs)
}
