package snapshot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestProbe_Take(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"memory":{"rss_bytes":52428800},"goroutines":42}`))
	}))
	defer server.Close()

	probe := NewProbe(ProbeConfig{URL: server.URL, Path: "memory.rss_bytes"}, zap.NewNop())
	snap := probe.Take(context.Background(), "mid-plateau")

	if snap.Unavailable {
		t.Fatalf("Snapshot unavailable: %s", snap.Error)
	}
	if snap.Reading != 52428800 {
		t.Errorf("Reading = %v, want 52428800", snap.Reading)
	}
	if snap.Label != "mid-plateau" {
		t.Errorf("Label = %q, want %q", snap.Label, "mid-plateau")
	}
	if snap.Time.IsZero() {
		t.Error("Snapshot Time is zero")
	}
}

func TestProbe_DefaultPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rss_bytes":1024}`))
	}))
	defer server.Close()

	probe := NewProbe(ProbeConfig{URL: server.URL}, zap.NewNop())
	snap := probe.Take(context.Background(), "start")

	if snap.Unavailable {
		t.Fatalf("Snapshot unavailable: %s", snap.Error)
	}
	if snap.Reading != 1024 {
		t.Errorf("Reading = %v, want 1024", snap.Reading)
	}
}

func TestProbe_SoftFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		path    string
		wantErr string
	}{
		{
			name: "path missing",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"goroutines":42}`))
			},
			path:    "rss_bytes",
			wantErr: "not found",
		},
		{
			name: "non-numeric reading",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"rss_bytes":"high"}`))
			},
			path:    "rss_bytes",
			wantErr: "not numeric",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			path:    "rss_bytes",
			wantErr: "status 500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			probe := NewProbe(ProbeConfig{URL: server.URL, Path: tt.path}, zap.NewNop())
			snap := probe.Take(context.Background(), "cp")

			if !snap.Unavailable {
				t.Fatalf("Snapshot = %+v, want unavailable", snap)
			}
			if !strings.Contains(snap.Error, tt.wantErr) {
				t.Errorf("Error = %q, want substring %q", snap.Error, tt.wantErr)
			}
		})
	}
}

func TestProbe_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	probe := NewProbe(ProbeConfig{URL: url}, zap.NewNop())
	snap := probe.Take(context.Background(), "cp")

	if !snap.Unavailable {
		t.Fatal("Snapshot against a dead collaborator not marked unavailable")
	}
}

func TestProbe_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
		w.Write([]byte(`{"rss_bytes":1}`))
	}))
	defer server.Close()

	probe := NewProbe(ProbeConfig{URL: server.URL, Timeout: 50 * time.Millisecond}, zap.NewNop())

	start := time.Now()
	snap := probe.Take(context.Background(), "cp")

	if !snap.Unavailable {
		t.Fatal("Slow collaborator not marked unavailable")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Probe took %v, timeout not applied", elapsed)
	}
}

func TestProbe_SendsHeaders(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"rss_bytes":1}`))
	}))
	defer server.Close()

	probe := NewProbe(ProbeConfig{
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer token-1"},
	}, zap.NewNop())
	probe.Take(context.Background(), "cp")

	if gotAuth != "Bearer token-1" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "Bearer token-1")
	}
}
