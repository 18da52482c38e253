package loadgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestResolver_StaticVariables(t *testing.T) {
	r := NewResolver("http://api.local",
		map[string]string{"tenant": "acme", "region": "eu-1"},
		map[string]string{"tenant": "umbrella", "token": "t-123"},
	)
	vals := r.Iteration(1, 1)

	// Scenario variables shadow globals; both spellings resolve.
	got := r.Apply("{{var:tenant}}/{{region}}/{{token}}", vals)
	if got != "umbrella/eu-1/t-123" {
		t.Errorf("Apply() = %q, want %q", got, "umbrella/eu-1/t-123")
	}
}

func TestResolver_DynamicTokens(t *testing.T) {
	r := NewResolver("", nil, nil)
	vals := r.Iteration(3, 7)

	if got := r.Apply("vu={{vu}} iter={{iter}}", vals); got != "vu=3 iter=7" {
		t.Errorf("Apply() = %q, want %q", got, "vu=3 iter=7")
	}

	body := r.Apply(`{"id":"{{uuid}}","ref":"{{uuid}}"}`, vals)
	if strings.Contains(body, "{{") {
		t.Fatalf("Unresolved tokens in %q", body)
	}
	if _, err := uuid.Parse(vals.UUID); err != nil {
		t.Errorf("Iteration UUID %q does not parse: %v", vals.UUID, err)
	}
	// Both occurrences share the iteration's value.
	if strings.Count(body, vals.UUID) != 2 {
		t.Errorf("UUID occurrences differ within one iteration: %q", body)
	}

	// A new iteration binds a new value.
	next := r.Iteration(3, 8)
	if next.UUID == vals.UUID {
		t.Error("Consecutive iterations share a UUID")
	}
}

func TestResolver_ResolveURL(t *testing.T) {
	r := NewResolver("http://api.local/", nil, nil)
	vals := r.Iteration(1, 1)

	tests := []struct {
		in   string
		want string
	}{
		{"/users/{{vu}}", "http://api.local/users/1"},
		{"http://other.host/ping", "http://other.host/ping"},
		{"{{baseUrl}}/health", "http://api.local/health"},
	}

	for _, tt := range tests {
		if got := r.ResolveURL(tt.in, vals); got != tt.want {
			t.Errorf("ResolveURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolver_Passthrough(t *testing.T) {
	r := NewResolver("http://api.local", map[string]string{"k": "v"}, nil)
	vals := r.Iteration(1, 1)

	const plain = `{"payload":"no tokens here"}`
	if got := r.Apply(plain, vals); got != plain {
		t.Errorf("Apply() altered a token-free string: %q", got)
	}
}
