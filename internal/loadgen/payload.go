package loadgen

import (
	"math/rand"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Resolver substitutes {{placeholder}} tokens in request templates.
// Static variables come from the run configuration; dynamic tokens are
// bound fresh for every iteration:
//
//	{{baseUrl}}   the configured base URL
//	{{vu}}        the VU id
//	{{iter}}      the iteration number
//	{{uuid}}      a fresh UUID, one per iteration
//	{{rand_int}}  a random non-negative int64, one per iteration
//	{{var:name}}  a configured variable (the bare {{name}} form also works)
type Resolver struct {
	baseURL string
	vars    map[string]string
}

// NewResolver merges global and scenario variables; scenario values shadow
// globals of the same name.
func NewResolver(baseURL string, globals, locals map[string]string) *Resolver {
	vars := make(map[string]string, len(globals)+len(locals))
	for k, v := range globals {
		vars[k] = v
	}
	for k, v := range locals {
		vars[k] = v
	}
	return &Resolver{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		vars:    vars,
	}
}

// Values binds the dynamic tokens for one iteration. Every occurrence of
// {{uuid}} within the same iteration resolves to the same value, so a
// correlation id can appear in both the URL and the body.
type Values struct {
	VU        int
	Iteration int64
	UUID      string
	RandInt   int64
}

// Iteration binds fresh dynamic values for one iteration.
func (r *Resolver) Iteration(vu int, iter int64) Values {
	return Values{
		VU:        vu,
		Iteration: iter,
		UUID:      uuid.NewString(),
		RandInt:   rand.Int63(),
	}
}

// Apply resolves every token in s.
func (r *Resolver) Apply(s string, v Values) string {
	if !strings.Contains(s, "{{") {
		return s
	}

	out := s
	out = strings.ReplaceAll(out, "{{baseUrl}}", r.baseURL)
	out = strings.ReplaceAll(out, "{{vu}}", strconv.Itoa(v.VU))
	out = strings.ReplaceAll(out, "{{iter}}", strconv.FormatInt(v.Iteration, 10))
	out = strings.ReplaceAll(out, "{{uuid}}", v.UUID)
	out = strings.ReplaceAll(out, "{{rand_int}}", strconv.FormatInt(v.RandInt, 10))
	for key, value := range r.vars {
		out = strings.ReplaceAll(out, "{{var:"+key+"}}", value)
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}

// ResolveURL applies tokens and prefixes relative paths with the base URL.
func (r *Resolver) ResolveURL(s string, v Values) string {
	out := r.Apply(s, v)
	if r.baseURL != "" && strings.HasPrefix(out, "/") {
		return r.baseURL + out
	}
	return out
}
