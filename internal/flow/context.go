// Package flow provides the run context, flow registry, and flow validator
// for the dialogue orchestration engine.
package flow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RunContext is the typed key/value bag scoped to one flow run. It supports
// dotted-path reads and writes ("order.items.count") and serializes to JSON
// between turns. Executors never hold a reference to it; they return outputs
// and the engine merges them, which keeps retries safe.
type RunContext struct {
	data map[string]any
}

// NewRunContext creates a run context seeded from a persisted snapshot. A nil
// snapshot yields an empty context.
func NewRunContext(snapshot map[string]any) *RunContext {
	if snapshot == nil {
		return &RunContext{data: make(map[string]any)}
	}
	return &RunContext{data: deepCopyMap(snapshot)}
}

// Get resolves a dotted path. The second return reports whether the full path
// existed.
func (c *RunContext) Get(path string) (any, bool) {
	cur := any(c.data)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString resolves a dotted path and stringifies scalar values. Missing
// paths return the empty string.
func (c *RunContext) GetString(path string) string {
	v, ok := c.Get(path)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; render integers without decimals.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// Set writes a value at a dotted path, creating intermediate maps as needed.
// An intermediate non-map value is replaced by a map.
func (c *RunContext) Set(path string, value any) {
	segs := strings.Split(path, ".")
	m := c.data
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[seg] = next
		}
		m = next
	}
	m[segs[len(segs)-1]] = value
}

// Merge writes a set of outputs under the given dotted path. An empty path
// merges each output key at the top level.
func (c *RunContext) Merge(path string, outputs map[string]any) {
	if len(outputs) == 0 {
		return
	}
	if path == "" {
		for k, v := range outputs {
			c.Set(k, v)
		}
		return
	}
	for k, v := range outputs {
		c.Set(path+"."+k, v)
	}
}

// Delete removes a dotted path if present.
func (c *RunContext) Delete(path string) {
	segs := strings.Split(path, ".")
	m := c.data
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, segs[len(segs)-1])
}

// Snapshot returns a deep copy of the context suitable for persistence. The
// copy is independent of later mutation.
func (c *RunContext) Snapshot() map[string]any {
	return deepCopyMap(c.data)
}

// Interpolate replaces {{path}} placeholders in a template with the string
// value of the corresponding context path. Unknown paths render empty.
func (c *RunContext) Interpolate(template string) string {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:start])
		path := strings.TrimSpace(rest[start+2 : start+end])
		b.WriteString(c.GetString(path))
		rest = rest[start+end+2:]
	}
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return v
	}
}
