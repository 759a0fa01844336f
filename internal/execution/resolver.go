package execution

import (
	"strconv"
	"strings"

	"github.com/agentspilot/orchestrator/pkg/schema"
)

// Resolver resolves a single reference. Context implements it.
type Resolver interface {
	Resolve(ref string) (any, error)
}

type segment struct {
	key      string
	index    int
	isIndex  bool
	optional bool
}

// parsePath splits "step1.data.items[0].email" into segments. Keys may also be
// quoted inside brackets (items["a.b"]) and any segment may end in "?" to mark
// it optional.
func parsePath(ref string) ([]segment, error) {
	var segs []segment
	i := 0
	n := len(ref)
	expectKey := true
	for i < n {
		switch c := ref[i]; {
		case c == '.':
			if expectKey {
				return nil, malformed(ref, "empty segment")
			}
			expectKey = true
			i++
		case c == '[':
			if len(segs) == 0 {
				return nil, malformed(ref, "index before first segment")
			}
			end := strings.IndexByte(ref[i:], ']')
			if end < 0 {
				return nil, malformed(ref, "unclosed '['")
			}
			inner := strings.TrimSpace(ref[i+1 : i+end])
			i += end + 1
			seg := segment{}
			if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0] {
				seg.key = inner[1 : len(inner)-1]
			} else {
				idx, err := strconv.Atoi(inner)
				if err != nil || idx < 0 {
					return nil, malformed(ref, "index must be a non-negative integer or a quoted key")
				}
				seg.index, seg.isIndex = idx, true
			}
			if i < n && ref[i] == '?' {
				seg.optional = true
				i++
			}
			segs = append(segs, seg)
			expectKey = false
		default:
			if !expectKey {
				return nil, malformed(ref, "expected '.' or '['")
			}
			start := i
			for i < n && isKeyChar(ref[i]) {
				i++
			}
			if start == i {
				return nil, malformed(ref, "unexpected character "+strconv.QuoteRune(rune(ref[i])))
			}
			seg := segment{key: ref[start:i]}
			if i < n && ref[i] == '?' {
				seg.optional = true
				i++
			}
			segs = append(segs, seg)
			expectKey = false
		}
	}
	if len(segs) == 0 || expectKey {
		return nil, malformed(ref, "empty reference")
	}
	return segs, nil
}

func isKeyChar(c byte) bool {
	return c == '_' || c == '-' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func malformed(ref, reason string) error {
	return schema.NewErrorf(schema.ErrCodeInvalidReference, "malformed reference %q: %s", ref, reason)
}

// TrimBraces strips an enclosing {{ }} pair and surrounding whitespace.
func TrimBraces(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "{{") && strings.HasSuffix(ref, "}}") {
		ref = strings.TrimSpace(ref[2 : len(ref)-2])
	}
	return ref
}

// Resolve looks up a reference such as step1.data.items[0].email, input.id or
// var.counter. The result is a deep copy.
func (c *Context) Resolve(ref string) (any, error) {
	ref = TrimBraces(ref)
	segs, err := parsePath(ref)
	if err != nil {
		return nil, err
	}
	root := segs[0]
	if root.isIndex {
		return nil, malformed(ref, "reference must start with a name")
	}

	var base any
	rest := segs[1:]
	switch root.key {
	case NamespaceInput:
		base = c.inputs
	case NamespaceVar:
		if len(rest) == 0 {
			return c.Variables(), nil
		}
		v, ok := c.lookupVariable(rest[0].key)
		if !ok || rest[0].isIndex {
			if rest[0].optional {
				return nil, nil
			}
			return nil, notFound(ref, rest[0])
		}
		base, rest = v, rest[1:]
	case NamespaceCurrent:
		v, ok := c.lookupCurrent()
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidReference,
				"reference %q uses %q outside a per-item scope", ref, NamespaceCurrent)
		}
		base = v
	default:
		v, err := c.stepValue(ref, root.key, rest)
		if err != nil {
			return nil, err
		}
		if len(rest) > 0 && isOutputField(rest[0].key) && !rest[0].isIndex {
			m := v.(map[string]any)
			base, rest = m[rest[0].key], rest[1:]
		} else {
			base = v.(map[string]any)["data"]
		}
	}

	val, err := navigate(ref, base, rest)
	if err != nil {
		return nil, err
	}
	return deepCopyAny(val), nil
}

func isOutputField(k string) bool {
	return k == "data" || k == "success" || k == "error" || k == "metadata"
}

func (c *Context) stepValue(ref, stepID string, rest []segment) (any, error) {
	out, ok := c.Output(stepID)
	if !ok {
		for s := c; s != nil; s = s.parent {
			if s.unavailable[stepID] {
				return nil, schema.NewErrorf(schema.ErrCodeDataUnavailable,
					"reference %q: output of step %s is not available after resume", ref, stepID).WithStep(stepID)
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepNotYetExecuted,
			"reference %q: step %s has not executed yet", ref, stepID).WithStep(stepID)
	}
	meta := map[string]any{
		"durationMs": out.Metadata.DurationMs,
		"attempts":   out.Metadata.Attempts,
		"tokensUsed": out.Metadata.TokensUsed,
		"fallback":   out.Metadata.Fallback,
	}
	if out.Metadata.ItemCount != nil {
		meta["itemCount"] = *out.Metadata.ItemCount
	}
	var errVal any
	if out.Metadata.Error != "" {
		errVal = out.Metadata.Error
	}
	return map[string]any{
		"data":     out.Data,
		"success":  out.Metadata.Success,
		"error":    errVal,
		"metadata": meta,
	}, nil
}

func (c *Context) lookupVariable(name string) (any, bool) {
	for s := c; s != nil; s = s.parent {
		if v, ok := s.variables[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (c *Context) lookupCurrent() (any, bool) {
	for s := c; s != nil; s = s.parent {
		if s.hasCurrent {
			return s.current, true
		}
	}
	return nil, false
}

func navigate(ref string, cur any, segs []segment) (any, error) {
	for i, seg := range segs {
		if cur == nil {
			if seg.optional || (i > 0 && segs[i-1].optional) {
				return nil, nil
			}
			return nil, notFound(ref, seg)
		}
		next, ok := step(cur, seg)
		if !ok {
			if seg.optional {
				return nil, nil
			}
			return nil, notFound(ref, seg)
		}
		cur = next
	}
	return cur, nil
}

func step(cur any, seg segment) (any, bool) {
	if seg.isIndex {
		arr, ok := cur.([]any)
		if !ok || seg.index >= len(arr) {
			return nil, false
		}
		return arr[seg.index], true
	}
	switch v := cur.(type) {
	case map[string]any:
		val, ok := v[seg.key]
		if !ok && seg.key == "length" {
			return len(v), true
		}
		return val, ok
	case []any:
		if seg.key == "length" {
			return len(v), true
		}
		if idx, err := strconv.Atoi(seg.key); err == nil && idx >= 0 && idx < len(v) {
			return v[idx], true
		}
	case string:
		if seg.key == "length" {
			return len(v), true
		}
	}
	return nil, false
}

func notFound(ref string, seg segment) error {
	name := seg.key
	if seg.isIndex {
		name = "[" + strconv.Itoa(seg.index) + "]"
	}
	return schema.NewErrorf(schema.ErrCodePathNotFound, "reference %q: %s not found", ref, name)
}

// ResolveAll walks maps, slices and strings replacing every {{ref}}. A string
// that is exactly one reference yields the referenced value with its type;
// references embedded in longer strings are stringified.
func (c *Context) ResolveAll(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return c.resolveString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := c.ResolveAll(item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := c.ResolveAll(item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return deepCopyAny(Normalize(val)), nil
	}
}

// ResolveParams resolves a params map.
func (c *Context) ResolveParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out, err := c.ResolveAll(params)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (c *Context) resolveString(s string) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 {
		return c.Resolve(trimmed)
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		v, err := c.Resolve(rest[start : start+end+2])
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(v))
		rest = rest[start+end+2:]
	}
	return b.String(), nil
}

// References returns the distinct step IDs referenced anywhere in v.
func References(v any) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(any)
	walk = func(x any) {
		switch val := x.(type) {
		case string:
			rest := val
			for {
				start := strings.Index(rest, "{{")
				if start < 0 {
					return
				}
				end := strings.Index(rest[start:], "}}")
				if end < 0 {
					return
				}
				segs, err := parsePath(strings.TrimSpace(rest[start+2 : start+end]))
				if err == nil && !segs[0].isIndex {
					id := segs[0].key
					if !IsReservedID(id) && !seen[id] {
						seen[id] = true
						out = append(out, id)
					}
				}
				rest = rest[start+end+2:]
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(v)
	return out
}

// ValidateReference checks reference syntax without resolving it.
func ValidateReference(ref string) error {
	segs, err := parsePath(TrimBraces(ref))
	if err != nil {
		return err
	}
	if segs[0].isIndex {
		return malformed(ref, "reference must start with a name")
	}
	return nil
}
