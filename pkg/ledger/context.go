package ledger

import (
	"reflect"
	"time"
)

// traceLimit bounds the trace markers kept on an aggregate.
const traceLimit = 10

// intersectContext keeps the keys of current on which next agrees. A nil
// current means no event has contributed a context yet, so next is adopted.
// Events without a context do not narrow the result.
func intersectContext(current, next map[string]any) map[string]any {
	if next == nil {
		return current
	}
	if current == nil {
		return cloneMap(next)
	}
	out := make(map[string]any, len(current))
	for k, v := range current {
		if other, ok := next[k]; ok && contextValueEqual(v, other) {
			out[k] = v
		}
	}
	return out
}

// contextValueEqual treats two values as equal when they are deeply equal
// or when both are references agreeing on root, service and network.
func contextValueEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if !aok || !bok {
		return false
	}
	for _, k := range []string{"root", "service", "network"} {
		if !reflect.DeepEqual(am[k], bm[k]) {
			return false
		}
	}
	_, hasRoot := am["root"]
	return hasRoot
}

// pushTrace puts marker at the front of trace, removing any earlier
// occurrence and keeping at most traceLimit entries.
func pushTrace(trace []string, marker string) []string {
	if marker == "" {
		return trace
	}
	out := make([]string, 0, traceLimit)
	out = append(out, marker)
	for _, m := range trace {
		if len(out) == traceLimit {
			break
		}
		if m != marker {
			out = append(out, m)
		}
	}
	return out
}

// cloneMap deep-copies JSON-shaped maps so handlers cannot alias stored state.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// normalizeTime stores times in UTC at millisecond precision so the JSON
// form hashed into events and headers is stable across stores.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
