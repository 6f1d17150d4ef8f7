// Package envelope holds the opaque JSON-RPC message type the bridge relays.
package envelope

import "encoding/json"

// MetaKey is the only key the bridge itself writes into an envelope.
const MetaKey = "bridge_meta"

// Envelope is one JSON-RPC request, response or notification. The bridge
// treats it as an opaque object.
type Envelope = map[string]any

// Clone returns a deep copy of env. Nested objects and arrays are copied;
// scalar values are shared.
func Clone(env Envelope) Envelope {
	if env == nil {
		return nil
	}
	return cloneValue(env).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Method returns the JSON-RPC method, or "" for responses.
func Method(env Envelope) string {
	m, _ := env["method"].(string)
	return m
}

// ID returns the raw JSON-RPC id and whether one is present.
func ID(env Envelope) (any, bool) {
	id, ok := env["id"]
	return id, ok && id != nil
}

// Kind classifies env as "request", "notification", "response" or "unknown".
func Kind(env Envelope) string {
	_, hasID := ID(env)
	if Method(env) != "" {
		if hasID {
			return "request"
		}
		return "notification"
	}
	if _, ok := env["result"]; ok {
		return "response"
	}
	if _, ok := env["error"]; ok {
		return "response"
	}
	return "unknown"
}

// IDString renders the id for logging.
func IDString(env Envelope) string {
	id, ok := ID(env)
	if !ok {
		return ""
	}
	if s, ok := id.(string); ok {
		return s
	}
	b, err := json.Marshal(id)
	if err != nil {
		return ""
	}
	return string(b)
}
