package filter

import (
	"time"

	"mcpbridge/internal/envelope"
)

// Built-in filter names.
const (
	NameBlockMethods  = "block-methods"
	NameRedactSecrets = "redact-secrets"
	NameStampMetadata = "stamp-metadata"
)

// Metadata keys written into envelope.MetaKey.
const (
	MetaTimestamp = "timestamp"
	MetaDirection = "direction"
	MetaSession   = "session"
)

// Stamper attaches bridge metadata. Existing bridge_meta keys are kept,
// except direction and session which are always refreshed.
type Stamper struct {
	Now func() time.Time
}

// Apply implements Filter.
func (s Stamper) Apply(dir Direction, sessionID string, env envelope.Envelope) (Verdict, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	meta, ok := env[envelope.MetaKey].(map[string]any)
	if !ok {
		meta = map[string]any{}
	}
	if _, ok := meta[MetaTimestamp]; !ok {
		meta[MetaTimestamp] = now().UTC().Format(time.RFC3339Nano)
	}
	meta[MetaDirection] = dir.String()
	meta[MetaSession] = sessionID
	env[envelope.MetaKey] = meta
	return Replace(env), nil
}

// MethodBlocker drops client requests and notifications whose method is in
// the block list.
type MethodBlocker struct {
	methods map[string]struct{}
}

// NewMethodBlocker builds a blocker for the given methods.
func NewMethodBlocker(methods []string) *MethodBlocker {
	b := &MethodBlocker{methods: make(map[string]struct{}, len(methods))}
	for _, m := range methods {
		b.methods[m] = struct{}{}
	}
	return b
}

// Apply implements Filter.
func (b *MethodBlocker) Apply(dir Direction, _ string, env envelope.Envelope) (Verdict, error) {
	if dir != ClientToServer {
		return Pass(), nil
	}
	if _, blocked := b.methods[envelope.Method(env)]; blocked {
		return Drop(), nil
	}
	return Pass(), nil
}
