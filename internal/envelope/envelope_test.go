package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIsDeep(t *testing.T) {
	orig := Envelope{
		"jsonrpc": "2.0",
		"params":  map[string]any{"list": []any{map[string]any{"a": "b"}}},
	}
	cp := Clone(orig)
	cp["params"].(map[string]any)["list"].([]any)[0].(map[string]any)["a"] = "changed"

	assert.Equal(t, "b", orig["params"].(map[string]any)["list"].([]any)[0].(map[string]any)["a"])
	assert.Nil(t, Clone(nil))
}

func TestKind(t *testing.T) {
	cases := map[string]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`: "request",
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`: "notification",
		`{"jsonrpc":"2.0","id":1,"result":{}}`: "response",
		`{"jsonrpc":"2.0","id":1,"error":{"code":-1}}`: "response",
		`{"jsonrpc":"2.0"}`: "unknown",
	}
	for raw, want := range cases {
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(raw), &env))
		assert.Equal(t, want, Kind(env), raw)
	}
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "abc", IDString(Envelope{"id": "abc"}))
	assert.Equal(t, "7", IDString(Envelope{"id": json.Number("7")}))
	assert.Equal(t, "", IDString(Envelope{"id": nil}))
	assert.Equal(t, "", IDString(Envelope{}))
}
