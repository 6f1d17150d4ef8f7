// Package fakechild is a scripted MCP server used by tests. A test binary
// re-executes itself with EnvMode set and calls Main from TestMain.
package fakechild

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"mcpbridge/internal/envelope"
	"mcpbridge/internal/framing"
)

// EnvMode selects the child's behaviour.
const EnvMode = "MCPBRIDGE_FAKE_CHILD"

// Modes.
const (
	ModeEcho        = "echo"
	ModeGarbage     = "garbage"
	ModeIgnoreTerm  = "ignore-term"
	ModeExitAtOnce  = "exit"
	ModeStderrBurst = "stderr"
)

// Enabled reports whether the current process should act as the fake child.
func Enabled() bool {
	return os.Getenv(EnvMode) != ""
}

// Env returns the environment entries that turn a re-executed test binary
// into the fake child.
func Env(mode string) map[string]string {
	return map[string]string{EnvMode: mode}
}

// Main runs the fake child and returns its exit code.
func Main() int {
	mode := os.Getenv(EnvMode)
	out := bufio.NewWriter(os.Stdout)
	switch mode {
	case ModeExitAtOnce:
		fmt.Fprintln(os.Stderr, "exiting immediately")
		return 3
	case ModeGarbage:
		_, _ = io.WriteString(out, "this is not a header\r\n\r\n")
		_ = out.Flush()
		_, _ = io.Copy(io.Discard, os.Stdin)
		return 0
	case ModeIgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
		fmt.Fprintln(os.Stderr, "ignoring SIGTERM")
		_, _ = io.Copy(io.Discard, os.Stdin)
		for {
			time.Sleep(time.Hour)
		}
	case ModeStderrBurst:
		for i := 0; i < 3; i++ {
			fmt.Fprintf(os.Stderr, "diagnostic line %d\n", i)
		}
	}
	return serve(bufio.NewReader(os.Stdin), out)
}

func serve(in *bufio.Reader, out *bufio.Writer) int {
	send := func(env envelope.Envelope) {
		_ = framing.WriteMessage(out, env)
		_ = out.Flush()
	}
	for {
		env, err := framing.ReadMessage(in)
		if err == io.EOF {
			return 0
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			return 1
		}
		method := envelope.Method(env)
		fmt.Fprintf(os.Stderr, "received %s\n", method)

		id, hasID := envelope.ID(env)
		switch method {
		case "exit":
			return 0
		case "initialize":
			send(envelope.Envelope{
				"jsonrpc": "2.0",
				"id":      id,
				"result": map[string]any{
					"protocolVersion": "2024-11-05",
					"serverInfo":      map[string]any{"name": "fakechild", "version": "0.0.1"},
					"capabilities":    map[string]any{},
				},
			})
		case "emit":
			count := 0
			if params, ok := env["params"].(map[string]any); ok {
				count = toInt(params["count"])
			}
			for i := 0; i < count; i++ {
				send(envelope.Envelope{
					"jsonrpc": "2.0",
					"method":  "notifications/progress",
					"params":  map[string]any{"seq": i},
				})
			}
			if hasID {
				send(envelope.Envelope{"jsonrpc": "2.0", "id": id, "result": map[string]any{"emitted": count}})
			}
		default:
			if hasID {
				send(envelope.Envelope{"jsonrpc": "2.0", "id": id, "result": map[string]any{"echo": env}})
			}
		}
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case fmt.Stringer:
		i, _ := strconv.Atoi(n.String())
		return i
	default:
		return 0
	}
}
