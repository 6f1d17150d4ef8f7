// Package filter applies an ordered, named set of envelope transforms to
// traffic in either direction. A failing filter never aborts the chain: its
// input is kept and the fault is logged and counted.
package filter

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"mcpbridge/internal/envelope"
	"mcpbridge/internal/errors"
	"mcpbridge/internal/metrics"
)

// Direction is the travel direction of an envelope.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client_to_server"
	case ServerToClient:
		return "server_to_client"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

type verdictKind int

const (
	kindPass verdictKind = iota
	kindReplace
	kindDrop
)

// Verdict is a filter's decision for one envelope.
type Verdict struct {
	kind verdictKind
	env  envelope.Envelope
}

// Pass leaves the envelope as it was.
func Pass() Verdict { return Verdict{kind: kindPass} }

// Replace substitutes env for the envelope.
func Replace(env envelope.Envelope) Verdict { return Verdict{kind: kindReplace, env: env} }

// Drop vetoes delivery and stops the chain.
func Drop() Verdict { return Verdict{kind: kindDrop} }

// Filter transforms envelopes. Apply receives a private copy that it may
// mutate and return through Replace. A returned error or a panic is a fault.
type Filter interface {
	Apply(dir Direction, sessionID string, env envelope.Envelope) (Verdict, error)
}

// Func adapts a function to Filter.
type Func func(dir Direction, sessionID string, env envelope.Envelope) (Verdict, error)

func (f Func) Apply(dir Direction, sessionID string, env envelope.Envelope) (Verdict, error) {
	return f(dir, sessionID, env)
}

// Outcome summarises a chain run.
type Outcome int

const (
	Unchanged Outcome = iota
	Transformed
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case Transformed:
		return "transformed"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the chain output. Envelope is nil when Outcome is Dropped.
type Result struct {
	Outcome  Outcome
	Envelope envelope.Envelope
}

// Info is a snapshot of one registered filter.
type Info struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

type entry struct {
	Info
	filter Filter
}

// Option configures a registration.
type Option func(*entry)

// WithDescription sets the human readable description.
func WithDescription(desc string) Option {
	return func(e *entry) { e.Description = desc }
}

// WithEnabled sets the initial enabled state (default true).
func WithEnabled(enabled bool) Option {
	return func(e *entry) { e.Enabled = enabled }
}

// Chain is safe for concurrent use. Readers load an immutable snapshot;
// writers copy, modify and swap it under mu.
type Chain struct {
	log   zerolog.Logger
	stats *Stats

	mu      sync.Mutex
	entries atomic.Pointer[[]entry]
}

// NewChain returns an empty chain.
func NewChain(log zerolog.Logger) *Chain {
	c := &Chain{log: log, stats: newStats()}
	c.entries.Store(&[]entry{})
	return c
}

// Stats returns the chain counters.
func (c *Chain) Stats() *Stats {
	return c.stats
}

// Register inserts f under name, or replaces the existing entry with that
// name in place, keeping its position.
func (c *Chain) Register(name string, f Filter, opts ...Option) {
	e := entry{Info: Info{Name: name, Enabled: true}, filter: f}
	for _, opt := range opts {
		opt(&e)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.entries.Load()
	next := make([]entry, 0, len(cur)+1)
	replaced := false
	for _, old := range cur {
		if old.Name == name {
			next = append(next, e)
			replaced = true
			continue
		}
		next = append(next, old)
	}
	if !replaced {
		next = append(next, e)
	}
	c.entries.Store(&next)
	c.log.Debug().Str("filter", name).Bool("enabled", e.Enabled).Bool("replaced", replaced).Msg("filter registered")
}

// SetEnabled toggles a registered filter.
func (c *Chain) SetEnabled(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.entries.Load()
	next := make([]entry, len(cur))
	copy(next, cur)
	for i := range next {
		if next[i].Name == name {
			next[i].Enabled = enabled
			c.entries.Store(&next)
			c.log.Info().Str("filter", name).Bool("enabled", enabled).Msg("filter toggled")
			return nil
		}
	}
	return &errors.NotFoundError{Kind: "filter", Name: name}
}

// Get returns the snapshot of one filter.
func (c *Chain) Get(name string) (Info, error) {
	for _, e := range *c.entries.Load() {
		if e.Name == name {
			return e.Info, nil
		}
	}
	return Info{}, &errors.NotFoundError{Kind: "filter", Name: name}
}

// List returns filter snapshots in application order.
func (c *Chain) List() []Info {
	cur := *c.entries.Load()
	out := make([]Info, len(cur))
	for i, e := range cur {
		out[i] = e.Info
	}
	return out
}

// EnabledCount returns the number of enabled filters.
func (c *Chain) EnabledCount() int {
	n := 0
	for _, e := range *c.entries.Load() {
		if e.Enabled {
			n++
		}
	}
	return n
}

// Apply runs every enabled filter in order against env. env itself is never
// mutated.
func (c *Chain) Apply(dir Direction, sessionID string, env envelope.Envelope) Result {
	c.stats.totalRequests.Add(1)
	current := env
	outcome := Unchanged
	for _, e := range *c.entries.Load() {
		if !e.Enabled {
			continue
		}
		counters := c.stats.forFilter(e.Name)
		counters.invocations.Add(1)

		v, err := invoke(e.filter, dir, sessionID, envelope.Clone(current))
		if err == nil && v.kind == kindReplace && v.env == nil {
			err = fmt.Errorf("replaced with a nil envelope")
		}
		if err != nil {
			counters.errors.Add(1)
			c.stats.filterErrors.Add(1)
			metrics.RecordFilterRun(e.Name, "error")
			c.log.Warn().Err(err).Str("filter", e.Name).Str("direction", dir.String()).Str("session", sessionID).Msg("filter failed, message kept unchanged")
			continue
		}

		switch v.kind {
		case kindDrop:
			counters.dropped.Add(1)
			c.stats.blockedRequests.Add(1)
			metrics.RecordFilterRun(e.Name, "dropped")
			c.log.Debug().Str("filter", e.Name).Str("direction", dir.String()).Str("session", sessionID).Str("method", envelope.Method(current)).Msg("message dropped by filter")
			return Result{Outcome: Dropped}
		case kindReplace:
			counters.modified.Add(1)
			metrics.RecordFilterRun(e.Name, "modified")
			current = v.env
			outcome = Transformed
		default:
			metrics.RecordFilterRun(e.Name, "passed")
		}
	}
	if outcome == Transformed {
		c.stats.modifiedRequests.Add(1)
	}
	return Result{Outcome: outcome, Envelope: current}
}

func invoke(f Filter, dir Direction, sessionID string, env envelope.Envelope) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("filter panicked: %v", r)
		}
	}()
	return f.Apply(dir, sessionID, env)
}
