// Package broker pairs client sessions with child process transports and
// pumps envelopes between them through the filter chain.
package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mcpbridge/internal/childproc"
	"mcpbridge/internal/envelope"
	"mcpbridge/internal/errors"
	"mcpbridge/internal/filter"
	"mcpbridge/internal/metrics"
	"mcpbridge/internal/session"
)

// Close reasons.
const (
	ReasonClientClosed  = "client_closed"
	ReasonChildExited   = "child_exited"
	ReasonProtocolError = "protocol_error"
	ReasonIOError       = "io_error"
	ReasonShutdown      = "shutdown"
)

const (
	// DefaultInboundSize is the per-session submission queue capacity.
	DefaultInboundSize = 64

	// DefaultStartGrace bounds how long spawning a child may take.
	DefaultStartGrace = 10 * time.Second
)

var errChildExited = stderrors.New("child process closed its output")

// Transport is the broker's view of a child process.
type Transport interface {
	WriteMessage(env envelope.Envelope) error
	ReadMessage() (envelope.Envelope, error)
	Close() error
}

// Spawner starts the transport for a new session. The transport must stop
// when ctx is cancelled.
type Spawner func(ctx context.Context, sessionID string) (Transport, error)

// ChildSpawner spawns cfg as a child process per session.
func ChildSpawner(log zerolog.Logger, cfg childproc.Config) Spawner {
	return func(ctx context.Context, sessionID string) (Transport, error) {
		t, err := childproc.Start(ctx, log.With().Str("session", sessionID).Logger(), cfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// Recorder receives every envelope the broker forwards.
type Recorder interface {
	Append(sessionID, direction string, env envelope.Envelope) (string, error)
}

// Options tunes a Broker.
type Options struct {
	InboundSize int
	StartGrace  time.Duration
	Recorder    Recorder
}

// Broker owns the live sessions.
type Broker struct {
	log      zerolog.Logger
	registry *session.Registry
	chain    *filter.Chain
	spawn    Spawner
	opts     Options

	mu    sync.Mutex
	conns map[string]*conn
	wg    sync.WaitGroup
}

type conn struct {
	sess      *session.Session
	log       zerolog.Logger
	transport Transport
	inbound   chan envelope.Envelope
	cancel    context.CancelFunc
}

// New constructs a Broker.
func New(log zerolog.Logger, registry *session.Registry, chain *filter.Chain, spawn Spawner, opts Options) *Broker {
	if opts.InboundSize <= 0 {
		opts.InboundSize = DefaultInboundSize
	}
	if opts.StartGrace <= 0 {
		opts.StartGrace = DefaultStartGrace
	}
	return &Broker{
		log:      log,
		registry: registry,
		chain:    chain,
		spawn:    spawn,
		opts:     opts,
		conns:    map[string]*conn{},
	}
}

// Registry returns the session registry.
func (b *Broker) Registry() *session.Registry {
	return b.registry
}

// Chain returns the filter chain.
func (b *Broker) Chain() *filter.Chain {
	return b.chain
}

// Connections returns the number of open sessions.
func (b *Broker) Connections() int {
	return b.registry.Len()
}

// Open creates a session and spawns its child. The returned session is
// Active; its outbound queue receives the child's filtered messages until
// Close is called or the child exits. ctx bounds only the startup.
func (b *Broker) Open(ctx context.Context) (*session.Session, error) {
	sess := b.registry.Create()
	log := b.log.With().Str("session", sess.ID).Logger()

	sessCtx, cancel := context.WithCancel(context.Background())
	t, err := b.start(ctx, sessCtx, sess.ID)
	if err != nil {
		cancel()
		sess.BeginClosing(ReasonIOError)
		b.registry.Remove(sess.ID)
		metrics.RecordSessionOpened(false)
		log.Error().Err(err).Msg("failed to start session transport")
		return nil, err
	}

	c := &conn{
		sess:      sess,
		log:       log,
		transport: t,
		inbound:   make(chan envelope.Envelope, b.opts.InboundSize),
		cancel:    cancel,
	}
	b.mu.Lock()
	b.conns[sess.ID] = c
	b.mu.Unlock()

	sess.Activate()
	metrics.RecordSessionOpened(true)
	log.Info().Msg("session opened")

	b.wg.Add(1)
	go b.run(sessCtx, c)
	return sess, nil
}

type spawnResult struct {
	t   Transport
	err error
}

func (b *Broker) start(ctx, sessCtx context.Context, id string) (Transport, error) {
	ch := make(chan spawnResult, 1)
	go func() {
		t, err := b.spawn(sessCtx, id)
		ch <- spawnResult{t: t, err: err}
	}()

	timer := time.NewTimer(b.opts.StartGrace)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.t, r.err
	case <-timer.C:
		go reap(ch)
		return nil, fmt.Errorf("start child: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		go reap(ch)
		return nil, ctx.Err()
	}
}

// reap disposes of a transport whose start outlived its caller.
func reap(ch <-chan spawnResult) {
	if r := <-ch; r.t != nil {
		_ = r.t.Close()
	}
}

func (b *Broker) run(ctx context.Context, c *conn) {
	defer b.wg.Done()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.readLoop(gctx, c) })
	g.Go(func() error { return b.writeLoop(gctx, c) })
	g.Go(func() error {
		<-gctx.Done()
		return c.transport.Close()
	})
	err := g.Wait()

	c.cancel()
	b.mu.Lock()
	delete(b.conns, c.sess.ID)
	b.mu.Unlock()
	b.registry.Remove(c.sess.ID)
	if n := discardInbound(c); n > 0 {
		c.log.Debug().Int("discarded", n).Msg("undelivered submissions discarded")
	}

	reason := c.sess.CloseReason()
	metrics.RecordSessionClosed(reason)
	ev := c.log.Info()
	if reason != ReasonClientClosed && reason != ReasonShutdown && !stderrors.Is(err, context.Canceled) {
		ev = ev.Err(err)
	}
	ev.Str("reason", reason).Msg("session closed")
}

// discardInbound empties the submission queue of a session whose writer has
// stopped.
func discardInbound(c *conn) int {
	n := 0
	for {
		select {
		case <-c.inbound:
			n++
			metrics.RecordMessage(filter.ClientToServer.String(), "discarded")
		default:
			return n
		}
	}
}

// readLoop forwards child output to the session's outbound queue in the
// order the child wrote it.
func (b *Broker) readLoop(ctx context.Context, c *conn) error {
	id := c.sess.ID
	dir := filter.ServerToClient
	for {
		env, err := c.transport.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case stderrors.Is(err, io.EOF):
				c.sess.BeginClosing(ReasonChildExited)
				return errChildExited
			case errors.IsProtocol(err):
				c.sess.BeginClosing(ReasonProtocolError)
				c.log.Warn().Err(err).Msg("malformed message from child")
				return err
			default:
				c.sess.BeginClosing(ReasonIOError)
				return err
			}
		}

		res := b.chain.Apply(dir, id, env)
		if res.Outcome == filter.Dropped {
			metrics.RecordMessage(dir.String(), "dropped")
			continue
		}
		b.record(c, dir, res.Envelope)
		if err := c.sess.Enqueue(ctx, res.Envelope); err != nil {
			return err
		}
		metrics.RecordMessage(dir.String(), "forwarded")
	}
}

// writeLoop is the only writer of the session's transport.
func (b *Broker) writeLoop(ctx context.Context, c *conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-c.inbound:
			b.record(c, filter.ClientToServer, env)
			if err := c.transport.WriteMessage(env); err != nil {
				c.sess.BeginClosing(ReasonIOError)
				metrics.RecordMessage(filter.ClientToServer.String(), "error")
				c.log.Warn().Err(err).Str("method", envelope.Method(env)).Msg("write to child failed")
				return err
			}
			metrics.RecordMessage(filter.ClientToServer.String(), "forwarded")
		}
	}
}

func (b *Broker) record(c *conn, dir filter.Direction, env envelope.Envelope) {
	if b.opts.Recorder == nil {
		return
	}
	if _, err := b.opts.Recorder.Append(c.sess.ID, dir.String(), env); err != nil {
		c.log.Warn().Err(err).Msg("transcript append failed")
	}
}

// Submit filters env and queues it for the session's child. It returns as
// soon as the envelope is queued; any reply arrives on the outbound queue.
func (b *Broker) Submit(ctx context.Context, sessionID string, env envelope.Envelope) (filter.Outcome, error) {
	sess, err := b.registry.Get(sessionID)
	if err != nil {
		return filter.Unchanged, err
	}
	b.mu.Lock()
	c := b.conns[sessionID]
	b.mu.Unlock()
	if c == nil {
		return filter.Unchanged, &errors.SessionNotFoundError{ID: sessionID}
	}
	if err := ctx.Err(); err != nil {
		return filter.Unchanged, err
	}

	dir := filter.ClientToServer
	res := b.chain.Apply(dir, sessionID, env)
	if res.Outcome == filter.Dropped {
		metrics.RecordMessage(dir.String(), "dropped")
		c.log.Debug().Str("method", envelope.Method(env)).Msg("submission dropped by filter")
		return filter.Dropped, nil
	}

	select {
	case <-sess.Done():
		return res.Outcome, errors.ErrSessionClosed
	default:
	}
	select {
	case c.inbound <- res.Envelope:
		// The session may have closed between the check above and the send.
		select {
		case <-sess.Done():
			return res.Outcome, errors.ErrSessionClosed
		default:
		}
		return res.Outcome, nil
	default:
		metrics.RecordMessage(dir.String(), "rejected")
		return res.Outcome, errors.ErrBackpressure
	}
}

// Close ends a session from the client side. It does not wait for teardown;
// the session's Done channel closes once the child is gone.
func (b *Broker) Close(sessionID string) {
	b.CloseWith(sessionID, ReasonClientClosed)
}

// CloseWith ends a session and records reason as the close reason. Unknown
// or already closed sessions are ignored.
func (b *Broker) CloseWith(sessionID, reason string) {
	b.mu.Lock()
	c := b.conns[sessionID]
	b.mu.Unlock()
	if c == nil {
		return
	}
	c.sess.BeginClosing(reason)
	c.cancel()
}

// Shutdown closes every session and waits for their children to go away.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.CloseWith(id, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
