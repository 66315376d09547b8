// Package connection ties the chunked transport, PackStream codec,
// response queue, server-state manager, and versioned protocol handler
// into one per-socket context (spec §3 "Connection context", §4.6).
package connection

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/nishisan-dev/neobolt/internal/bolt/boltcode"
	"github.com/nishisan-dev/neobolt/internal/bolt/chunking"
	"github.com/nishisan-dev/neobolt/internal/bolt/packstream"
	"github.com/nishisan-dev/neobolt/internal/bolt/proto"
	"github.com/nishisan-dev/neobolt/internal/bolt/responsequeue"
	"github.com/nishisan-dev/neobolt/internal/bolt/state"
	"github.com/nishisan-dev/neobolt/internal/tracecapture"
)

// tracingConn tees every byte read from or written to the underlying
// socket into a CaptureWriter (spec §10.3), direction-tagged. It
// changes nothing about the I/O itself: errors and byte counts pass
// through unmodified.
type tracingConn struct {
	net.Conn
	capture *tracecapture.CaptureWriter
}

func (tc *tracingConn) Read(p []byte) (int, error) {
	n, err := tc.Conn.Read(p)
	if n > 0 {
		_ = tc.capture.Write(tracecapture.DirectionIn, p[:n])
	}
	return n, err
}

func (tc *tracingConn) Write(p []byte) (int, error) {
	n, err := tc.Conn.Write(p)
	if n > 0 {
		_ = tc.capture.Write(tracecapture.DirectionOut, p[:n])
	}
	return n, err
}

// Pool is the set of callbacks the core invokes on its owning pool
// (spec §3: "a handle to the owning pool (weak back-reference)"; §4.6
// step 5). The pool itself is out of scope for this package.
type Pool interface {
	Deactivate(address string)
	OnWriteFailure(address string)
	MarkAllStale()
}

// noopPool is used when a Connection is built without a pool (e.g. in
// tests, or for a connection that predates routing-table membership).
type noopPool struct{}

func (noopPool) Deactivate(string)     {}
func (noopPool) OnWriteFailure(string) {}
func (noopPool) MarkAllStale()         {}

// ServerInfo accumulates HELLO's SUCCESS metadata (spec §3 "server-info
// agent string").
type ServerInfo struct {
	Agent        string
	ConnectionID string
}

// Connection is one Bolt connection context (spec §3). It serializes
// every operation; callers must not use a Connection from more than
// one goroutine concurrently (spec §5: "not safe to share between
// tasks/threads").
type Connection struct {
	conn    net.Conn
	logger  *slog.Logger
	address string
	pool    Pool

	handler *proto.Handler
	outbox  *chunking.Outbox
	inbox   *chunking.Inbox
	queue   responsequeue.Queue
	state   *state.Manager

	ServerInfo ServerInfo
	Hints      map[string]any

	// RecvTimeoutSeconds is set from HELLO's `hints` when the server
	// suggests a read timeout (spec §4.5 "4.3"). Zero means unset.
	RecvTimeoutSeconds int

	defunct bool
}

// Options configures a new Connection.
type Options struct {
	Conn           net.Conn
	Logger         *slog.Logger
	Address        string
	Pool           Pool
	Version        proto.Version
	RoutingContext map[string]string
	MaxChunkSize   int

	// Trace, if set, receives a direction-tagged copy of every byte
	// this connection reads or writes (spec §10.3).
	Trace *tracecapture.CaptureWriter
}

// New builds a Connection in the CONNECTED state, ready for HELLO.
func New(opts Options) (*Connection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	handler, err := proto.New(opts.Version, opts.RoutingContext, logger)
	if err != nil {
		return nil, err
	}
	pool := opts.Pool
	if pool == nil {
		pool = noopPool{}
	}

	conn := opts.Conn
	if opts.Trace != nil {
		conn = &tracingConn{Conn: conn, capture: opts.Trace}
	}

	c := &Connection{
		conn:    conn,
		logger:  logger,
		address: opts.Address,
		pool:    pool,
		handler: handler,
		outbox:  chunking.NewOutbox(chunking.DefaultCapacity, opts.MaxChunkSize),
	}
	c.state = state.NewManager(logger)
	c.inbox = chunking.NewInbox(conn, logger, func(err error) {
		c.defunct = true
	})
	return c, nil
}

// IsDefunct reports whether the connection has suffered a fatal
// protocol or I/O error and must not be reused (spec §3 "Lifecycle").
func (c *Connection) IsDefunct() bool { return c.defunct }

// IsReset implements spec §4.3's invariant: the queue is empty and the
// server is READY, or the last enqueued response was itself a reset.
func (c *Connection) IsReset() bool {
	if c.queue.Len() == 0 {
		return c.state.State() == state.Ready
	}
	return c.queue.Tail().Request == "reset"
}

// State returns the current server state.
func (c *Connection) State() state.State { return c.state.State() }

// Address returns the address this connection was dialed to.
func (c *Connection) Address() string { return c.address }

// Close closes the underlying socket. It does not attempt GOODBYE;
// callers that want a clean server-side teardown should call Goodbye
// first.
func (c *Connection) Close() error { return c.conn.Close() }

func (c *Connection) enqueue(msg *proto.Message, handlers responsequeue.Handlers) error {
	enc := packstream.NewEncoder(nil)
	if err := enc.WriteStructHeader(msg.Tag, len(msg.Fields)); err != nil {
		return boltcode.NewProtocolError("encoding %s: %v", msg.RequestName, err)
	}
	for _, f := range msg.Fields {
		if err := enc.WriteValue(f); err != nil {
			return boltcode.NewProtocolError("encoding %s field: %v", msg.RequestName, err)
		}
	}
	c.outbox.Write(enc.Bytes())
	c.outbox.Chunk()
	if msg.RequestName != "" {
		c.queue.Append(responsequeue.New(msg.RequestName, handlers))
	}
	return nil
}

// SendAll flushes every enqueued message to the socket. It is the only
// method besides FetchAll allowed to block (spec §5 "Suspension points").
func (c *Connection) SendAll(ctx context.Context) error {
	view := c.outbox.View()
	if len(view) == 0 {
		return nil
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}
	if _, err := c.conn.Write(view); err != nil {
		c.defunct = true
		return &boltcode.ServiceUnavailable{Msg: fmt.Sprintf("writing to %s", c.address), Err: err}
	}
	c.outbox.Clear()
	return nil
}

// FetchOne reads and processes exactly one server reply (spec §4.6).
// It returns the number of detail (RECORD) messages and the number of
// summary messages consumed, mirroring the original's _process_message
// contract so FetchAll can loop on it.
func (c *Connection) FetchOne(ctx context.Context) (details int, summaries int, err error) {
	if c.defunct {
		return 0, 0, &boltcode.ServiceUnavailable{Msg: fmt.Sprintf("%s is defunct", c.address)}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	}
	msg, err := c.inbox.Next()
	if err != nil {
		c.defunct = true
		base := &boltcode.ServiceUnavailable{Msg: fmt.Sprintf("reading from %s", c.address), Err: err}
		if head := c.queue.Head(); head != nil && head.Request == "commit" {
			return 0, 0, &boltcode.IncompleteCommit{ServiceUnavailable: base}
		}
		return 0, 0, base
	}

	switch msg.Tag {
	case tagRecord:
		head := c.queue.Head()
		if head == nil {
			return 0, 0, boltcode.NewProtocolError("RECORD received with no pending request")
		}
		var values []any
		if len(msg.Fields) > 0 {
			values, _ = msg.Fields[0].([]any)
		}
		head.Records([][]any{values})
		return 1, 0, nil
	case tagSuccess:
		return c.consumeSummary(msg, func(resp *responsequeue.Response, metadata map[string]any) error {
			hasMore, _ := metadata["has_more"].(bool)
			c.state.Transition(resp.Request, hasMore)
			resp.Success(metadata)
			return nil
		})
	case tagIgnored:
		return c.consumeSummary(msg, func(resp *responsequeue.Response, metadata map[string]any) error {
			resp.Ignored(metadata)
			return nil
		})
	case tagFailure:
		return c.consumeSummary(msg, func(resp *responsequeue.Response, metadata map[string]any) error {
			return c.dispatchFailure(ctx, resp, metadata)
		})
	default:
		c.defunct = true
		return 0, 0, boltcode.NewProtocolError("unexpected response message with signature %#x", msg.Tag)
	}
}

// Summary tag bytes are server-to-client only and have no place
// alongside proto's client-to-server Tag* constants (spec §6).
const (
	tagRecord  byte = 0x71
	tagSuccess byte = 0x70
	tagIgnored byte = 0x7E
	tagFailure byte = 0x7F
)

func (c *Connection) consumeSummary(msg *chunking.Message, apply func(*responsequeue.Response, map[string]any) error) (int, int, error) {
	resp := c.queue.Pop()
	if resp == nil {
		return 0, 0, boltcode.NewProtocolError("summary received with no pending request")
	}
	resp.Complete = true
	metadata := decodeMetadataField(msg.Fields)
	return 0, 1, apply(resp, metadata)
}

// dispatchFailure hydrates the server error, marks the state FAILED,
// performs the pool side effects from spec §4.6 step 5, and then
// attempts an implicit RESET to return the server to READY (spec §7
// "Propagation"; mirrors the original's Response.on_failure calling
// self.connection.reset() before handing control back to the caller).
// The response's own on_failure fires first so user code sees the
// typed error before any pool signalling or reset happens.
func (c *Connection) dispatchFailure(ctx context.Context, resp *responsequeue.Response, metadata map[string]any) error {
	c.state.Fail()
	code, _ := metadata["code"].(string)
	message, _ := metadata["message"].(string)
	hydrated := boltcode.Hydrate(code, message)

	failureErr := resp.Failure(metadata)
	if failureErr == nil {
		failureErr = hydrated
	}

	switch failureErr.(type) {
	case *boltcode.ServiceUnavailable, *boltcode.DatabaseUnavailable:
		c.pool.Deactivate(c.address)
	case *boltcode.NotALeader, *boltcode.ForbiddenOnReadOnlyDatabase:
		c.pool.OnWriteFailure(c.address)
	}
	if n4j, ok := hydrated.(interface{ InvalidatesAllConnections() bool }); ok && n4j.InvalidatesAllConnections() {
		c.pool.MarkAllStale()
	}

	// A RESET's own FAILURE is handled by Reset itself; attempting
	// another implicit RESET here would recurse forever.
	if resp.Request != "reset" {
		c.attemptImplicitReset(ctx)
	}
	return failureErr
}

// attemptImplicitReset issues RESET to self-heal after a FAILURE. Its
// own failure (a further FAILURE reply, or an I/O error) is swallowed
// here — the caller already has the original failureErr to act on —
// and marks the connection defunct instead of propagating.
func (c *Connection) attemptImplicitReset(ctx context.Context) {
	if c.defunct {
		return
	}
	if err := c.Reset(ctx); err != nil {
		c.defunct = true
	}
}

// FetchAll drains the inbox until the response queue is empty or the
// context is cancelled.
func (c *Connection) FetchAll(ctx context.Context) error {
	for c.queue.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, _, err := c.FetchOne(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CheckSupportedServerProduct rejects non-Neo4j servers masquerading
// on the Bolt port (spec §11: a supplemented safety check present in
// the original driver; not itself part of the framing/codec/state
// core but exercised through HELLO's completion path here).
func CheckSupportedServerProduct(agent string) error {
	if !strings.HasPrefix(agent, "Neo4j/") {
		return boltcode.NewProtocolError("unsupported server product %q", agent)
	}
	return nil
}

// WithErrorHandling wraps fn, calling on with any error fn returns
// before propagating it, matching the original's blanket "wrap every
// method" error interception (spec §9 design note) without the
// runtime attribute interception it used. Intended for call sites that
// need a single failure hook around an operation they don't otherwise
// inspect the error from directly — e.g. a pool's dial path logging a
// failed handshake.
func WithErrorHandling(fn func() error, on func(error)) error {
	err := fn()
	if err != nil && on != nil {
		on(err)
	}
	return err
}

// decodeMetadataField renders a SUCCESS/FAILURE/IGNORED message's sole
// metadata field as a plain map[string]any, recursively converting any
// nested *packstream.Map so callers (HelloHints, OnSuccess handlers)
// can type-assert map[string]any at any depth rather than only at the
// top level.
func decodeMetadataField(fields []any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	switch m := fields[0].(type) {
	case *packstream.Map:
		out := make(map[string]any, m.Len())
		for i, k := range m.Keys {
			out[k] = packstream.ToGoValue(m.Values[i])
		}
		return out
	case map[string]any:
		return m
	default:
		return map[string]any{}
	}
}
