package connection

import (
	"context"

	"github.com/nishisan-dev/neobolt/internal/bolt/boltcode"
	"github.com/nishisan-dev/neobolt/internal/bolt/packstream"
	"github.com/nishisan-dev/neobolt/internal/bolt/proto"
	"github.com/nishisan-dev/neobolt/internal/bolt/responsequeue"
	"github.com/nishisan-dev/neobolt/internal/bolt/state"
)

// Hello sends HELLO and blocks until its SUCCESS/FAILURE arrives,
// updating ServerInfo, applying the recv-timeout hint (spec §4.5
// "4.3"), and rejecting non-Neo4j servers (spec §11). auth carries
// scheme/credentials fields the core never interprets.
func (c *Connection) Hello(ctx context.Context, userAgent string, auth *packstream.Map) error {
	if err := validateAuthToken(auth); err != nil {
		return err
	}
	msg := c.handler.Hello(userAgent, auth)

	var failureErr error
	err := c.enqueue(msg, responsequeue.Handlers{
		OnSuccess: func(metadata map[string]any) {
			if agent, ok := metadata["server"].(string); ok {
				c.ServerInfo.Agent = agent
			}
			if id, ok := metadata["connection_id"].(string); ok {
				c.ServerInfo.ConnectionID = id
			}
			c.applyHelloHints(metadata)
		},
		OnFailure: func(metadata map[string]any) error {
			code, _ := metadata["code"].(string)
			message, _ := metadata["message"].(string)
			if code == "Neo.ClientError.Security.Unauthorized" {
				failureErr = boltcode.Hydrate(code, message)
			} else {
				failureErr = &boltcode.ServiceUnavailable{Msg: "connection initialisation failed: " + message}
			}
			return failureErr
		},
	})
	if err != nil {
		return err
	}
	if err := c.SendAll(ctx); err != nil {
		return err
	}
	if err := c.FetchAll(ctx); err != nil {
		return err
	}
	if failureErr != nil {
		return failureErr
	}
	return CheckSupportedServerProduct(c.ServerInfo.Agent)
}

// validateAuthToken rejects a malformed auth token before anything is
// sent (spec §7 "Configuration errors"; original_source/neo4j/exceptions.py:387-389
// AuthConfigurationError is raised for a driver-supplied auth token
// problem, as opposed to a server-rejected one).
func validateAuthToken(auth *packstream.Map) error {
	if auth == nil {
		return &boltcode.AuthConfigurationError{ConfigurationError: &boltcode.ConfigurationError{
			Msg: "auth token must not be nil",
		}}
	}
	scheme, ok := auth.Get("scheme")
	if !ok {
		return &boltcode.AuthConfigurationError{ConfigurationError: &boltcode.ConfigurationError{
			Msg: "auth token is missing required field \"scheme\"",
		}}
	}
	if s, ok := scheme.(string); !ok || s == "" {
		return &boltcode.AuthConfigurationError{ConfigurationError: &boltcode.ConfigurationError{
			Msg: "auth token \"scheme\" must be a non-empty string",
		}}
	}
	return nil
}

// applyHelloHints wires proto.Handler.HelloHints into the socket's
// read deadline handling (spec §4.5 "4.3"). Go's net.Conn has no
// persistent "timeout" setting the way a blocking socket does; callers
// read RecvTimeoutSeconds back out and apply it to every subsequent
// SetReadDeadline call via the context they build.
func (c *Connection) applyHelloHints(metadata map[string]any) {
	if hints, ok := metadata["hints"].(map[string]any); ok {
		c.Hints = hints
	}
	seconds, ok, invalid, wasInvalid := c.handler.HelloHints(metadata)
	if ok {
		c.RecvTimeoutSeconds = seconds
		return
	}
	if wasInvalid && c.logger != nil {
		c.logger.Info("bolt: server supplied an invalid value for connection.recv_timeout_seconds", "value", invalid)
	}
}

// Run sends RUN and enqueues its Response without blocking (spec §4.5:
// "operations are non-blocking senders"); the caller drives SendAll /
// FetchAll.
func (c *Connection) Run(query string, parameters map[string]any, opts proto.RunOptions, handlers responsequeue.Handlers) error {
	msg, err := c.handler.Run(query, parameters, opts)
	if err != nil {
		return err
	}
	return c.enqueue(msg, handlers)
}

// Begin sends BEGIN. Nesting a transaction inside another is rejected
// locally, before anything reaches the Outbox, rather than left for the
// server to reject as a generic protocol violation.
func (c *Connection) Begin(opts proto.RunOptions, handlers responsequeue.Handlers) error {
	switch c.State() {
	case state.TxReady, state.TxStreaming:
		return boltcode.NewTransactionNestingError("a transaction is already open on this connection")
	}
	msg, err := c.handler.Begin(opts)
	if err != nil {
		return err
	}
	return c.enqueue(msg, handlers)
}

// Commit sends COMMIT. The original's CommitResponse exists only to be
// a distinct type for isinstance checks that never diverged in
// behavior from Response; handlers.OnSuccess is where a caller reads
// the returned bookmark (spec §6 "SUCCESS metadata": "bookmark").
func (c *Connection) Commit(handlers responsequeue.Handlers) error {
	return c.enqueue(c.handler.Commit(), handlers)
}

// Rollback sends ROLLBACK.
func (c *Connection) Rollback(handlers responsequeue.Handlers) error {
	return c.enqueue(c.handler.Rollback(), handlers)
}

// Discard sends DISCARD.
func (c *Connection) Discard(n, qid int64, handlers responsequeue.Handlers) error {
	return c.enqueue(c.handler.Discard(n, qid), handlers)
}

// Pull sends PULL.
func (c *Connection) Pull(n, qid int64, handlers responsequeue.Handlers) error {
	return c.enqueue(c.handler.Pull(n, qid), handlers)
}

// Reset sends RESET, flushes, and fetches until it is acknowledged. A
// failed RESET is a protocol error and marks the connection defunct
// (spec §7 "Protocol errors").
func (c *Connection) Reset(ctx context.Context) error {
	var resetFailed bool
	err := c.enqueue(c.handler.Reset(), responsequeue.Handlers{
		OnFailure: func(metadata map[string]any) error {
			resetFailed = true
			return boltcode.NewProtocolError("RESET failed: %v", metadata)
		},
	})
	if err != nil {
		return err
	}
	if err := c.SendAll(ctx); err != nil {
		return err
	}
	if err := c.FetchAll(ctx); err != nil {
		if resetFailed {
			c.defunct = true
		}
		return err
	}
	return nil
}

// Goodbye sends GOODBYE and flushes. It is best-effort: it does not
// wait for a reply, because GOODBYE has none (spec §3 "Lifecycle").
func (c *Connection) Goodbye(ctx context.Context) error {
	if err := c.enqueue(c.handler.Goodbye(), responsequeue.Handlers{}); err != nil {
		return err
	}
	return c.SendAll(ctx)
}

// Route sends the dedicated ROUTE message on versions that have one.
// Versions without it (4.0-4.2) must drive LegacyRoute instead.
func (c *Connection) Route(ctx context.Context, bookmarks []string, database, impUser string) (routingTable any, err error) {
	msg, err := c.handler.Route(bookmarks, database, impUser)
	if err != nil {
		return nil, err
	}
	var rt any
	if err := c.enqueue(msg, responsequeue.Handlers{
		OnSuccess: func(metadata map[string]any) { rt = metadata["rt"] },
	}); err != nil {
		return nil, err
	}
	if err := c.SendAll(ctx); err != nil {
		return nil, err
	}
	if err := c.FetchAll(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

// LegacyRoute performs the pre-4.3 routing flow: RUN the routing
// procedure against the system database, then PULL its rows, binding
// `fields` at RUN time rather than trusting the PULL summary to
// preserve it (spec §9 open question: the original zips against a
// metadata dict RUN and PULL both write into, which PULL's own SUCCESS
// can clobber before the zip happens).
func (c *Connection) LegacyRoute(ctx context.Context, database string) ([]map[string]any, error) {
	query, parameters := c.handler.LegacyRoutingQuery(database)

	var fields []string
	if err := c.Run(query, parameters, proto.RunOptions{ReadMode: true, Db: systemDatabase}, responsequeue.Handlers{
		OnSuccess: func(metadata map[string]any) {
			fields = stringSlice(metadata["fields"])
		},
	}); err != nil {
		return nil, err
	}

	var rows [][]any
	if err := c.Pull(-1, -1, responsequeue.Handlers{
		OnRecords: func(records [][]any) { rows = append(rows, records...) },
	}); err != nil {
		return nil, err
	}

	if err := c.SendAll(ctx); err != nil {
		return nil, err
	}
	if err := c.FetchAll(ctx); err != nil {
		return nil, err
	}

	result := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		entry := make(map[string]any, len(fields))
		for i, name := range fields {
			if i < len(row) {
				entry[name] = row[i]
			}
		}
		result = append(result, entry)
	}
	return result, nil
}

// Noop writes a standalone zero-length chunk directly to the socket:
// the wire-level keep-alive (spec §3/§6, scenario S6). It bypasses the
// outbox/response-queue entirely since a NOOP has no message and no
// reply — a pool's idle-sweep is the only caller.
func (c *Connection) Noop(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}
	if _, err := c.conn.Write([]byte{0, 0}); err != nil {
		c.defunct = true
		return &boltcode.ServiceUnavailable{Msg: "writing NOOP to " + c.address, Err: err}
	}
	return nil
}

const systemDatabase = "system"

func stringSlice(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
