package proto

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nishisan-dev/neobolt/internal/bolt/packstream"
)

// Message tag bytes (spec §6).
const (
	TagHello    byte = 0x01
	TagGoodbye  byte = 0x02
	TagReset    byte = 0x0F
	TagRun      byte = 0x10
	TagBegin    byte = 0x11
	TagCommit   byte = 0x12
	TagRollback byte = 0x13
	TagRoute    byte = 0x66
	TagDiscard  byte = 0x2F
	TagPull     byte = 0x3F
)

// Message is one client-to-server request: its wire tag, its field
// list (already PackStream-encodable values), and the lower-cased
// request name used to key the server-state table (spec §4.4) and the
// response queue (spec §4.3). RequestName is empty for GOODBYE, which
// has no reply.
type Message struct {
	Tag         byte
	Fields      []any
	RequestName string
}

// spec describes one Bolt version's differences from the one before it
// (spec §9 design note). Values, not types: adding a version means
// adding a table row, not a new type in an inheritance chain.
type spec struct {
	version               Version
	includeRoutingInHello bool
	hasRouteMessage       bool
	routeUsesDbContext    bool
	allowImpUser          bool
	helloReportsHints     bool
}

var versionTable = map[Version]spec{
	{4, 0}: {version: Version{4, 0}},
	{4, 1}: {version: Version{4, 1}, includeRoutingInHello: true},
	{4, 2}: {version: Version{4, 2}, includeRoutingInHello: true},
	{4, 3}: {version: Version{4, 3}, includeRoutingInHello: true, hasRouteMessage: true, helloReportsHints: true},
	{4, 4}: {version: Version{4, 4}, includeRoutingInHello: true, hasRouteMessage: true, routeUsesDbContext: true, allowImpUser: true, helloReportsHints: true},
	{5, 0}: {version: Version{5, 0}, includeRoutingInHello: true, hasRouteMessage: true, routeUsesDbContext: true, allowImpUser: true, helloReportsHints: true},
}

// SupportedVersions lists every version this handler table knows.
func SupportedVersions() []Version {
	versions := make([]Version, 0, len(versionTable))
	for v := range versionTable {
		versions = append(versions, v)
	}
	return versions
}

// Handler builds version-correct Messages for one negotiated Bolt
// version. It holds no I/O state: the connection layer owns the
// outbox, inbox, response queue, and state manager, and drives Handler
// purely to get wire-correct Messages (spec §4.5: "operations are
// non-blocking senders").
type Handler struct {
	spec           spec
	routingContext map[string]string
	logger         *slog.Logger
}

// New selects the handler for version, failing if the table has no
// entry for it. A nil logger discards handler-level debug logging.
func New(version Version, routingContext map[string]string, logger *slog.Logger) (*Handler, error) {
	s, ok := versionTable[version]
	if !ok {
		return nil, fmt.Errorf("proto: unsupported bolt protocol version %s", version)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{spec: s, routingContext: routingContext, logger: logger}, nil
}

// Version returns the negotiated protocol version.
func (h *Handler) Version() Version { return h.spec.version }

// AllowsImpersonation reports whether this version accepts imp_user in
// RUN/BEGIN/ROUTE (4.4+, spec §4.5).
func (h *Handler) AllowsImpersonation() bool { return h.spec.allowImpUser }

// HasRouteMessage reports whether this version has a dedicated ROUTE
// message (4.3+); earlier versions route via RUN+PULL against the
// system database (spec §4.5 "4.0").
func (h *Handler) HasRouteMessage() bool { return h.spec.hasRouteMessage }

// Hello builds the HELLO message. auth carries the opaque
// scheme/credentials fields the core never interprets (spec §6).
func (h *Handler) Hello(userAgent string, auth *packstream.Map) *Message {
	headers := packstream.NewMap("user_agent", userAgent)
	if h.spec.includeRoutingInHello && h.routingContext != nil {
		headers.Set("routing", routingContextValue(h.routingContext))
	}
	for _, key := range auth.Keys {
		v, _ := auth.Get(key)
		headers.Set(key, v)
	}

	if h.logger.Enabled(context.Background(), slog.LevelDebug) {
		logged := headers.ToGoMap()
		if _, ok := logged["credentials"]; ok {
			logged["credentials"] = "*******"
		}
		h.logger.Debug("C: HELLO", "headers", logged)
	}

	return &Message{Tag: TagHello, Fields: []any{headers}, RequestName: "hello"}
}

// HelloHints extracts the `connection.recv_timeout_seconds` hint from
// a HELLO SUCCESS's metadata (spec §6 "SUCCESS metadata"; §4.5 "4.3").
// Versions before 4.3 never populate `hints`, so this is always a
// no-op for them; seconds is only meaningful when ok is true.
func (h *Handler) HelloHints(metadata map[string]any) (seconds int, ok bool, invalid any, wasInvalid bool) {
	if !h.spec.helloReportsHints {
		return 0, false, nil, false
	}
	hints, _ := metadata["hints"].(map[string]any)
	raw, present := hints["connection.recv_timeout_seconds"]
	if !present {
		return 0, false, nil, false
	}
	switch v := raw.(type) {
	case int:
		if v > 0 {
			return v, true, nil, false
		}
	case int64:
		if v > 0 {
			return int(v), true, nil, false
		}
	}
	return 0, false, raw, true
}

// Run builds the RUN message.
func (h *Handler) Run(query string, parameters map[string]any, opts RunOptions) (*Message, error) {
	extra, err := buildExtra(opts, h.spec.allowImpUser, h.spec.version)
	if err != nil {
		return nil, err
	}
	if parameters == nil {
		parameters = map[string]any{}
	}
	return &Message{Tag: TagRun, Fields: []any{query, parameters, extra}, RequestName: "run"}, nil
}

// Begin builds the BEGIN message.
func (h *Handler) Begin(opts RunOptions) (*Message, error) {
	extra, err := buildExtra(opts, h.spec.allowImpUser, h.spec.version)
	if err != nil {
		return nil, err
	}
	return &Message{Tag: TagBegin, Fields: []any{extra}, RequestName: "begin"}, nil
}

// Commit builds the COMMIT message.
func (h *Handler) Commit() *Message {
	return &Message{Tag: TagCommit, RequestName: "commit"}
}

// Rollback builds the ROLLBACK message.
func (h *Handler) Rollback() *Message {
	return &Message{Tag: TagRollback, RequestName: "rollback"}
}

// Discard builds the DISCARD message. n == -1 means "discard all
// remaining records"; qid == -1 omits the `qid` field (spec §6).
func (h *Handler) Discard(n, qid int64) *Message {
	return &Message{Tag: TagDiscard, Fields: []any{pullExtra(n, qid)}, RequestName: "discard"}
}

// Pull builds the PULL message.
func (h *Handler) Pull(n, qid int64) *Message {
	return &Message{Tag: TagPull, Fields: []any{pullExtra(n, qid)}, RequestName: "pull"}
}

func pullExtra(n, qid int64) *packstream.Map {
	extra := packstream.NewMap("n", n)
	if qid != -1 {
		extra.Set("qid", qid)
	}
	return extra
}

// Reset builds the RESET message.
func (h *Handler) Reset() *Message {
	return &Message{Tag: TagReset, RequestName: "reset"}
}

// Goodbye builds the GOODBYE message. It has no reply, so RequestName
// is left empty and the connection must not enqueue a Response for it.
func (h *Handler) Goodbye() *Message {
	return &Message{Tag: TagGoodbye}
}

// Route builds the dedicated ROUTE message for versions that have one
// (4.3+). Callers on earlier versions must use LegacyRoutingQuery
// instead; HasRouteMessage reports which path applies.
func (h *Handler) Route(bookmarks []string, database, impUser string) (*Message, error) {
	if !h.spec.hasRouteMessage {
		return nil, fmt.Errorf("proto: bolt %s has no ROUTE message, use LegacyRoutingQuery", h.spec.version)
	}
	if impUser != "" && !h.spec.allowImpUser {
		return nil, fmt.Errorf("proto: bolt %s cannot impersonate via ROUTE", h.spec.version)
	}
	ctx := h.routingContext
	if ctx == nil {
		ctx = map[string]string{}
	}
	bms := make([]any, len(bookmarks))
	for i, b := range bookmarks {
		bms[i] = b
	}

	var dest any
	if h.spec.routeUsesDbContext {
		// 4.4/5.0: (routing_context, bookmarks, db_context) where
		// db_context is a map carrying db and/or imp_user.
		dbContext := packstream.NewMap()
		if database != "" {
			dbContext.Set("db", database)
		}
		if impUser != "" {
			dbContext.Set("imp_user", impUser)
		}
		dest = dbContext
	} else {
		// 4.3: (routing_context, bookmarks, database) — bare string or null.
		if database == "" {
			dest = nil
		} else {
			dest = database
		}
	}
	return &Message{
		Tag:         TagRoute,
		Fields:      []any{routingContextValue(ctx), bms, dest},
		RequestName: "route",
	}, nil
}

// LegacyRoutingQuery returns the Cypher statement and parameters used
// to obtain a routing table on versions without a ROUTE message (spec
// §4.5 "4.0": "Routing uses a Cypher procedure call ... via RUN+PULL
// against the system database"). The caller must RUN this against the
// system database, bind `fields` from RUN's own SUCCESS (spec §9 open
// question — not PULL's), then PULL and zip records against fields.
func (h *Handler) LegacyRoutingQuery(database string) (query string, parameters map[string]any) {
	ctx := h.routingContext
	if ctx == nil {
		ctx = map[string]string{}
	}
	if database == "" {
		return "CALL dbms.routing.getRoutingTable($context)",
			map[string]any{"context": routingContextValue(ctx)}
	}
	return "CALL dbms.routing.getRoutingTable($context, $database)",
		map[string]any{"context": routingContextValue(ctx), "database": database}
}

func routingContextValue(ctx map[string]string) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
