// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package integration runs the whole stack together: a fake Bolt
// server goroutine plus a real connection.Connection (and, where a
// pool is involved, a real internal/pool.Pool) over a loopback TCP
// socket, asserting the end-to-end scenarios from spec.md §8.
package integration

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/neobolt/internal/bolt/boltcode"
	"github.com/nishisan-dev/neobolt/internal/bolt/chunking"
	"github.com/nishisan-dev/neobolt/internal/bolt/connection"
	"github.com/nishisan-dev/neobolt/internal/bolt/packstream"
	"github.com/nishisan-dev/neobolt/internal/bolt/proto"
	"github.com/nishisan-dev/neobolt/internal/bolt/responsequeue"
	"github.com/nishisan-dev/neobolt/internal/bolt/state"
	"github.com/nishisan-dev/neobolt/internal/config"
	"github.com/nishisan-dev/neobolt/internal/pool"
)

// listenLocal starts a one-shot loopback TCP listener and hands the
// first accepted connection to handler on its own goroutine.
func listenLocal(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handler(conn)
	}()
	return ln.Addr().String()
}

func writeFramed(t *testing.T, conn net.Conn, tag byte, fields ...any) {
	t.Helper()
	enc := packstream.NewEncoder(nil)
	if err := enc.WriteStructHeader(tag, len(fields)); err != nil {
		t.Fatalf("WriteStructHeader: %v", err)
	}
	for _, f := range fields {
		if err := enc.WriteValue(f); err != nil {
			t.Fatalf("WriteValue: %v", err)
		}
	}
	ob := chunking.NewOutbox(0, 0)
	ob.Write(enc.Bytes())
	ob.Chunk()
	if _, err := conn.Write(ob.View()); err != nil {
		t.Fatalf("writing framed message: %v", err)
	}
}

func readFramed(t *testing.T, conn net.Conn) *chunking.Message {
	t.Helper()
	in := chunking.NewInbox(conn, nil, nil)
	msg, err := in.Next()
	if err != nil {
		t.Fatalf("reading framed message: %v", err)
	}
	return msg
}

func dialAndHello(t *testing.T, ctx context.Context, address string, version proto.Version, pl connection.Pool) (*connection.Connection, error) {
	t.Helper()
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	c, err := connection.New(connection.Options{Conn: raw, Address: address, Version: version, Pool: pl})
	if err != nil {
		raw.Close()
		return nil, err
	}
	if err := c.Hello(ctx, "integration-test/1", packstream.NewMap("scheme", "basic", "principal", "u", "credentials", "p")); err != nil {
		return nil, err
	}
	return c, nil
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MaxSize:           1,
		AcquireTimeout:    2 * time.Second,
		DialBackoffMin:    10 * time.Millisecond,
		DialBackoffMax:    50 * time.Millisecond,
		DialRatePerSecond: 1000,
		IdleKeepAlive:     time.Hour,
		KeepAliveCron:     "@every 1h",
		MaxChunkSize:      16384,
	}
}

// TestEndToEndHelloRunPullViaPool is scenario S1 (HELLO round trip)
// chained into scenario S2 (RUN + PULL streaming), acquired and
// released through a real internal/pool.Pool over loopback TCP.
func TestEndToEndHelloRunPullViaPool(t *testing.T) {
	done := make(chan struct{})
	addr := listenLocal(t, func(conn net.Conn) {
		defer close(done)
		readFramed(t, conn) // HELLO
		writeFramed(t, conn, 0x70, packstream.NewMap(
			"server", "Neo4j/5.0.0",
			"connection_id", "bolt-1",
			"hints", map[string]any{"connection.recv_timeout_seconds": 120},
		))
		readFramed(t, conn) // RUN
		writeFramed(t, conn, 0x70, packstream.NewMap("fields", []any{"n"}, "qid", int64(0)))
		readFramed(t, conn) // PULL
		writeFramed(t, conn, 0x71, []any{int64(1)})
		writeFramed(t, conn, 0x70, packstream.NewMap("has_more", false, "bookmark", "b1"))
	})

	var p *pool.Pool
	dialer := func(ctx context.Context, address string) (*connection.Connection, error) {
		return dialAndHello(t, ctx, address, proto.Version{5, 0}, p)
	}
	p = pool.New(testPoolConfig(), dialer, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := p.Acquire(ctx, addr)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if conn.ServerInfo.Agent != "Neo4j/5.0.0" {
		t.Fatalf("agent = %q, want Neo4j/5.0.0", conn.ServerInfo.Agent)
	}
	if conn.RecvTimeoutSeconds != 120 {
		t.Fatalf("recv timeout = %d, want 120", conn.RecvTimeoutSeconds)
	}
	if conn.State() != state.Ready {
		t.Fatalf("state after HELLO = %v, want READY", conn.State())
	}

	var fields []any
	var record []any
	var bookmark string
	if err := conn.Run("RETURN 1 AS n", map[string]any{}, proto.RunOptions{}, responsequeue.Handlers{
		OnSuccess: func(metadata map[string]any) { fields, _ = metadata["fields"].([]any) },
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := conn.Pull(-1, -1, responsequeue.Handlers{
		OnRecords: func(records [][]any) {
			if len(records) > 0 {
				record = records[0]
			}
		},
		OnSuccess: func(metadata map[string]any) { bookmark, _ = metadata["bookmark"].(string) },
	}); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if err := conn.SendAll(ctx); err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	if err := conn.FetchAll(ctx); err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	<-done
	p.Release(conn)

	if len(fields) != 1 || fields[0] != "n" {
		t.Fatalf("fields = %v, want [n]", fields)
	}
	if len(record) != 1 || record[0] != int64(1) {
		t.Fatalf("record = %v, want [1]", record)
	}
	if bookmark != "b1" {
		t.Fatalf("bookmark = %q, want b1", bookmark)
	}
	if conn.State() != state.Ready {
		t.Fatalf("final state = %v, want READY", conn.State())
	}
	if stats := p.Stats(); stats.Idle != 1 {
		t.Fatalf("idle = %d, want 1 after Release of a READY connection", stats.Idle)
	}
}

// TestEndToEndFailureTriggersPoolWriteFailure is scenario S4: a
// FAILURE whose code is NotALeader must be raised to the caller, must
// drive the pool's on_write_failure side effect exactly once, and the
// implicit RESET dispatchFailure attempts (spec §7 "Propagation") must
// succeed and return the connection to READY so it is poolable again.
func TestEndToEndFailureTriggersPoolWriteFailure(t *testing.T) {
	done := make(chan struct{})
	addr := listenLocal(t, func(conn net.Conn) {
		defer close(done)
		readFramed(t, conn) // HELLO
		writeFramed(t, conn, 0x70, packstream.NewMap("server", "Neo4j/5.0.0"))
		readFramed(t, conn) // RUN
		writeFramed(t, conn, 0x7F, packstream.NewMap(
			"code", "Neo.ClientError.Cluster.NotALeader",
			"message", "not a leader",
		))
		readFramed(t, conn) // implicit RESET
		writeFramed(t, conn, 0x70, packstream.NewMap())
	})

	var p *pool.Pool
	dialer := func(ctx context.Context, address string) (*connection.Connection, error) {
		return dialAndHello(t, ctx, address, proto.Version{5, 0}, p)
	}
	p = pool.New(testPoolConfig(), dialer, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := p.Acquire(ctx, addr)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := conn.Run("CREATE ()", nil, proto.RunOptions{}, responsequeue.Handlers{
		OnFailure: func(metadata map[string]any) error {
			code, _ := metadata["code"].(string)
			message, _ := metadata["message"].(string)
			return boltcode.Hydrate(code, message)
		},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := conn.SendAll(ctx); err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	fetchErr := conn.FetchAll(ctx)
	<-done

	if _, ok := fetchErr.(*boltcode.NotALeader); !ok {
		t.Fatalf("FetchAll error = %T, want *boltcode.NotALeader", fetchErr)
	}
	if conn.State() != state.Ready {
		t.Fatalf("state = %v, want READY (the implicit RESET should have succeeded)", conn.State())
	}

	p.Release(conn)

	stats := p.Stats()
	if stats.WriteFailures != 1 {
		t.Fatalf("WriteFailures = %d, want 1", stats.WriteFailures)
	}
	if stats.Idle != 1 {
		t.Fatalf("idle = %d, want 1 (a self-healed READY connection must be pooled)", stats.Idle)
	}
}

// TestEndToEndChunkedLargeWrite is scenario S3 run over a real TCP
// socket instead of the chunking package's in-memory buffers: a RUN
// whose query string is large enough to force multiple chunks must
// reassemble byte-for-byte on the server side.
func TestEndToEndChunkedLargeWrite(t *testing.T) {
	longQuery := "RETURN 1 AS n // " + strings.Repeat("x", 20000)

	received := make(chan *chunking.Message, 1)
	addr := listenLocal(t, func(conn net.Conn) {
		readFramed(t, conn) // HELLO
		writeFramed(t, conn, 0x70, packstream.NewMap("server", "Neo4j/5.0.0"))
		received <- readFramed(t, conn) // RUN
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dialAndHello(t, ctx, addr, proto.Version{5, 0}, nil)
	if err != nil {
		t.Fatalf("dialAndHello: %v", err)
	}

	if err := conn.Run(longQuery, nil, proto.RunOptions{}, responsequeue.Handlers{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := conn.SendAll(ctx); err != nil {
		t.Fatalf("SendAll: %v", err)
	}

	msg := <-received
	if msg.Tag != proto.TagRun {
		t.Fatalf("tag = %#x, want RUN", msg.Tag)
	}
	if got, _ := msg.Fields[0].(string); got != longQuery {
		t.Fatalf("reassembled query length = %d, want %d (mismatch means chunking lost bytes)", len(got), len(longQuery))
	}
}

// TestEndToEndImpersonationGatedByVersion is scenario S5: on 4.3, RUN
// with an impersonated user must fail before any bytes reach the
// socket.
func TestEndToEndImpersonationGatedByVersion(t *testing.T) {
	gotBytes := make(chan struct{}, 1)
	addr := listenLocal(t, func(conn net.Conn) {
		readFramed(t, conn) // HELLO
		writeFramed(t, conn, 0x70, packstream.NewMap("server", "Neo4j/5.0.0"))
		buf := make([]byte, 1)
		if _, err := conn.Read(buf); err == nil {
			gotBytes <- struct{}{}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := dialAndHello(t, ctx, addr, proto.Version{4, 3}, nil)
	if err != nil {
		t.Fatalf("dialAndHello: %v", err)
	}

	err = conn.Run("RETURN 1", nil, proto.RunOptions{ImpUser: "alice"}, responsequeue.Handlers{})
	if err == nil {
		t.Fatal("expected 4.3 RUN with imp_user to fail before sending")
	}
	if err := conn.SendAll(ctx); err != nil {
		t.Fatalf("SendAll: %v", err)
	}

	select {
	case <-gotBytes:
		t.Fatal("server received bytes after a RUN that should never have been enqueued")
	case <-time.After(200 * time.Millisecond):
	}
}
