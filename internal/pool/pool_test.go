package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/neobolt/internal/bolt/boltcode"
	"github.com/nishisan-dev/neobolt/internal/bolt/chunking"
	"github.com/nishisan-dev/neobolt/internal/bolt/connection"
	"github.com/nishisan-dev/neobolt/internal/bolt/packstream"
	"github.com/nishisan-dev/neobolt/internal/bolt/proto"
	"github.com/nishisan-dev/neobolt/internal/config"
)

func testConfig() config.PoolConfig {
	return config.PoolConfig{
		MaxSize:           2,
		AcquireTimeout:    time.Second,
		DialBackoffMin:    10 * time.Millisecond,
		DialBackoffMax:    50 * time.Millisecond,
		DialRatePerSecond: 1000,
		IdleKeepAlive:     time.Hour,
		KeepAliveCron:     "@every 1h",
		MaxChunkSize:      16384,
	}
}

func writeFramedHello(t *testing.T, conn net.Conn) {
	t.Helper()
	enc := packstream.NewEncoder(nil)
	if err := enc.WriteStructHeader(0x70, 1); err != nil {
		t.Fatalf("WriteStructHeader: %v", err)
	}
	if err := enc.WriteValue(packstream.NewMap("server", "Neo4j/5.0.0")); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	ob := chunking.NewOutbox(0, 0)
	ob.Write(enc.Bytes())
	ob.Chunk()
	if _, err := conn.Write(ob.View()); err != nil {
		t.Fatalf("writing HELLO success: %v", err)
	}
}

// testDialer completes a real HELLO handshake over net.Pipe, standing
// in for a TCP dial + TLS + HELLO in production.
func testDialer(t *testing.T) Dialer {
	return func(ctx context.Context, address string) (*connection.Connection, error) {
		clientConn, serverConn := net.Pipe()
		t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

		c, err := connection.New(connection.Options{Conn: clientConn, Address: address, Version: proto.Version{5, 0}})
		if err != nil {
			return nil, err
		}

		go func() {
			buf := make([]byte, 4096)
			for {
				if _, err := serverConn.Read(buf); err != nil {
					return
				}
			}
		}()

		done := make(chan struct{})
		go func() {
			defer close(done)
			writeFramedHello(t, serverConn)
		}()

		hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := c.Hello(hctx, "pool-test/1", packstream.NewMap("scheme", "none")); err != nil {
			return nil, err
		}
		<-done
		return c, nil
	}
}

func TestAcquireReusesReleasedConnection(t *testing.T) {
	p := New(testConfig(), testDialer(t), nil)
	ctx := context.Background()

	c1, err := p.Acquire(ctx, "a:7687")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c1)

	c2, err := p.Acquire(ctx, "a:7687")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if c2 != c1 {
		t.Fatal("expected Acquire to reuse the released connection")
	}
}

func TestAcquireFailsWhenPoolExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 1
	p := New(cfg, testDialer(t), nil)
	ctx := context.Background()

	if _, err := p.Acquire(ctx, "a:7687"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	_, err := p.Acquire(ctx, "a:7687")
	if err == nil {
		t.Fatal("expected the second Acquire to fail once max_size is reached")
	}
	if _, ok := err.(*boltcode.ServiceUnavailable); !ok {
		t.Fatalf("error = %T, want *boltcode.ServiceUnavailable", err)
	}
}

func TestReleaseClosesConnectionNotInReadyState(t *testing.T) {
	p := New(testConfig(), testDialer(t), nil)

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()

	c, err := connection.New(connection.Options{Conn: clientConn, Address: "a:7687", Version: proto.Version{5, 0}})
	if err != nil {
		t.Fatalf("connection.New: %v", err)
	}
	// Never say HELLO: the connection stays CONNECTED, which is not
	// the RESET-equivalent state Release requires to recycle it.
	p.Release(c)

	stats := p.Stats()
	if stats.Idle != 0 {
		t.Fatalf("idle = %d, want 0 (non-ready connection must be closed, not pooled)", stats.Idle)
	}
}

func TestDeactivateDropsIdleAndBlocksReacquireUntilBackoffElapses(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, testDialer(t), nil)
	ctx := context.Background()

	c, err := p.Acquire(ctx, "a:7687")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c)

	p.Deactivate("a:7687")
	if stats := p.Stats(); stats.Idle != 0 {
		t.Fatalf("idle = %d, want 0 after Deactivate", stats.Idle)
	}

	if _, err := p.Acquire(ctx, "a:7687"); err == nil {
		t.Fatal("expected Acquire to fail while the address is deactivated")
	}

	time.Sleep(cfg.DialBackoffMax + 10*time.Millisecond)
	if _, err := p.Acquire(ctx, "a:7687"); err != nil {
		t.Fatalf("Acquire after backoff elapsed: %v", err)
	}
}

func TestOnWriteFailureDropsIdleAndCountsTowardStats(t *testing.T) {
	p := New(testConfig(), testDialer(t), nil)
	ctx := context.Background()

	c, err := p.Acquire(ctx, "a:7687")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c)

	p.OnWriteFailure("a:7687")

	stats := p.Stats()
	if stats.Idle != 0 {
		t.Fatalf("idle = %d, want 0 after OnWriteFailure", stats.Idle)
	}
	if stats.WriteFailures != 1 {
		t.Fatalf("WriteFailures = %d, want 1", stats.WriteFailures)
	}
}

func TestMarkAllStaleClosesIdleAcrossAddresses(t *testing.T) {
	p := New(testConfig(), testDialer(t), nil)
	ctx := context.Background()

	ca, err := p.Acquire(ctx, "a:7687")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	cb, err := p.Acquire(ctx, "b:7687")
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	p.Release(ca)
	p.Release(cb)

	if stats := p.Stats(); stats.Idle != 2 {
		t.Fatalf("idle = %d, want 2 before MarkAllStale", stats.Idle)
	}

	p.MarkAllStale()

	if stats := p.Stats(); stats.Idle != 0 {
		t.Fatalf("idle = %d, want 0 after MarkAllStale", stats.Idle)
	}
}

func TestKeepAliveSweepSendsNoopToIdleConnections(t *testing.T) {
	cfg := testConfig()
	cfg.IdleKeepAlive = 0 // every idle connection is immediately due
	p := New(cfg, testDialer(t), nil)
	ctx := context.Background()

	c, err := p.Acquire(ctx, "a:7687")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c)

	p.keepAliveSweep()

	if c.IsDefunct() {
		t.Fatal("a NOOP write must not mark the connection defunct")
	}
}
