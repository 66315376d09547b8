// Package pool is the reference implementation of the connection-pool
// consumer the Bolt core invokes through connection.Pool. The core
// itself depends only on that interface; nothing under
// internal/bolt/... imports this package. It exists to give the
// domain-stack dependencies (golang.org/x/time/rate, robfig/cron/v3,
// shirou/gopsutil/v3) a concrete home, and as a usable starting point
// for a real driver built on top of internal/bolt.
package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/neobolt/internal/bolt/boltcode"
	"github.com/nishisan-dev/neobolt/internal/bolt/connection"
	"github.com/nishisan-dev/neobolt/internal/config"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

// Dialer opens and initializes (HELLO-completed) a connection to
// address. The pool never performs handshakes itself — the caller's
// Dialer owns auth, TLS, and version negotiation.
type Dialer func(ctx context.Context, address string) (*connection.Connection, error)

type entry struct {
	conn         *connection.Connection
	lastActivity time.Time
}

// Pool is a per-address connection cache bounded to cfg.MaxSize total
// connections, with dial-rate limiting, idle keep-alives, and periodic
// diagnostics logging. It implements connection.Pool so the core can
// drive its deactivation/write-failure/stale-marking side effects
// (spec §4.6 step 5) directly.
type Pool struct {
	mu          sync.Mutex
	cfg         config.PoolConfig
	dialer      Dialer
	dialLimiter *rate.Limiter
	logger      *slog.Logger

	idle        map[string][]*entry
	deactivated map[string]time.Time
	leased      int

	dialFailures  int64
	writeFailures int64

	cron    *cron.Cron
	cronJob cron.EntryID
	monitor *StatsReporter
}

// New builds a Pool. dialer is called whenever Acquire needs a fresh
// connection and the pool is below cfg.MaxSize.
func New(cfg config.PoolConfig, dialer Dialer, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		cfg:         cfg,
		dialer:      dialer,
		dialLimiter: rate.NewLimiter(rate.Limit(cfg.DialRatePerSecond), cfg.DialRatePerSecond),
		logger:      logger,
		idle:        make(map[string][]*entry),
		deactivated: make(map[string]time.Time),
	}
}

// Start registers the idle keep-alive sweep (§10.4) and the stats
// reporter (§10.5) and begins running them.
func (p *Pool) Start() {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(p.logger.Handler(), slog.LevelDebug))))
	id, err := c.AddFunc(p.cfg.KeepAliveCron, p.keepAliveSweep)
	if err != nil {
		p.logger.Error("pool: failed to register keep-alive sweep", "schedule", p.cfg.KeepAliveCron, "error", err)
	} else {
		p.cron = c
		p.cronJob = id
		c.Start()
	}

	p.monitor = newStatsReporter(p, p.logger)
	p.monitor.Start()
}

// Stop drains in-flight cron/monitor work and closes every idle
// connection. Leased connections are the caller's responsibility.
func (p *Pool) Stop(ctx context.Context) {
	if p.cron != nil {
		stopCtx := p.cron.Stop()
		select {
		case <-stopCtx.Done():
			p.logger.Info("pool: keep-alive sweep stopped")
		case <-ctx.Done():
			p.logger.Warn("pool: keep-alive sweep stop timed out")
		}
	}
	if p.monitor != nil {
		p.monitor.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, list := range p.idle {
		for _, e := range list {
			_ = e.conn.Close()
		}
		delete(p.idle, addr)
	}
}

// Acquire returns a ready connection to address: an idle one if the
// pool has one, otherwise a freshly dialed one once the dial-rate
// limiter admits it and the pool has room (spec §10.2).
func (p *Pool) Acquire(ctx context.Context, address string) (*connection.Connection, error) {
	for {
		p.mu.Lock()
		if until, deactivated := p.deactivated[address]; deactivated {
			if time.Now().Before(until) {
				p.mu.Unlock()
				return nil, &boltcode.ServiceUnavailable{Msg: fmt.Sprintf("%s is deactivated until %s", address, until.Format(time.RFC3339))}
			}
			delete(p.deactivated, address)
		}

		if list := p.idle[address]; len(list) > 0 {
			e := list[len(list)-1]
			p.idle[address] = list[:len(list)-1]
			if e.conn.IsDefunct() {
				p.mu.Unlock()
				_ = e.conn.Close()
				continue
			}
			p.leased++
			p.mu.Unlock()
			return e.conn, nil
		}

		if p.totalLocked() >= p.cfg.MaxSize {
			p.mu.Unlock()
			return nil, &boltcode.ServiceUnavailable{Msg: fmt.Sprintf("pool exhausted (max_size=%d) acquiring %s", p.cfg.MaxSize, address)}
		}
		p.mu.Unlock()

		if err := p.dialLimiter.Wait(ctx); err != nil {
			return nil, err
		}
		var conn *connection.Connection
		err := connection.WithErrorHandling(
			func() error {
				var dialErr error
				conn, dialErr = p.dialer(ctx, address)
				return dialErr
			},
			func(dialErr error) {
				p.logger.Warn("pool: dial failed", "address", address, "error", dialErr)
			},
		)
		if err != nil {
			p.mu.Lock()
			p.dialFailures++
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Lock()
		p.leased++
		p.mu.Unlock()
		return conn, nil
	}
}

// Release returns c to the idle pool for its address, or closes it if
// it is defunct or not in the RESET-equivalent state (spec §4.3 "IsReset").
func (p *Pool) Release(c *connection.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leased--

	if c.IsDefunct() || !c.IsReset() {
		_ = c.Close()
		return
	}
	p.idle[c.Address()] = append(p.idle[c.Address()], &entry{conn: c, lastActivity: time.Now()})
}

func (p *Pool) totalLocked() int {
	n := p.leased
	for _, list := range p.idle {
		n += len(list)
	}
	return n
}

// Deactivate implements connection.Pool: it drops every idle
// connection to address and refuses new ones until the dial backoff
// ceiling elapses (spec §4.6 step 5, ServiceUnavailable/DatabaseUnavailable).
func (p *Pool) Deactivate(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.idle[address] {
		_ = e.conn.Close()
	}
	delete(p.idle, address)
	p.deactivated[address] = time.Now().Add(p.cfg.DialBackoffMax)
	p.logger.Warn("pool: address deactivated", "address", address, "until", p.deactivated[address])
}

// OnWriteFailure implements connection.Pool: a NotALeader or
// ForbiddenOnReadOnlyDatabase response means this address answered but
// is the wrong target for writes, so its idle connections are dropped
// to force fresh routing on the next Acquire (spec §4.6 step 5).
func (p *Pool) OnWriteFailure(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeFailures++
	for _, e := range p.idle[address] {
		_ = e.conn.Close()
	}
	delete(p.idle, address)
	p.logger.Info("pool: write failure reported against address", "address", address)
}

// MarkAllStale implements connection.Pool: every idle connection
// across every address is closed, forcing the next Acquire for each
// address to dial fresh (spec §4.6 step 5, AuthorizationExpired).
func (p *Pool) MarkAllStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, list := range p.idle {
		for _, e := range list {
			_ = e.conn.Close()
		}
		delete(p.idle, addr)
	}
	p.logger.Info("pool: all idle connections marked stale")
}

// keepAliveSweep writes a NOOP to every idle connection that has been
// quiet for longer than cfg.IdleKeepAlive (spec §10.4).
func (p *Pool) keepAliveSweep() {
	now := time.Now()
	var due []*entry

	p.mu.Lock()
	for _, list := range p.idle {
		for _, e := range list {
			if now.Sub(e.lastActivity) >= p.cfg.IdleKeepAlive {
				due = append(due, e)
			}
		}
	}
	p.mu.Unlock()

	for _, e := range due {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.conn.Noop(ctx); err != nil {
			p.logger.Debug("pool: keep-alive noop failed", "address", e.conn.Address(), "error", err)
		} else {
			e.lastActivity = time.Now()
		}
		cancel()
	}
}

// Stats snapshots the pool's own counters.
type Stats struct {
	Leased        int
	Idle          int
	DialFailures  int64
	WriteFailures int64
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, list := range p.idle {
		idle += len(list)
	}
	return Stats{
		Leased:        p.leased,
		Idle:          idle,
		DialFailures:  p.dialFailures,
		WriteFailures: p.writeFailures,
	}
}
