package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// StatsReporter periodically logs the pool's own counters alongside
// host CPU/memory, grounded on the same pairing the teacher's
// agent.SystemMonitor/handler.StartStatsReporter give backup
// throughput vs. host load (spec §10.5).
type StatsReporter struct {
	pool   *Pool
	logger *slog.Logger
	close  chan struct{}
	wg     sync.WaitGroup
}

func newStatsReporter(p *Pool, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		pool:   p,
		logger: logger.With("component", "pool_stats"),
		close:  make(chan struct{}),
	}
}

// Start begins periodic reporting.
func (r *StatsReporter) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop halts reporting and waits for the goroutine to exit.
func (r *StatsReporter) Stop() {
	close(r.close)
	r.wg.Wait()
}

func (r *StatsReporter) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.close:
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *StatsReporter) report() {
	stats := r.pool.Stats()

	var cpuPercent, memPercent float64
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPercent = pcts[0]
	} else {
		r.logger.Debug("failed to collect cpu stats", "error", err)
	}
	if v, err := mem.VirtualMemory(); err == nil {
		memPercent = v.UsedPercent
	} else {
		r.logger.Debug("failed to collect memory stats", "error", err)
	}

	r.logger.Info("pool stats",
		"leased", stats.Leased,
		"idle", stats.Idle,
		"dial_failures", stats.DialFailures,
		"write_failures", stats.WriteFailures,
		"host_cpu_percent", cpuPercent,
		"host_mem_percent", memPercent,
	)
}
