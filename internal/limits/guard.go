package limits

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushgate/connd/internal/monitoring"
)

// AdmissionGuard enforces the Connection Supervisor's static admission
// policy (§4.5 "backpressure", §7 capacity concerns): a hard connection
// ceiling plus a CPU safety valve, grounded on the teacher's
// internal/shared/limits/resource_guard.go ("static configuration,
// safety valves, no auto-calculation" philosophy) but trimmed to the
// two checks connd's supervisor actually gates on — the teacher's
// Kafka/broadcast consumption rate limiters have no analogue here
// since this core has no Kafka concern (see DESIGN.md).
type AdmissionGuard struct {
	maxConnections int64
	maxCPUPercent  float64

	current *int64 // shared with the caller; usually the supervisor's live count

	cpu    *CPUMonitor
	logger zerolog.Logger

	cpuPercent atomic.Value // float64, updated by the monitor loop
}

// AdmissionGuardConfig configures the guard's static thresholds.
type AdmissionGuardConfig struct {
	MaxConnections int64
	MaxCPUPercent  float64 // 0 disables the CPU check
	CurrentCount   *int64
	Logger         zerolog.Logger
}

// NewAdmissionGuard constructs a guard and, if a CPU threshold was
// configured, its CPU monitor. Sampling starts only once the caller runs
// StartMonitoring.
func NewAdmissionGuard(cfg AdmissionGuardConfig) *AdmissionGuard {
	g := &AdmissionGuard{
		maxConnections: cfg.MaxConnections,
		maxCPUPercent:  cfg.MaxCPUPercent,
		current:        cfg.CurrentCount,
		logger:         cfg.Logger,
	}
	g.cpuPercent.Store(0.0)
	if cfg.MaxCPUPercent > 0 {
		g.cpu = NewCPUMonitor(cfg.Logger)
	}
	return g
}

// StartMonitoring runs the CPU sampling loop until ctx is cancelled.
func (g *AdmissionGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if g.cpu == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pct, err := g.cpu.Percent()
			if err != nil {
				g.logger.Warn().Err(err).Msg("cpu sample failed")
				continue
			}
			g.cpuPercent.Store(pct)
			monitoring.CPUUsagePercent.Set(pct)
		}
	}
}

// ShouldAcceptConnection is the Connection Supervisor's admission
// check, consulted before each WebSocket upgrade (§4.5).
func (g *AdmissionGuard) ShouldAcceptConnection() (ok bool, reason string) {
	if g.current != nil && atomic.LoadInt64(g.current) >= g.maxConnections {
		return false, "max_connections"
	}
	if g.maxCPUPercent > 0 {
		if pct, _ := g.cpuPercent.Load().(float64); pct >= g.maxCPUPercent {
			return false, "cpu_overload"
		}
	}
	return true, ""
}
