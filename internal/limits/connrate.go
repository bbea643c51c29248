// Package limits carries the ambient admission-control concerns the
// Connection Supervisor consults before it upgrades a socket (§4.5):
// per-IP and global connection rate limiting, and a static
// resource-backed admission guard. Neither is part of the spec's core
// component list; both are the kind of ambient hardening the teacher's
// own server never goes without, so connd doesn't either.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pushgate/connd/internal/monitoring"
)

// ConnectionRateLimiter bounds new-connection admission by IP and
// system-wide, grounded on the teacher's
// internal/shared/limits/connection_rate_limiter.go: a global token
// bucket checked first (cheap, no map lookup), then a per-IP bucket
// created lazily and reaped by a background TTL sweep.
type ConnectionRateLimiter struct {
	ipMu       sync.RWMutex
	ipLimiters map[string]*ipLimiterEntry
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig configures both rate-limit levels.
type ConnectionRateLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
	Logger      zerolog.Logger
}

// NewConnectionRateLimiter constructs a limiter and starts its cleanup
// goroutine. Zero-value fields fall back to conservative defaults.
func NewConnectionRateLimiter(cfg ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	crl := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        cfg.Logger,
		cleanupTicker: time.NewTicker(time.Minute),
		stopCleanup:   make(chan struct{}),
	}
	go crl.cleanupLoop()
	return crl
}

// CheckConnectionAllowed applies the global bucket first, then the
// per-IP bucket; both must admit the attempt.
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	if !crl.globalLimiter.Allow() {
		monitoring.ConnectionsRejected.WithLabelValues("global_rate_limit").Inc()
		return false
	}
	if !crl.getIPLimiter(ip).Allow() {
		monitoring.ConnectionsRejected.WithLabelValues("ip_rate_limit").Inc()
		return false
	}
	return true
}

func (crl *ConnectionRateLimiter) getIPLimiter(ip string) *rate.Limiter {
	crl.ipMu.RLock()
	entry, ok := crl.ipLimiters[ip]
	crl.ipMu.RUnlock()
	if ok {
		crl.ipMu.Lock()
		entry.lastAccess = time.Now()
		crl.ipMu.Unlock()
		return entry.limiter
	}

	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	if entry, ok = crl.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-crl.cleanupTicker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			crl.cleanupTicker.Stop()
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	now := time.Now()
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
		}
	}
}

// Stop ends the cleanup goroutine. Call during process shutdown.
func (crl *ConnectionRateLimiter) Stop() {
	close(crl.stopCleanup)
}
