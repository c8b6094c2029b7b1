package auth

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultFailureThreshold = 10
	DefaultBlockDuration    = 15 * time.Minute
	DefaultDecayWindow      = 10 * time.Minute
)

type bindRecord struct {
	failures     int
	blockedUntil time.Time
	lastAttempt  time.Time
}

// BindGuard tracks failed bind attempts per source IP and blocks an IP once
// it reaches the failure threshold inside the decay window.
type BindGuard struct {
	mu        sync.Mutex
	records   map[string]*bindRecord
	threshold int
	block     time.Duration
	decay     time.Duration
	now       func() time.Time
	log       *logrus.Entry
}

func NewBindGuard(log *logrus.Entry) *BindGuard {
	return &BindGuard{
		records:   make(map[string]*bindRecord),
		threshold: DefaultFailureThreshold,
		block:     DefaultBlockDuration,
		decay:     DefaultDecayWindow,
		now:       time.Now,
		log:       log,
	}
}

// IsBlocked reports whether ip has an active block. Expired blocks are
// cleared on the way.
func (g *BindGuard) IsBlocked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || rec.blockedUntil.IsZero() {
		return false
	}
	if g.now().Before(rec.blockedUntil) {
		return true
	}
	delete(g.records, ip)
	return false
}

// RecordFailure counts a failed bind for ip and returns true when this
// failure installed a block.
func (g *BindGuard) RecordFailure(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec, ok := g.records[ip]
	if !ok {
		rec = &bindRecord{}
		g.records[ip] = rec
	}
	if !rec.lastAttempt.IsZero() && now.Sub(rec.lastAttempt) > g.decay {
		rec.failures = 0
	}
	rec.failures++
	rec.lastAttempt = now

	if rec.failures < g.threshold || now.Before(rec.blockedUntil) {
		return false
	}

	rec.blockedUntil = now.Add(g.block)
	if g.log != nil {
		g.log.WithFields(logrus.Fields{
			"ip":            ip,
			"failures":      rec.failures,
			"blocked_until": rec.blockedUntil,
		}).Warn("BindBlocked")
	}
	return true
}

// RecordSuccess clears all tracking for ip.
func (g *BindGuard) RecordSuccess(ip string) {
	g.mu.Lock()
	delete(g.records, ip)
	g.mu.Unlock()
}

// Sweep drops records whose failures have decayed and whose block, if any,
// has expired.
func (g *BindGuard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for ip, rec := range g.records {
		if now.Before(rec.blockedUntil) {
			continue
		}
		if now.Sub(rec.lastAttempt) > g.decay {
			delete(g.records, ip)
		}
	}
}

// Run sweeps on every interval until ctx is done.
func (g *BindGuard) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

func (g *BindGuard) tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}
