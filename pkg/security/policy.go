// Package security implements request throttling, suspicious-IP escalation
// and the connection whitelist.
package security

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/NicolasHaas/gojam/pkg/audit"
)

var (
	ErrRateLimited    = errors.New("security: rate limit exceeded")
	ErrIPBlocked      = errors.New("security: ip temporarily blocked")
	ErrNotWhitelisted = errors.New("security: ip not whitelisted")
)

// suspectEvictions bounds how many stale suspicious entries Check removes per call.
const suspectEvictions = 20

// PolicyConfig holds the throttling limits.
type PolicyConfig struct {
	Window             time.Duration // shared window for both counters
	IPLimit            int           // requests per IP per window
	UserLimit          int           // requests per user per window
	ViolationThreshold int           // IP limit excesses before a penalty
	Penalty            time.Duration // length of the blanket block
	SweepInterval      time.Duration // how often Run sweeps expired state
}

// DefaultPolicyConfig returns the production limits.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Window:             60 * time.Second,
		IPLimit:            100,
		UserLimit:          50,
		ViolationThreshold: 3,
		Penalty:            5 * time.Minute,
		SweepInterval:      time.Minute,
	}
}

type suspect struct {
	violations    int
	penaltyStart  time.Time // zero when not penalized
	lastViolation time.Time
}

// Policy combines the per-IP and per-user limiters, the escalation table and
// the whitelist. Safe for concurrent use.
type Policy struct {
	cfg       PolicyConfig
	ips       *Limiter
	users     *Limiter
	whitelist *Whitelist
	audit     *audit.Log
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	suspicious map[string]*suspect
}

// NewPolicy creates a policy. whitelist and auditLog may be nil.
func NewPolicy(cfg PolicyConfig, whitelist *Whitelist, auditLog *audit.Log, logger *slog.Logger) *Policy {
	return NewPolicyWithClock(cfg, whitelist, auditLog, logger, time.Now)
}

// NewPolicyWithClock is NewPolicy with an injected clock.
func NewPolicyWithClock(cfg PolicyConfig, whitelist *Whitelist, auditLog *audit.Log, logger *slog.Logger, now func() time.Time) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		cfg:        cfg,
		ips:        NewLimiterWithClock(cfg.IPLimit, cfg.Window, now),
		users:      NewLimiterWithClock(cfg.UserLimit, cfg.Window, now),
		whitelist:  whitelist,
		audit:      auditLog,
		logger:     logger,
		now:        now,
		suspicious: make(map[string]*suspect),
	}
}

// Whitelist returns the whitelist in use, or nil.
func (p *Policy) Whitelist() *Whitelist {
	return p.whitelist
}

// CheckConnect runs the connection-time checks: whitelist first, then any
// active penalty. A non-nil error means the connection must be dropped.
func (p *Policy) CheckConnect(ip string) error {
	if p.whitelist != nil && !p.whitelist.Allowed(ip) {
		p.record(audit.KindNotWhitelisted, map[string]any{"ip": ip})
		return ErrNotWhitelisted
	}
	if p.Penalized(ip) {
		return ErrIPBlocked
	}
	return nil
}

// Check counts one request from ip (and userID, when non-empty).
// It returns ErrIPBlocked during a penalty and ErrRateLimited when either
// counter is over its limit.
func (p *Policy) Check(ip, userID string) error {
	now := p.now()
	if p.penalizedAt(ip, now) {
		return ErrIPBlocked
	}

	ipOK := p.ips.Allow(ip)
	userOK := true
	if userID != "" {
		userOK = p.users.Allow(userID)
	}

	if !ipOK {
		p.violation(ip, now)
	}
	if !ipOK || !userOK {
		p.record(audit.KindRateLimited, map[string]any{"ip": ip, "user": userID, "ip_limited": !ipOK, "user_limited": !userOK})
		return ErrRateLimited
	}
	return nil
}

// Penalized reports whether ip is inside a penalty window.
func (p *Policy) Penalized(ip string) bool {
	return p.penalizedAt(ip, p.now())
}

func (p *Policy) penalizedAt(ip string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.evictLocked(now, suspectEvictions)

	s := p.suspicious[ip]
	if s == nil || s.penaltyStart.IsZero() {
		return false
	}
	if now.Before(s.penaltyStart.Add(p.cfg.Penalty)) {
		return true
	}
	// Penalty served: start over.
	delete(p.suspicious, ip)
	return false
}

func (p *Policy) violation(ip string, now time.Time) {
	p.mu.Lock()
	s := p.suspicious[ip]
	if s == nil {
		s = &suspect{}
		p.suspicious[ip] = s
	}
	s.violations++
	s.lastViolation = now
	penalize := s.violations >= p.cfg.ViolationThreshold && s.penaltyStart.IsZero()
	if penalize {
		s.penaltyStart = now
	}
	violations := s.violations
	p.mu.Unlock()

	if penalize {
		p.record(audit.KindIPPenalized, map[string]any{
			"ip":         ip,
			"violations": violations,
			"penalty":    p.cfg.Penalty.String(),
		})
	}
}

// evictLocked drops up to limit entries that are neither penalized nor
// recently violating. limit < 0 means no bound.
func (p *Policy) evictLocked(now time.Time, limit int) int {
	removed, scanned := 0, 0
	for ip, s := range p.suspicious {
		if limit >= 0 && (removed >= limit || scanned >= 4*limit) {
			break
		}
		scanned++
		var stale bool
		if s.penaltyStart.IsZero() {
			stale = !now.Before(s.lastViolation.Add(p.cfg.Penalty))
		} else {
			stale = !now.Before(s.penaltyStart.Add(p.cfg.Penalty))
		}
		if stale {
			delete(p.suspicious, ip)
			removed++
		}
	}
	return removed
}

// Sweep removes all expired limiter windows and stale suspicious entries.
func (p *Policy) Sweep() {
	ips := p.ips.Sweep()
	users := p.users.Sweep()
	p.mu.Lock()
	suspects := p.evictLocked(p.now(), -1)
	p.mu.Unlock()
	if ips+users+suspects > 0 {
		p.logger.Debug("rate limit sweep", "ip_windows", ips, "user_windows", users, "suspects", suspects)
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (p *Policy) Run(ctx context.Context) {
	interval := p.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

func (p *Policy) record(kind audit.Kind, detail map[string]any) {
	if p.audit != nil {
		p.audit.Record(kind, detail)
	}
}
