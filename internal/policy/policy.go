// Package policy implements the connection security policies: IP banning,
// connection rate limiting and invalid-share tracking.
package policy

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryptonote-labs/cn-pool/internal/storage"
	"github.com/cryptonote-labs/cn-pool/internal/util"
)

// Config holds policy configuration
type Config struct {
	BanningEnabled bool
	BanTimeout     time.Duration // how long an IP stays banned
	InvalidPercent float64       // invalid-share ratio that triggers a ban
	CheckThreshold int32         // minimum shares before checking the ratio
	MalformedLimit int32         // malformed requests before a ban

	RateLimitEnabled bool
	ConnectionLimit  int32         // new connections per IP per reset interval
	ConnectionGrace  time.Duration // grace period after startup
	LimitJump        int32         // allowance restored per valid share

	ResetInterval   time.Duration // how often stale stats are dropped
	RefreshInterval time.Duration // how often ban lists reload from storage
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BanningEnabled: true,
		BanTimeout:     30 * time.Minute,
		InvalidPercent: 50.0,
		CheckThreshold: 30,
		MalformedLimit: 5,

		RateLimitEnabled: true,
		ConnectionLimit:  100,
		ConnectionGrace:  5 * time.Minute,
		LimitJump:        5,

		ResetInterval:   time.Hour,
		RefreshInterval: 5 * time.Minute,
	}
}

// IPStats tracks per-IP counters
type IPStats struct {
	mu            sync.Mutex
	LastBeat      int64
	BannedAt      int64
	ValidShares   int32
	InvalidShares int32
	Malformed     int32
	ConnLimit     int32
	Banned        int32
}

// Server enforces the policies
type Server struct {
	config *Config
	redis  *storage.RedisClient

	statsMu sync.RWMutex
	stats   map[string]*IPStats

	listMu    sync.RWMutex
	blacklist map[string]struct{}
	whitelist map[string]struct{}

	startedAt int64

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a policy server. redis may be nil; the ban lists are
// then memory-only.
func NewServer(cfg *Config, redis *storage.RedisClient) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Server{
		config:    cfg,
		redis:     redis,
		stats:     make(map[string]*IPStats),
		blacklist: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
		startedAt: time.Now().UnixMilli(),
		quit:      make(chan struct{}),
	}
}

// Start begins the background reset and refresh loops
func (p *Server) Start() {
	p.refreshLists()

	p.wg.Add(2)
	go p.resetLoop()
	go p.refreshLoop()

	util.Info("Policy server started")
}

// Stop shuts down the policy server
func (p *Server) Stop() {
	close(p.quit)
	p.wg.Wait()
	util.Info("Policy server stopped")
}

func (p *Server) resetLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.resetStats()
		}
	}
}

func (p *Server) refreshLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.refreshLists()
		}
	}
}

// resetStats expires bans and drops stale entries
func (p *Server) resetStats() {
	now := time.Now().UnixMilli()
	banTimeout := p.config.BanTimeout.Milliseconds()
	staleTimeout := p.config.ResetInterval.Milliseconds()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	removed, unbanned := 0, 0

	for ip, stats := range p.stats {
		stats.mu.Lock()

		if stats.BannedAt > 0 && now-stats.BannedAt >= banTimeout {
			stats.BannedAt = 0
			if atomic.CompareAndSwapInt32(&stats.Banned, 1, 0) {
				unbanned++
				util.Infof("Ban expired for %s", ip)
			}
		}

		if now-stats.LastBeat >= staleTimeout && stats.Banned == 0 {
			stats.mu.Unlock()
			delete(p.stats, ip)
			removed++
			continue
		}

		stats.ConnLimit = p.config.ConnectionLimit
		stats.mu.Unlock()
	}

	if removed > 0 || unbanned > 0 {
		util.Debugf("Policy stats reset: removed %d stale, unbanned %d IPs", removed, unbanned)
	}
}

// refreshLists reloads the ban lists from storage
func (p *Server) refreshLists() {
	if p.redis == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	blacklist, err := p.redis.GetBlacklist(ctx)
	if err != nil {
		util.Warnf("Failed to load blacklist: %v", err)
	} else {
		p.listMu.Lock()
		p.blacklist = make(map[string]struct{}, len(blacklist))
		for _, addr := range blacklist {
			p.blacklist[strings.ToLower(addr)] = struct{}{}
		}
		p.listMu.Unlock()
	}

	whitelist, err := p.redis.GetWhitelist(ctx)
	if err != nil {
		util.Warnf("Failed to load whitelist: %v", err)
	} else {
		p.listMu.Lock()
		p.whitelist = make(map[string]struct{}, len(whitelist))
		for _, ip := range whitelist {
			p.whitelist[ip] = struct{}{}
		}
		p.listMu.Unlock()
	}
}

// getStats gets or creates stats for an IP
func (p *Server) getStats(ip string) *IPStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats, ok := p.stats[ip]
	if !ok {
		stats = &IPStats{
			LastBeat:  time.Now().UnixMilli(),
			ConnLimit: p.config.ConnectionLimit,
		}
		p.stats[ip] = stats
	} else {
		stats.LastBeat = time.Now().UnixMilli()
	}

	return stats
}

// IsBanned checks whether an IP is currently banned
func (p *Server) IsBanned(ip string) bool {
	if !p.config.BanningEnabled {
		return false
	}

	stats := p.getStats(ip)
	return atomic.LoadInt32(&stats.Banned) > 0
}

// ApplyConnectionLimit decrements the connection allowance; false means
// the connection must be refused
func (p *Server) ApplyConnectionLimit(ip string) bool {
	if !p.config.RateLimitEnabled {
		return true
	}

	if time.Now().UnixMilli()-p.startedAt < p.config.ConnectionGrace.Milliseconds() {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.ConnLimit--
	return stats.ConnLimit >= 0
}

// ApplyLoginPolicy rejects blacklisted wallet addresses and bans the
// submitting IP
func (p *Server) ApplyLoginPolicy(address, ip string) bool {
	p.listMu.RLock()
	_, blacklisted := p.blacklist[strings.ToLower(address)]
	p.listMu.RUnlock()

	if blacklisted {
		util.Warnf("Blacklisted address %s from IP %s", address, ip)
		p.BanIP(ip)
		return false
	}

	return true
}

// ApplyMalformedPolicy tracks malformed requests; false means the IP was
// banned
func (p *Server) ApplyMalformedPolicy(ip string) bool {
	if !p.config.BanningEnabled {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	stats.Malformed++
	over := stats.Malformed >= p.config.MalformedLimit
	stats.mu.Unlock()

	if over {
		p.BanIP(ip)
		return false
	}

	return true
}

// ApplySharePolicy tracks valid and invalid shares; false means the IP
// crossed the invalid-share ratio and was banned
func (p *Server) ApplySharePolicy(ip string, valid bool) bool {
	if !p.config.BanningEnabled {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()

	if valid {
		stats.ValidShares++
		if p.config.RateLimitEnabled {
			stats.ConnLimit += p.config.LimitJump
		}
	} else {
		stats.InvalidShares++
	}

	totalShares := stats.ValidShares + stats.InvalidShares
	if totalShares < p.config.CheckThreshold {
		stats.mu.Unlock()
		return true
	}

	invalidRatio := float64(stats.InvalidShares) / float64(stats.ValidShares+1) * 100

	stats.ValidShares = 0
	stats.InvalidShares = 0
	stats.mu.Unlock()

	if invalidRatio >= p.config.InvalidPercent {
		util.Warnf("Banning %s: invalid share ratio %.1f%% >= %.1f%%", ip, invalidRatio, p.config.InvalidPercent)
		p.BanIP(ip)
		return false
	}

	return true
}

// BanIP bans an IP for the configured duration
func (p *Server) BanIP(ip string) {
	if !p.config.BanningEnabled {
		return
	}

	p.listMu.RLock()
	_, whitelisted := p.whitelist[ip]
	p.listMu.RUnlock()

	if whitelisted {
		util.Debugf("IP %s is whitelisted, not banning", ip)
		return
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	stats.BannedAt = time.Now().UnixMilli()
	stats.mu.Unlock()

	if atomic.CompareAndSwapInt32(&stats.Banned, 0, 1) {
		util.Infof("Banned IP: %s", ip)
	}
}

// IsWhitelisted checks the never-ban list
func (p *Server) IsWhitelisted(ip string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.whitelist[ip]
	return ok
}

// IsBlacklisted checks whether a wallet address is blocked
func (p *Server) IsBlacklisted(address string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.blacklist[strings.ToLower(address)]
	return ok
}

// AddToBlacklist blocks a wallet address, persisting it when storage is
// configured
func (p *Server) AddToBlacklist(address string) error {
	if p.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.redis.AddToBlacklist(ctx, address); err != nil {
			return err
		}
	}

	p.listMu.Lock()
	p.blacklist[strings.ToLower(address)] = struct{}{}
	p.listMu.Unlock()

	return nil
}

// AddToWhitelist marks an IP as never-ban
func (p *Server) AddToWhitelist(ip string) error {
	if p.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.redis.AddToWhitelist(ctx, ip); err != nil {
			return err
		}
	}

	p.listMu.Lock()
	p.whitelist[ip] = struct{}{}
	p.listMu.Unlock()

	return nil
}

// Counts returns stats totals for monitoring
func (p *Server) Counts() (total, banned int) {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()

	total = len(p.stats)
	for _, stats := range p.stats {
		if atomic.LoadInt32(&stats.Banned) > 0 {
			banned++
		}
	}
	return
}
