package sftpsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// SessionPool manages reusable remote sessions keyed by host identity
// (host, port, user, auth material, and the full jump chain). Sessions
// are leased for the duration of one operation and returned; a session
// is never leased to two callers at once. Per-identity caps bound the
// number of physical connections: excess lease calls block until a
// session frees up.
type SessionPool struct {
	mu     sync.Mutex
	dialer SessionDialer
	cfg    PoolConfig
	idents map[string]*identityPool
	done   chan struct{}
	closed bool
}

// PooledSession wraps one leased session together with its pool
// bookkeeping. Callers use it as a RemoteSession and hand it back via
// Release or Retire.
type PooledSession struct {
	RemoteSession

	key       string
	createdAt time.Time
	lastUsed  time.Time
	busy      bool
}

// CreatedAt returns when the underlying connection was established.
func (s *PooledSession) CreatedAt() time.Time { return s.createdAt }

// LastUsed returns when the session was last leased or released.
func (s *PooledSession) LastUsed() time.Time { return s.lastUsed }

type identityPool struct {
	host    HostConfig
	idle    []*PooledSession
	leased  map[*PooledSession]struct{}
	total   int // physical connections: leased + idle + being dialed
	waiters []chan *PooledSession
}

// NewSessionPool creates a session pool backed by the given dialer.
// A background loop evicts idle sessions past cfg.MaxIdleTime.
func NewSessionPool(dialer SessionDialer, cfg PoolConfig) *SessionPool {
	p := &SessionPool{
		dialer: dialer,
		cfg:    cfg.WithDefaults(),
		idents: make(map[string]*identityPool),
		done:   make(chan struct{}),
	}

	go p.evictLoop()

	return p
}

// Lease returns a session for the given host, reusing an idle one,
// dialing a new connection if under the per-identity cap, or blocking
// until one is released. Dial failures propagate as ConnectError.
func (p *SessionPool) Lease(ctx context.Context, host HostConfig) (*PooledSession, error) {
	key := identityKey(host)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("session pool is closed")
		}
		ip := p.identity(key, host)

		if n := len(ip.idle); n > 0 {
			s := ip.idle[n-1]
			ip.idle = ip.idle[:n-1]
			s.busy = true
			s.lastUsed = time.Now()
			ip.leased[s] = struct{}{}
			p.mu.Unlock()
			return s, nil
		}

		if ip.total < p.cfg.MaxPerIdentity {
			ip.total++
			p.mu.Unlock()
			return p.dial(ctx, key, host)
		}

		ch := make(chan *PooledSession, 1)
		ip.waiters = append(ip.waiters, ch)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.abandonWait(key, ch)
			return nil, ctx.Err()
		case s := <-ch:
			if s != nil {
				return s, nil
			}
			// A slot freed up without a reusable session; loop and dial.
		}
	}
}

func (p *SessionPool) dial(ctx context.Context, key string, host HostConfig) (*PooledSession, error) {
	sess, err := p.dialer.Dial(ctx, host)
	if err != nil {
		p.mu.Lock()
		if ip, ok := p.idents[key]; ok {
			ip.total--
			p.wakeOne(ip, nil)
		}
		p.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	p.cfg.Logger.WithField("host", host.Addr()).Debug("session established")
	s := &PooledSession{
		RemoteSession: sess,
		key:           key,
		createdAt:     now,
		lastUsed:      now,
		busy:          true,
	}

	p.mu.Lock()
	if ip, ok := p.idents[key]; ok {
		ip.leased[s] = struct{}{}
	}
	p.mu.Unlock()
	return s, nil
}

// Release returns a leased session to the idle set, or hands it
// directly to a blocked lease call for the same identity.
func (p *SessionPool) Release(s *PooledSession) {
	if s == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s.lastUsed = time.Now()

	ip, ok := p.idents[s.key]
	if !ok || p.closed {
		s.busy = false
		s.RemoteSession.Close()
		return
	}
	delete(ip.leased, s)

	if p.wakeOne(ip, s) {
		return
	}

	s.busy = false
	ip.idle = append(ip.idle, s)
}

// Retire closes a session instead of returning it to the pool. Callers
// retire sessions whose last operation ended in a channel-level error.
func (p *SessionPool) Retire(s *PooledSession) {
	if s == nil {
		return
	}

	s.RemoteSession.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	if ip, ok := p.idents[s.key]; ok {
		delete(ip.leased, s)
		ip.total--
		p.wakeOne(ip, nil)
	}
}

// wakeOne hands s (or a nil "slot freed" signal) to the oldest waiter.
// Caller must hold p.mu.
func (p *SessionPool) wakeOne(ip *identityPool, s *PooledSession) bool {
	if len(ip.waiters) == 0 {
		return false
	}
	ch := ip.waiters[0]
	ip.waiters = ip.waiters[1:]
	if s != nil {
		s.lastUsed = time.Now()
		ip.leased[s] = struct{}{}
	}
	ch <- s
	return true
}

// abandonWait removes a waiter after its context expired. If a session
// was already handed to the channel, it is put back into circulation.
func (p *SessionPool) abandonWait(key string, ch chan *PooledSession) {
	p.mu.Lock()
	ip, ok := p.idents[key]
	if ok {
		for i, w := range ip.waiters {
			if w == ch {
				ip.waiters = append(ip.waiters[:i], ip.waiters[i+1:]...)
				p.mu.Unlock()
				return
			}
		}
	}
	p.mu.Unlock()

	// Not in the waiter list: a session or slot signal raced in.
	select {
	case s := <-ch:
		if s != nil {
			p.Release(s)
		} else {
			p.mu.Lock()
			if ip != nil {
				p.wakeOne(ip, nil)
			}
			p.mu.Unlock()
		}
	default:
	}
}

// EvictIdle closes sessions that have been idle longer than maxIdleAge.
func (p *SessionPool) EvictIdle(maxIdleAge time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for _, ip := range p.idents {
		kept := ip.idle[:0]
		for _, s := range ip.idle {
			if now.Sub(s.lastUsed) > maxIdleAge {
				s.RemoteSession.Close()
				ip.total--
				p.cfg.Logger.WithField("host", ip.host.Addr()).Debug("idle session evicted")
				continue
			}
			kept = append(kept, s)
		}
		ip.idle = kept
	}
}

// Close shuts down the pool and closes all idle sessions. Leased
// sessions are closed as they are released.
func (p *SessionPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)

	for _, ip := range p.idents {
		for _, s := range ip.idle {
			s.RemoteSession.Close()
		}
		ip.idle = nil
		for _, ch := range ip.waiters {
			close(ch)
		}
		ip.waiters = nil
	}
	p.mu.Unlock()
}

// SessionInfo describes one pooled session for introspection.
type SessionInfo struct {
	Identity  string
	CreatedAt time.Time
	LastUsed  time.Time
	Busy      bool
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Total    int
	Active   int
	Idle     int
	Sessions []SessionInfo
}

// Stats returns current pool statistics, including per-session
// created/last-used timestamps.
func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stats PoolStats
	for key, ip := range p.idents {
		stats.Total += ip.total
		stats.Idle += len(ip.idle)
		for _, s := range ip.idle {
			stats.Sessions = append(stats.Sessions, SessionInfo{
				Identity:  key,
				CreatedAt: s.createdAt,
				LastUsed:  s.lastUsed,
			})
		}
		for s := range ip.leased {
			stats.Sessions = append(stats.Sessions, SessionInfo{
				Identity:  key,
				CreatedAt: s.createdAt,
				LastUsed:  s.lastUsed,
				Busy:      true,
			})
		}
	}
	stats.Active = stats.Total - stats.Idle
	return stats
}

// identity returns the per-identity pool entry, creating it on first
// use. Caller must hold p.mu.
func (p *SessionPool) identity(key string, host HostConfig) *identityPool {
	ip, ok := p.idents[key]
	if !ok {
		ip = &identityPool{
			host:   host.WithDefaults(),
			leased: make(map[*PooledSession]struct{}),
		}
		p.idents[key] = ip
	}
	return ip
}

// identityKey derives the pooling key from everything that affects
// which physical connection a session rides on: target endpoint, auth
// material, and the full jump chain.
func identityKey(host HostConfig) string {
	cfg := host.WithDefaults()
	h := sha256.New()

	h.Write([]byte(cfg.Host))
	fmt.Fprintf(h, ":%d:", cfg.Port)
	h.Write([]byte(cfg.User))

	if cfg.Password != "" {
		h.Write([]byte(":password:"))
		h.Write([]byte(cfg.Password))
	}
	if cfg.PrivateKey != "" {
		h.Write([]byte(":key:"))
		h.Write([]byte(cfg.PrivateKey))
	}
	if cfg.KeyPath != "" {
		h.Write([]byte(":keypath:"))
		h.Write([]byte(cfg.KeyPath))
	}

	for _, hop := range cfg.Hops {
		h.Write([]byte(":hop:"))
		h.Write([]byte(hop.Host))
		fmt.Fprintf(h, ":%d:", hop.Port)
		h.Write([]byte(hop.User))
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (p *SessionPool) evictLoop() {
	ticker := time.NewTicker(p.cfg.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.EvictIdle(p.cfg.MaxIdleTime)
		case <-p.done:
			return
		}
	}
}
