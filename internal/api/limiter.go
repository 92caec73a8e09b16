package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"intake/internal/config"

	"golang.org/x/time/rate"
)

const (
	defaultMaxClients = 10000
	defaultIdle       = 10 * time.Minute
	overflowKey       = "overflow"
)

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client key. Buckets idle for longer
// than idle are dropped; past maxClients new callers share one bucket.
type rateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*clientLimiter
	cfg        config.APIRateLimitConfig
	maxClients int
	idle       time.Duration
	lastSweep  time.Time
	trusted    []netip.Prefix
	now        func() time.Time
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	l := &rateLimiter{
		limiters:   make(map[string]*clientLimiter),
		cfg:        cfg,
		maxClients: cfg.MaxClients,
		idle:       time.Duration(cfg.IdleSeconds) * time.Second,
		trusted:    parseTrustedProxies(cfg.TrustedProxies),
		now:        time.Now,
	}
	if l.maxClients <= 0 {
		l.maxClients = defaultMaxClients
	}
	if l.idle <= 0 {
		l.idle = defaultIdle
	}
	return l
}

func parseTrustedProxies(values []string) []netip.Prefix {
	var out []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if p, err := netip.ParsePrefix(v); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(v); err == nil {
			out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
		}
	}
	return out
}

func (l *rateLimiter) enabled() bool {
	return l.cfg.RPS > 0
}

func (l *rateLimiter) allow(key string) bool {
	if !l.enabled() {
		return true
	}
	return l.getLimiter(key).Allow()
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *rateLimiter) getLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}

	if c, ok := l.limiters[key]; ok {
		c.lastSeen = now
		return c.lim
	}

	if len(l.limiters) >= l.maxClients {
		if now.Sub(l.lastSweep) >= time.Second {
			l.sweep(now)
		}
		if len(l.limiters) >= l.maxClients {
			key = overflowKey
			if c, ok := l.limiters[key]; ok {
				c.lastSeen = now
				return c.lim
			}
		}
	}

	burst := l.cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	c := &clientLimiter{lim: rate.NewLimiter(rate.Limit(l.cfg.RPS), burst), lastSeen: now}
	l.limiters[key] = c
	return c.lim
}

// sweep drops idle buckets. Callers hold mu.
func (l *rateLimiter) sweep(now time.Time) {
	for k, c := range l.limiters {
		if now.Sub(c.lastSeen) >= l.idle {
			delete(l.limiters, k)
		}
	}
	l.lastSweep = now
}

// peerKey identifies the caller by network address. X-Forwarded-For counts
// only when the direct peer is a trusted proxy.
func (l *rateLimiter) peerKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return clientKeyUnknown
	}
	if l.trustedPeer(host) {
		if fwd := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-For"), ",")[0]); fwd != "" {
			if a, err := netip.ParseAddr(fwd); err == nil {
				return a.Unmap().String()
			}
		}
	}
	return host
}

func (l *rateLimiter) trustedPeer(host string) bool {
	if len(l.trusted) == 0 {
		return false
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range l.trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// clientKey is the bucket for r: a configured API key when one is presented,
// else the peer address.
func (s *HTTPServer) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(s.auth.header)); apiKey != "" {
		if client, ok := s.auth.lookup(apiKey); ok {
			return "key:" + client.Key
		}
	}
	return s.limiter.peerKey(r)
}
