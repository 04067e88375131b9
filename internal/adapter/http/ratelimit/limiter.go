// Package ratelimit throttles batch submissions per client.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// record keeps the times of a client's requests inside the window, oldest
// first.
type record struct {
	hits         []time.Time
	blockedUntil time.Time
}

// prune drops hits that have left the window ending at now.
func (r *record) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(r.hits) && now.Sub(r.hits[i]) >= window {
		i++
	}
	r.hits = r.hits[i:]
}

// Limiter allows maxRequests per client within any sliding window of
// windowDuration. A client that goes over is blocked for blockDuration.
type Limiter struct {
	mu             sync.Mutex
	clients        map[string]*record
	maxRequests    int
	windowDuration time.Duration
	blockDuration  time.Duration
	now            func() time.Time
	stop           chan struct{}
	stopOnce       sync.Once
}

func NewLimiter(maxRequests int, windowDuration, blockDuration time.Duration) *Limiter {
	l := &Limiter{
		clients:        make(map[string]*record),
		maxRequests:    maxRequests,
		windowDuration: windowDuration,
		blockDuration:  blockDuration,
		now:            time.Now,
		stop:           make(chan struct{}),
	}
	go l.cleanupLoop(time.Minute)
	return l
}

// Stop ends the background cleanup.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Check records a request from clientID. When the request is refused it
// returns how long the client has to wait.
func (l *Limiter) Check(clientID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.clients[clientID]
	if !ok {
		rec = &record{}
		l.clients[clientID] = rec
	}

	if now.Before(rec.blockedUntil) {
		return false, rec.blockedUntil.Sub(now)
	}

	rec.prune(now, l.windowDuration)
	if len(rec.hits) >= l.maxRequests {
		rec.blockedUntil = now.Add(l.blockDuration)
		rec.hits = nil
		return false, l.blockDuration
	}
	rec.hits = append(rec.hits, now)
	return true, 0
}

func (l *Limiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for id, rec := range l.clients {
		rec.prune(now, l.windowDuration)
		if len(rec.hits) == 0 && !now.Before(rec.blockedUntil) {
			delete(l.clients, id)
		}
	}
}

// Middleware refuses requests over the limit with 429 and a Retry-After
// header. Clients are keyed by ClientIP.
func Middleware(l *Limiter, behindProxy bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, wait := l.Check(ClientIP(r, behindProxy))
		if !allowed {
			secs := int((wait + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the address of the caller. Behind a proxy the first
// X-Forwarded-For entry is trusted.
func ClientIP(r *http.Request, behindProxy bool) string {
	if behindProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
