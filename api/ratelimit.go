package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	loginAttempts = 10
	loginWindow   = time.Minute
	limiterTTL    = 10 * time.Minute
)

type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// remoteLimiter throttles requests per client IP with a token bucket that
// refills n tokens over window.
type remoteLimiter struct {
	n      int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*ipLimiter
}

func newRemoteLimiter(n int, window time.Duration) *remoteLimiter {
	return &remoteLimiter{
		n:       n,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*ipLimiter),
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allow reports whether ip may proceed and, if not, how long until it may.
func (l *remoteLimiter) allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, c := range l.clients {
		if now.Sub(c.lastAccess) > limiterTTL {
			delete(l.clients, k)
		}
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &ipLimiter{limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.n)), l.n)}
		l.clients[ip] = c
	}
	c.lastAccess = now

	res := c.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *remoteLimiter) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := l.allow(remoteIP(r)); !ok {
			secs := int(wait.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
