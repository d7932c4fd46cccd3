package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/mqy/minichat/auth"
)

var requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minichat",
	Name:      "http_requests_total",
	Help:      "HTTP API requests by route and status code.",
}, []string{"route", "code"})

func init() {
	prometheus.MustRegister(requestCounter)
}

type ctxKey struct{}

// UserId returns the authenticated user id stored by the auth middleware.
func UserId(ctx context.Context) string {
	uid, _ := ctx.Value(ctxKey{}).(string)
	return uid
}

func withUserId(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, ctxKey{}, uid)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijack")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func countMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		requestCounter.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				glog.Errorf("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, v, debug.Stack())
				writeJSON(w, http.StatusInternalServerError, H{"success": false, "message": "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware rejects unauthenticated requests, then applies the per user rate limit.
func authMiddleware(client auth.Client, limiter *limiterPool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, err := client.Auth(r)
			if err != nil || uid == "" {
				glog.V(5).Infof("unauthorized %s %s: %v", r.Method, r.URL.Path, err)
				writeJSON(w, http.StatusUnauthorized, H{"success": false, "message": "Not authorized"})
				return
			}
			if !limiter.Allow(uid) {
				writeJSON(w, http.StatusTooManyRequests, H{"success": false, "message": "Too many requests"})
				return
			}
			next.ServeHTTP(w, r.WithContext(withUserId(r.Context(), uid)))
		})
	}
}

// limiterIdle is the least time a user's limiter is kept after its last request.
const limiterIdle = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool keeps one token bucket per user. Buckets idle long enough to be full again are
// evicted, a new bucket behaves the same.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*visitor
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	idle := limiterIdle
	if refill := time.Duration(float64(burst) / rps * float64(time.Second)); refill > idle {
		idle = refill
	}
	return &limiterPool{
		m:         make(map[string]*visitor),
		limit:     rate.Limit(rps),
		burst:     burst,
		idle:      idle,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (p *limiterPool) Allow(key string) bool {
	now := p.now()
	p.mu.Lock()
	if now.Sub(p.lastSweep) >= p.idle {
		p.sweepLocked(now)
	}
	v, ok := p.m[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.m[key] = v
	}
	v.lastSeen = now
	p.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

func (p *limiterPool) sweepLocked(now time.Time) {
	cutoff := now.Add(-p.idle)
	for key, v := range p.m {
		if v.lastSeen.Before(cutoff) {
			delete(p.m, key)
		}
	}
	p.lastSweep = now
	glog.V(5).Infof("rate limiter sweep, users: %d", len(p.m))
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
