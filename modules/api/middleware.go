package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"

	"github.com/lumenobs/lumen/pkg/model"
)

type contextKey int

const apiKeyContextKey contextKey = iota

// KeyFromContext returns the authenticated API key of a request.
func KeyFromContext(ctx context.Context) (model.APIKey, bool) {
	k, ok := ctx.Value(apiKeyContextKey).(model.APIKey)
	return k, ok
}

// extractKey pulls the credential out of the Authorization header
// (Bearer or ApiKey scheme) or the apiKey query parameter, which SSE
// clients use because EventSource cannot set headers.
func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		for _, scheme := range []string{"Bearer ", "ApiKey "} {
			if strings.HasPrefix(h, scheme) {
				return strings.TrimSpace(h[len(scheme):])
			}
		}
	}
	return r.URL.Query().Get("apiKey")
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractKey(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		key, ok, err := s.keys.Lookup(r.Context(), raw)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "unknown API key")
			return
		}
		if err := s.keys.Touch(r.Context(), raw, time.Now()); err != nil {
			level.Debug(s.logger).Log("msg", "touching api key", "err", err)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyContextKey, key)))
	})
}

// rateLimiters hands out one token bucket per caller identity.
type rateLimiters struct {
	mtx      sync.Mutex
	limiters map[string]*rate.Limiter
	limit    int
	window   time.Duration
}

func newRateLimiters(limit int, window time.Duration) *rateLimiters {
	return &rateLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		window:   window,
	}
}

func (rl *rateLimiters) allow(id string) bool {
	rl.mtx.Lock()
	defer rl.mtx.Unlock()
	lim, ok := rl.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.limit)), rl.limit)
		rl.limiters[id] = lim
	}
	return lim.Allow()
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := extractKey(r)
		if id == "" {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				id = host
			} else {
				id = r.RemoteAddr
			}
		}
		if !s.limiters.allow(id) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		allowed[o] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			_, ok := allowed[origin]
			if len(allowed) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
