package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// Options tunes the middleware.
type Options struct {
	// KeyFunc defaults to DefaultKey (ip:routePath).
	KeyFunc KeyFunc

	// Exclude lists path prefixes exempt from limiting, e.g. /health.
	Exclude []string

	// OnRejected is called after a 429 is written, for metrics.
	OnRejected func(r *http.Request, d Decision)
}

// Middleware decorates responses with X-RateLimit-Limit and
// X-RateLimit-Remaining, and answers 429 with Retry-After once the key's
// bucket is empty.
func Middleware(l *Limiter, opts Options) func(http.Handler) http.Handler {
	keyFn := opts.KeyFunc
	if keyFn == nil {
		keyFn = DefaultKey
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range opts.Exclude {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			d := l.Take(keyFn(r))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				retry := int(d.RetryAfter.Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "Rate limit exceeded"})
				if opts.OnRejected != nil {
					opts.OnRejected(r, d)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultKey keys buckets on client ip and route path.
func DefaultKey(r *http.Request) string {
	return CompositeKey(ClientIP(r), routePath(r))
}

// ClientIP resolves the caller's address, honoring proxy headers.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// routePath prefers the matched mux pattern so /sessions/{id} shares one
// bucket across ids.
func routePath(r *http.Request) string {
	if r.Pattern != "" {
		// Pattern carries "METHOD /path"; strip the method.
		if i := strings.IndexByte(r.Pattern, ' '); i >= 0 {
			return r.Pattern[i+1:]
		}
		return r.Pattern
	}
	return r.URL.Path
}
