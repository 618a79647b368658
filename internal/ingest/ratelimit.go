package ingest

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	rateLimiterMaxSources = 1024
	rateLimiterSourceTTL  = 10 * time.Minute
)

// rateLimiter limits the request rate per source address.
// Limiters of idle sources are evicted.
type rateLimiter struct {
	limiters *expirable.LRU[string, *rate.Limiter]
	perMin   int
}

func newRateLimiter(perMin int) *rateLimiter {
	return &rateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](
			rateLimiterMaxSources,
			nil,
			rateLimiterSourceTTL,
		),
		perMin: perMin,
	}
}

func (r *rateLimiter) Allow(source string) bool {
	limiter, exist := r.limiters.Get(source)
	if !exist {
		limiter = rate.NewLimiter(rate.Limit(float64(r.perMin)/60), r.perMin)
		r.limiters.Add(source, limiter)
	}

	return limiter.Allow()
}

// sourceIP extracts the client address of a request, preferring the
// forwarding headers set by proxies and load balancers.
func sourceIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := req.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}

	return host
}
