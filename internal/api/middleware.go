package api

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/relayerr"
	"github.com/org/keyrelay/internal/replay"
)

// maxBodyBytes bounds every request body read for signature checks.
const maxBodyBytes = 1 << 20

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// signedRequestMiddleware verifies the X-Relay-* headers and attaches the
// signer to the context. The signature covers the method, request URI,
// timestamp and body digest. A timestamp outside skew fails SessionExpired;
// a signature already seen within the window is refused.
func signedRequestMiddleware(guard replay.Guard, skew time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			signerText := r.Header.Get(identity.HeaderSigner)
			sig := r.Header.Get(identity.HeaderSignature)
			tsText := r.Header.Get(identity.HeaderTimestamp)
			if signerText == "" || sig == "" || tsText == "" {
				writeError(w, http.StatusUnauthorized, "missing signed request headers")
				return
			}
			signer, err := identity.ParseKey(signerText)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			ts, err := strconv.ParseInt(tsText, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+identity.HeaderTimestamp)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "reading body")
				return
			}
			if len(body) > maxBodyBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if err := identity.VerifyRequest(signer, sig, r.Method, r.URL.RequestURI(), ts, body); err != nil {
				writeCodedError(w, http.StatusForbidden, "BadSignature", err.Error())
				return
			}
			if age := now().Sub(time.Unix(ts, 0)); age > skew || age < -skew {
				writeDomainError(w, r, relayerr.ErrSessionExpired)
				return
			}
			fresh, err := guard.Claim(r.Context(), sig, 2*skew)
			if err != nil {
				log.Error().Err(err).Msg("replay guard unavailable")
				writeError(w, http.StatusServiceUnavailable, "replay guard unavailable")
				return
			}
			if !fresh {
				writeCodedError(w, http.StatusConflict, "Replayed", "request already processed")
				return
			}

			next.ServeHTTP(w, r.WithContext(withSigner(r.Context(), signer)))
		})
	}
}

// adminMiddleware admits only signers in admins.
func adminMiddleware(admins identity.Set) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			signer, _ := signerFromCtx(r.Context())
			if !admins.Contains(signer) {
				writeDomainError(w, r, relayerr.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// accessLogMiddleware logs every request with its response code.
func accessLogMiddleware(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rr, r)

			log.Debug().
				Str("request_id", requestIDFromCtx(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rr.statusCode).
				Dur("duration", time.Since(start)).
				Str("client_ip", clientIP(r, trusted)).
				Msg("request")
		})
	}
}

// rateLimiter is a simple per-IP token bucket rate limiter.
type rateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      int // requests per second
	burst     int
	trusted   []netip.Prefix
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

func newRateLimiter(rps, burst int, trusted []netip.Prefix) *rateLimiter {
	// A bucket idle this long has refilled completely and equals a fresh one.
	idle := time.Duration(float64(burst)/float64(rps)*float64(time.Second)) + time.Second
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rps,
		burst:   burst,
		trusted: trusted,
		idle:    idle,
		now:     time.Now,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.idle {
		rl.sweep(now)
	}
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastCheck: now}
		rl.buckets[ip] = b
	}
	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * float64(rl.rate)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets that have been idle long enough to be full again.
func (rl *rateLimiter) sweep(now time.Time) {
	for ip, b := range rl.buckets {
		if now.Sub(b.lastCheck) >= rl.idle {
			delete(rl.buckets, ip)
		}
	}
	rl.lastSweep = now
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, rl.trusted)
		if !rl.allow(ip) {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the peer address without its port. X-Forwarded-For is
// honored only when the peer is a trusted proxy; the client is then the
// rightmost hop that is not itself a trusted proxy.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !isTrusted(peer, trusted) {
		return host
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		if !isTrusted(hop, trusted) {
			return hop.String()
		}
	}
	return host
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
