package api

import (
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"strips port", "203.0.113.9:51234", "", "203.0.113.9"},
		{"untrusted peer cannot spoof", "203.0.113.9:51234", "198.51.100.1", "203.0.113.9"},
		{"trusted proxy forwards client", "10.1.2.3:443", "198.51.100.1", "198.51.100.1"},
		{"rightmost untrusted hop wins", "10.1.2.3:443", "1.1.1.1, 198.51.100.1, 10.9.9.9", "198.51.100.1"},
		{"trusted proxy without header", "10.1.2.3:443", "", "10.1.2.3"},
		{"garbage hop falls back to peer", "10.1.2.3:443", "not-an-ip", "10.1.2.3"},
		{"ipv6 peer", "[2001:db8::1]:8080", "198.51.100.1", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/sys/health", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			require.Equal(t, tt.want, clientIP(r, trusted))
		})
	}
}

func TestRateLimiterSharesBucketAcrossPorts(t *testing.T) {
	rl := newRateLimiter(1, 1, nil)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	first := httptest.NewRequest("GET", "/", nil)
	first.RemoteAddr = "203.0.113.9:1000"
	second := httptest.NewRequest("GET", "/", nil)
	second.RemoteAddr = "203.0.113.9:2000"

	require.True(t, rl.allow(clientIP(first, nil)))
	require.False(t, rl.allow(clientIP(second, nil)))
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	rl := newRateLimiter(10, 20, nil)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		require.True(t, rl.allow(netip.AddrFrom4([4]byte{198, 51, 100, byte(i)}).String()))
	}
	require.Len(t, rl.buckets, 50)

	now = now.Add(rl.idle)
	require.True(t, rl.allow("203.0.113.9"))
	require.Len(t, rl.buckets, 1)

	// Recently active buckets survive a sweep.
	now = now.Add(rl.idle / 2)
	require.True(t, rl.allow("203.0.113.10"))
	now = now.Add(rl.idle / 2)
	require.True(t, rl.allow("203.0.113.11"))
	require.Contains(t, rl.buckets, "203.0.113.10")
	require.NotContains(t, rl.buckets, "203.0.113.9")
}
