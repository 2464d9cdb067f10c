package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocation_KnownAndEqual(t *testing.T) {
	assert.False(t, Location{}.Known())
	assert.True(t, Location{Country: "NP"}.Known())
	assert.True(t, Location{Country: "NP", City: "Kathmandu"}.Equal(Location{Country: "np", City: "KATHMANDU"}))
	assert.False(t, Location{Country: "NP", City: "Kathmandu"}.Equal(Location{Country: "NP", City: "Pokhara"}))
}

func TestStaticAndNopResolvers(t *testing.T) {
	ctx := context.Background()
	r := StaticResolver{"203.0.113.7": {Country: "NP", City: "Kathmandu"}}

	loc, err := r.ResolveLocation(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "Kathmandu", loc.City)

	loc, err = r.ResolveLocation(ctx, "198.51.100.1")
	require.NoError(t, err)
	assert.False(t, loc.Known())

	loc, err = NopResolver{}.ResolveLocation(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, loc.Known())
}

func TestIsPublic(t *testing.T) {
	for ip, want := range map[string]bool{
		"8.8.8.8":          true,
		"2001:4860::8888":  true,
		"10.1.2.3":         false,
		"192.168.0.1":      false,
		"127.0.0.1":        false,
		"::1":              false,
		"::ffff:127.0.0.1": false,
		"169.254.1.1":      false,
		"not-an-ip":        false,
		"":                 false,
	} {
		assert.Equal(t, want, isPublic(ip), "ip %q", ip)
	}
}

func TestHTTPResolver_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/json/8.8.8.8"))
		_, _ = w.Write([]byte(`{"status":"success","country":"United States","city":"Mountain View"}`))
	}))
	defer srv.Close()

	loc, err := NewHTTPResolver(srv.URL, time.Second).ResolveLocation(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, Location{Country: "United States", City: "Mountain View"}, loc)
}

func TestHTTPResolver_PrivateAddressSkipsLookup(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	loc, err := NewHTTPResolver(srv.URL, time.Second).ResolveLocation(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.False(t, loc.Known())
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestHTTPResolver_FailStatusIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
	}))
	defer srv.Close()

	loc, err := NewHTTPResolver(srv.URL, time.Second).ResolveLocation(context.Background(), "8.8.4.4")
	require.NoError(t, err)
	assert.False(t, loc.Known())
}

func TestHTTPResolver_RetriesServerErrorsThenOpensBreaker(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, time.Second)
	for i := 0; i < 5; i++ {
		_, err := r.ResolveLocation(context.Background(), "8.8.8.8")
		require.Error(t, err)
	}
	assert.Equal(t, int32(10), atomic.LoadInt32(&calls), "two attempts per lookup")

	_, err := r.ResolveLocation(context.Background(), "8.8.8.8")
	require.Error(t, err)
	assert.Equal(t, int32(10), atomic.LoadInt32(&calls), "open breaker rejects without calling upstream")
}

func TestHTTPResolver_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewHTTPResolver(srv.URL, time.Second).ResolveLocation(context.Background(), "8.8.8.8")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
