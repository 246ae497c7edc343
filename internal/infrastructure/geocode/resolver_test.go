package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
	"civicsignal/internal/ratelimit"
)

type memCache struct {
	entries map[string]domain.GeocodeCacheEntry
	puts    int
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]domain.GeocodeCacheEntry{}}
}

func (m *memCache) GetGeocode(_ context.Context, query string) (*domain.GeocodeCacheEntry, error) {
	if e, ok := m.entries[query]; ok {
		return &e, nil
	}
	return nil, nil
}

func (m *memCache) PutGeocode(_ context.Context, entry domain.GeocodeCacheEntry) error {
	m.puts++
	m.entries[entry.Query] = entry
	return nil
}

func newTestResolver(endpoint string, cache *memCache) *Resolver {
	return NewResolver(config.GeocodeConfig{
		Endpoint:    endpoint,
		UserAgent:   "civicsignal-test/1.0",
		MinInterval: config.Duration(time.Millisecond),
	}, cache, ratelimit.NewIntervalLimiter(time.Millisecond), nil)
}

func TestResolveSecondCallServedFromCache(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"lat": "52.52", "lon": "13.405", "display_name": "Berlin, Germany"}]`))
	}))
	defer server.Close()

	cache := newMemCache()
	r := newTestResolver(server.URL, cache)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "Alexanderplatz, Berlin", nil)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if first == nil || first.Latitude != 52.52 {
		t.Fatalf("unexpected coordinates: %+v", first)
	}

	second, err := r.Resolve(ctx, "Alexanderplatz, Berlin", nil)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second == nil || second.Longitude != 13.405 {
		t.Fatalf("unexpected cached coordinates: %+v", second)
	}

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected 1 network call, got %d", n)
	}
}

func TestResolveFallbackCachedUnderOriginalQuery(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("q") == "Lisbon, Portugal" {
			_, _ = w.Write([]byte(`[{"lat": "38.7223", "lon": "-9.1393", "display_name": "Lisboa"}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	cache := newMemCache()
	r := newTestResolver(server.URL, cache)

	coords, err := r.Resolve(context.Background(), "Centro de Congressos, Rua Inexistente 99", &domain.PlaceHint{City: "Lisbon", Country: "Portugal"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if coords == nil || coords.Latitude != 38.7223 {
		t.Fatalf("expected fallback resolution, got %+v", coords)
	}

	if _, ok := cache.entries["Centro de Congressos, Rua Inexistente 99"]; !ok {
		t.Fatal("cache entry must be keyed by the original query")
	}
	if _, ok := cache.entries["Lisbon, Portugal"]; ok {
		t.Fatal("fallback query must not create its own cache entry")
	}
}

func TestResolveUnresolvableReturnsNil(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	cache := newMemCache()
	r := newTestResolver(server.URL, cache)

	coords, err := r.Resolve(context.Background(), "nowhere at all", &domain.PlaceHint{City: "Atlantis"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if coords != nil {
		t.Fatalf("expected nil for unresolvable query, got %+v", coords)
	}
	if cache.puts != 0 {
		t.Fatal("failed resolutions must not be cached")
	}
}

func TestResolveEmptyQueryShortCircuits(t *testing.T) {
	t.Parallel()

	r := newTestResolver("http://127.0.0.1:0", newMemCache())
	coords, err := r.Resolve(context.Background(), "   ", nil)
	if err != nil || coords != nil {
		t.Fatalf("expected nil,nil for empty query, got %v, %v", coords, err)
	}
}
