package geocode

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
	"civicsignal/internal/ports"
	"civicsignal/internal/ratelimit"
)

// Resolver is a cache-aside geocoder. Lookups hit the persistent cache by
// exact query string first; misses go to the provider through a shared
// interval limiter, with one coarser city+country retry before giving up.
type Resolver struct {
	endpoint  string
	userAgent string
	client    *resty.Client
	limiter   *ratelimit.IntervalLimiter
	cache     ports.GeocodeCache
	logger    *slog.Logger
}

var _ ports.Geocoder = (*Resolver)(nil)

// NewResolver wires the provider endpoint, the process-wide limiter and the
// persistent cache.
func NewResolver(cfg config.GeocodeConfig, cache ports.GeocodeCache, limiter *ratelimit.IntervalLimiter, logger *slog.Logger) *Resolver {
	return &Resolver{
		endpoint:  cfg.Endpoint,
		userAgent: cfg.UserAgent,
		client:    resty.New().SetTimeout(15 * time.Second),
		limiter:   limiter,
		cache:     cache,
		logger:    logger,
	}
}

type providerResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Resolve maps a free-text location to coordinates, or returns (nil, nil)
// when neither the exact query nor the fallback can be resolved. A successful
// resolution is cached under the original query string, so a future identical
// query is served from cache even when the fallback satisfied it.
func (r *Resolver) Resolve(ctx context.Context, query string, fallback *domain.PlaceHint) (*domain.Coordinates, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	if r.cache != nil {
		entry, err := r.cache.GetGeocode(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("geocode cache lookup: %w", err)
		}
		if entry != nil {
			return &domain.Coordinates{
				Latitude:    entry.Latitude,
				Longitude:   entry.Longitude,
				DisplayName: entry.DisplayName,
			}, nil
		}
	}

	coords, err := r.lookup(ctx, query)
	if err != nil {
		return nil, err
	}

	if coords == nil && fallback != nil && fallback.City != "" {
		coarse := fallback.City
		if fallback.Country != "" {
			coarse = fmt.Sprintf("%s, %s", fallback.City, fallback.Country)
		}
		if r.logger != nil {
			r.logger.Debug("geocode miss, retrying with coarser query", "query", query, "fallback", coarse)
		}
		coords, err = r.lookup(ctx, coarse)
		if err != nil {
			return nil, err
		}
	}

	if coords == nil {
		return nil, nil
	}

	if r.cache != nil {
		entry := domain.GeocodeCacheEntry{
			Query:       query,
			Latitude:    coords.Latitude,
			Longitude:   coords.Longitude,
			DisplayName: coords.DisplayName,
			CachedAt:    time.Now().UTC(),
		}
		if err := r.cache.PutGeocode(ctx, entry); err != nil && r.logger != nil {
			r.logger.Warn("geocode cache write failed", "query", query, "error", err)
		}
	}

	return coords, nil
}

func (r *Resolver) lookup(ctx context.Context, query string) (*domain.Coordinates, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	defer r.limiter.Mark()

	var results []providerResult
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", r.userAgent).
		SetQueryParams(map[string]string{
			"q":      query,
			"format": "json",
			"limit":  "1",
		}).
		SetResult(&results).
		Get(r.endpoint)
	if err != nil {
		return nil, fmt.Errorf("geocode request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("geocoder returned %d", resp.StatusCode())
	}
	if len(results) == 0 {
		return nil, nil
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("parse latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("parse longitude %q: %w", results[0].Lon, err)
	}

	return &domain.Coordinates{
		Latitude:    lat,
		Longitude:   lon,
		DisplayName: results[0].DisplayName,
	}, nil
}
