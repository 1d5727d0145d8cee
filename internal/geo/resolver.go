package geo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/towtrack/internal/job"
	"go.uber.org/zap"
)

// Geocoder is the external geocoding provider.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, c job.Coordinate) (string, error)
	Geocode(ctx context.Context, address string) (job.Coordinate, error)
}

// Resolver makes geocoding best effort: lookups are cached, bounded by a
// timeout, and every failure degrades to ok=false instead of an error.
type Resolver struct {
	geocoder Geocoder
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	forward  map[string]cachedCoordinate
	backward map[string]string
}

type cachedCoordinate struct {
	c  job.Coordinate
	ok bool
}

// NewResolver wraps g. A nil g makes every lookup report ok=false.
func NewResolver(g Geocoder, timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		geocoder: g,
		timeout:  timeout,
		logger:   logger,
		forward:  make(map[string]cachedCoordinate),
		backward: make(map[string]string),
	}
}

// Coordinate geocodes address. Failed lookups are not cached so a later call may succeed.
func (r *Resolver) Coordinate(ctx context.Context, address string) (job.Coordinate, bool) {
	key := strings.ToLower(strings.TrimSpace(address))
	if key == "" || r.geocoder == nil {
		return job.Coordinate{}, false
	}
	r.mu.Lock()
	if hit, ok := r.forward[key]; ok {
		r.mu.Unlock()
		return hit.c, hit.ok
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	c, err := r.geocoder.Geocode(ctx, address)
	if err != nil {
		r.logger.Debug("geocode unavailable", zap.String("address", address), zap.Error(err))
		return job.Coordinate{}, false
	}
	ok := c.Valid()
	r.mu.Lock()
	r.forward[key] = cachedCoordinate{c: c, ok: ok}
	r.mu.Unlock()
	return c, ok
}

// Address reverse-geocodes c.
func (r *Resolver) Address(ctx context.Context, c job.Coordinate) (string, bool) {
	if !c.Valid() || r.geocoder == nil {
		return "", false
	}
	key := cellKey(c)
	r.mu.Lock()
	if hit, ok := r.backward[key]; ok {
		r.mu.Unlock()
		return hit, true
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	addr, err := r.geocoder.ReverseGeocode(ctx, c)
	if err != nil || strings.TrimSpace(addr) == "" {
		r.logger.Debug("reverse geocode unavailable", zap.Float64("lat", c.Lat), zap.Float64("lng", c.Lng), zap.Error(err))
		return "", false
	}
	r.mu.Lock()
	r.backward[key] = addr
	r.mu.Unlock()
	return addr, true
}

// cellKey buckets coordinates to roughly 10m so GPS jitter reuses a lookup.
func cellKey(c job.Coordinate) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lng)
}
