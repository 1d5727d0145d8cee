package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/towtrack/internal/job"
)

// ErrNoGeocodeResult is returned when the provider has no match.
var ErrNoGeocodeResult = errors.New("no geocode result")

// Geocoder queries a Nominatim-compatible service.
type Geocoder struct {
	base      string
	userAgent string
	http      *http.Client
}

// NewGeocoder creates a geocoder for baseURL.
func NewGeocoder(baseURL, userAgent string, hc *http.Client) *Geocoder {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	if userAgent == "" {
		userAgent = "towtrack"
	}
	return &Geocoder{base: strings.TrimRight(baseURL, "/"), userAgent: userAgent, http: hc}
}

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
	Error       string `json:"error,omitempty"`
}

// Geocode resolves an address to its best match.
func (g *Geocoder) Geocode(ctx context.Context, address string) (job.Coordinate, error) {
	q := url.Values{"q": {address}, "format": {"json"}, "limit": {"1"}}
	var places []place
	if err := g.get(ctx, "/search", q, &places); err != nil {
		return job.Coordinate{}, err
	}
	if len(places) == 0 {
		return job.Coordinate{}, ErrNoGeocodeResult
	}
	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return job.Coordinate{}, fmt.Errorf("geocode lat %q: %w", places[0].Lat, err)
	}
	lng, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return job.Coordinate{}, fmt.Errorf("geocode lon %q: %w", places[0].Lon, err)
	}
	return job.Coordinate{Lat: lat, Lng: lng}, nil
}

// ReverseGeocode resolves a coordinate to a display address.
func (g *Geocoder) ReverseGeocode(ctx context.Context, c job.Coordinate) (string, error) {
	q := url.Values{
		"lat":    {strconv.FormatFloat(c.Lat, 'f', 6, 64)},
		"lon":    {strconv.FormatFloat(c.Lng, 'f', 6, 64)},
		"format": {"json"},
	}
	var p place
	if err := g.get(ctx, "/reverse", q, &p); err != nil {
		return "", err
	}
	if p.Error != "" || p.DisplayName == "" {
		return "", ErrNoGeocodeResult
	}
	return p.DisplayName, nil
}

func (g *Geocoder) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("geocode %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geocode %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode geocode %s: %w", path, err)
	}
	return nil
}
