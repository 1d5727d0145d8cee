// Package geo derives navigation state from a job snapshot and the device
// position. Everything here is a pure function of its inputs.
package geo

import (
	"math"

	"github.com/matheus3301/towtrack/internal/job"
)

const (
	// EarthRadiusMeters is the mean Earth radius used for great-circle distance.
	EarthRadiusMeters = 6371000.0

	// AverageSpeedKmh is the assumed average road speed for ETA estimates.
	AverageSpeedKmh = 35.0
)

// Target returns the coordinate the device should navigate to: pickup until
// the job is in progress, dropoff after. When the preferred endpoint is
// missing or invalid, whichever valid endpoint exists is returned.
func Target(s *job.Snapshot) (job.Coordinate, bool) {
	if s == nil {
		return job.Coordinate{}, false
	}
	first, second := s.Pickup, s.Dropoff
	if s.Status == job.InProgress {
		first, second = s.Dropoff, s.Pickup
	}
	for _, c := range []*job.Coordinate{first, second} {
		if c != nil && c.Valid() {
			return *c, true
		}
	}
	return job.Coordinate{}, false
}

// DistanceMeters is the haversine great-circle distance between two points.
func DistanceMeters(from, to job.Coordinate) float64 {
	lat1 := radians(from.Lat)
	lat2 := radians(to.Lat)
	dLat := radians(to.Lat - from.Lat)
	dLng := radians(to.Lng - from.Lng)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// EtaMinutes estimates travel time at AverageSpeedKmh, rounded to the nearest
// minute and never below one. Returns false if either coordinate is invalid.
func EtaMinutes(from, to job.Coordinate) (int, bool) {
	if !from.Valid() || !to.Valid() {
		return 0, false
	}
	km := DistanceMeters(from, to) / 1000
	minutes := int(math.Round(km / AverageSpeedKmh * 60))
	return max(1, minutes), true
}

// zoomSteps maps distance thresholds to zoom levels, coarsest first.
// A bucket is selected when the distance is strictly greater than its threshold.
var zoomSteps = []struct {
	over float64
	zoom int
}{
	{20000, 9},
	{10000, 10},
	{5000, 11},
	{2000, 12},
	{1000, 13},
	{500, 14},
	{250, 15},
	{100, 16},
}

// ClosestZoom is the zoom used for distances of 100m or less.
const ClosestZoom = 17

// ZoomForDistance maps a distance to a discrete zoom level.
func ZoomForDistance(meters float64) int {
	for _, step := range zoomSteps {
		if meters > step.over {
			return step.zoom
		}
	}
	return ClosestZoom
}

// Camera is the map framing for a device and its target.
type Camera struct {
	Center job.Coordinate `json:"center"`
	Zoom   int            `json:"zoom"`
}

// Framing centers the camera between from and to and picks a zoom bucket for
// their distance. With only one valid coordinate it centers on that one at
// the closest zoom. Returns false if neither is valid.
func Framing(from, to job.Coordinate) (Camera, bool) {
	switch {
	case from.Valid() && to.Valid():
		return Camera{
			Center: job.Coordinate{Lat: (from.Lat + to.Lat) / 2, Lng: (from.Lng + to.Lng) / 2},
			Zoom:   ZoomForDistance(DistanceMeters(from, to)),
		}, true
	case to.Valid():
		return Camera{Center: to, Zoom: ClosestZoom}, true
	case from.Valid():
		return Camera{Center: from, Zoom: ClosestZoom}, true
	}
	return Camera{}, false
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
