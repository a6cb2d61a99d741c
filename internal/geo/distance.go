package geo

import (
	"math"

	"github.com/gigboard/project/internal/contracts"
)

const (
	EarthRadiusKm = 6371.0

	// SentinelKm is reported when either side has no location, which keeps
	// the pair outside any sensible match threshold.
	SentinelKm = 1000.0

	// MatchThresholdKm is the exclusive upper bound for a match.
	MatchThresholdKm = 100.0
)

// DistanceKm returns the great-circle distance between two points given in
// degrees, using the haversine formula.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Between scores two optional locations, falling back to SentinelKm.
func Between(a, b *contracts.Location) float64 {
	if a == nil || b == nil {
		return SentinelKm
	}
	if !Valid(a.Latitude, a.Longitude) || !Valid(b.Latitude, b.Longitude) {
		return SentinelKm
	}
	return DistanceKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// Matches reports whether distance is within the match threshold.
func Matches(distanceKm float64) bool {
	return distanceKm < MatchThresholdKm
}

// Valid reports whether the coordinates lie within the WGS84 ranges.
func Valid(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
