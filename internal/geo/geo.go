package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

const EarthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between a and b in kilometres.
func HaversineKm(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

func Finite(c models.Coord) bool {
	return !math.IsNaN(c.Lat) && !math.IsInf(c.Lat, 0) && !math.IsNaN(c.Lng) && !math.IsInf(c.Lng, 0)
}

// NearestFunc picks the candidate closest to origin. ok is false when no
// candidate has a usable position.
type NearestFunc func(origin models.Coord, cands []models.DriverLiveLocation) (best models.DriverLiveLocation, distKm float64, ok bool)

// Nearest is a linear scan. Ties keep the first candidate seen and rows with
// non-finite coordinates are skipped.
func Nearest(origin models.Coord, cands []models.DriverLiveLocation) (models.DriverLiveLocation, float64, bool) {
	var (
		best  models.DriverLiveLocation
		bestD = math.Inf(1)
		found bool
	)
	for _, c := range cands {
		pos := models.Coord{Lat: c.Lat, Lng: c.Lng}
		if !Finite(pos) {
			continue
		}
		d := HaversineKm(origin, pos)
		if !found || d < bestD {
			best, bestD, found = c, d, true
		}
	}
	if !found {
		return models.DriverLiveLocation{}, 0, false
	}
	return best, bestD, true
}

// Cell is the precision-6 geohash of c (roughly 1.2km x 0.6km), used to tag
// log lines with a pickup area. Empty for non-finite input.
func Cell(c models.Coord) string {
	if !Finite(c) {
		return ""
	}
	return geohash.EncodeWithPrecision(c.Lat, c.Lng, 6)
}
