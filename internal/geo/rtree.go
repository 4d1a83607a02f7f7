package geo

import (
	"math"

	"github.com/dhconnelly/rtreego"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	// rtreeShortlist is how many planar neighbours seed the search radius.
	rtreeShortlist = 8
	// rtreeSlack widens that radius so projection error does not drop the
	// true haversine nearest.
	rtreeSlack = 1.1
)

type rtreeItem struct {
	idx int
	pt  rtreego.Point
}

func (i *rtreeItem) Bounds() rtreego.Rect { return i.pt.ToRect(1e-9) }

// RTreeNearest indexes the candidates in an R-tree over an equirectangular
// projection centred on origin, with longitudes wrapped so the antimeridian
// is continuous. The nearest few planar neighbours fix a search radius;
// everything inside that radius is re-ranked by haversine, so ties go to the
// earlier candidate as in Nearest. The projection degrades close to the
// poles, where the linear scan should be preferred.
func RTreeNearest(origin models.Coord, cands []models.DriverLiveLocation) (models.DriverLiveLocation, float64, bool) {
	if !Finite(origin) {
		return models.DriverLiveLocation{}, 0, false
	}
	scale := math.Cos(origin.Lat * math.Pi / 180)
	project := func(lat, lng float64) rtreego.Point {
		return rtreego.Point{wrapDegrees(lng-origin.Lng) * scale, lat - origin.Lat}
	}

	tree := rtreego.NewTree(2, 4, 16)
	n := 0
	for i, c := range cands {
		if !Finite(models.Coord{Lat: c.Lat, Lng: c.Lng}) {
			continue
		}
		tree.Insert(&rtreeItem{idx: i, pt: project(c.Lat, c.Lng)})
		n++
	}
	if n == 0 {
		return models.DriverLiveLocation{}, 0, false
	}
	k := rtreeShortlist
	if k > n {
		k = n
	}

	center := rtreego.Point{0, 0}
	radius := 0.0
	for _, s := range tree.NearestNeighbors(k, center) {
		if item, ok := s.(*rtreeItem); ok && item != nil {
			radius = math.Max(radius, math.Hypot(item.pt[0], item.pt[1]))
		}
	}
	box := center.ToRect(radius*rtreeSlack + 1e-9)

	bestIdx := -1
	bestD := math.Inf(1)
	for _, s := range tree.SearchIntersect(box) {
		item, ok := s.(*rtreeItem)
		if !ok || item == nil {
			continue
		}
		c := cands[item.idx]
		d := HaversineKm(origin, models.Coord{Lat: c.Lat, Lng: c.Lng})
		if bestIdx < 0 || d < bestD || (d == bestD && item.idx < bestIdx) {
			bestIdx, bestD = item.idx, d
		}
	}
	if bestIdx < 0 {
		return models.DriverLiveLocation{}, 0, false
	}
	return cands[bestIdx], bestD, true
}

// wrapDegrees maps a longitude difference into [-180, 180).
func wrapDegrees(d float64) float64 {
	d = math.Mod(d+180, 360)
	if d < 0 {
		d += 360
	}
	return d - 180
}
