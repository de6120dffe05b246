package server

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/paulmach/orb"
)

// BoundingBox is an axis-aligned lat/lon rectangle. min_lon > max_lon
// means the box crosses the antimeridian.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// Validate enforces the admission rules: latitudes ordered and within
// range, longitudes within range. Longitude ordering is deliberately
// not enforced; a reversed pair selects the wrapped region.
func (b BoundingBox) Validate() error {
	if b.MinLat < -90 || b.MaxLat > 90 {
		return fmt.Errorf("latitude out of range [-90, 90]")
	}
	if b.MinLat >= b.MaxLat {
		return fmt.Errorf("min_lat must be < max_lat")
	}
	if b.MinLon < -180 || b.MinLon > 180 || b.MaxLon < -180 || b.MaxLon > 180 {
		return fmt.Errorf("longitude out of range [-180, 180]")
	}
	return nil
}

// Contains reports whether the point falls inside the box. The normal
// case delegates to an orb bound; a wrapped box admits longitudes on
// either side of the antimeridian.
func (b BoundingBox) Contains(lat, lon float64) bool {
	if b.MinLon <= b.MaxLon {
		bound := orb.Bound{
			Min: orb.Point{b.MinLon, b.MinLat},
			Max: orb.Point{b.MaxLon, b.MaxLat},
		}
		return bound.Contains(orb.Point{lon, lat})
	}

	if lat < b.MinLat || lat > b.MaxLat {
		return false
	}
	return lon >= b.MinLon || lon <= b.MaxLon
}

// ParseBoundingBox reads min_lat/max_lat/min_lon/max_lon from a query
// string. All four are required.
func ParseBoundingBox(query url.Values) (*BoundingBox, error) {
	parse := func(key string) (float64, error) {
		raw := query.Get(key)
		if raw == "" {
			return 0, fmt.Errorf("missing %s", key)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %q", key, raw)
		}
		return v, nil
	}

	var (
		box BoundingBox
		err error
	)
	if box.MinLat, err = parse("min_lat"); err != nil {
		return nil, err
	}
	if box.MaxLat, err = parse("max_lat"); err != nil {
		return nil, err
	}
	if box.MinLon, err = parse("min_lon"); err != nil {
		return nil, err
	}
	if box.MaxLon, err = parse("max_lon"); err != nil {
		return nil, err
	}
	return &box, nil
}
