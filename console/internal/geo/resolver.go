// Package geo computes draw positions for drone markers: the declutter
// offset that keeps a drone from hiding the sensor it is sitting on, and
// zoom-scaled marker sizes.
package geo

import (
	"math"

	"drone-surveillance-console/console/internal/models"
)

const (
	EarthRadiusMeters = 6371000.0
	MetersPerDegree   = 111111.0
)

// Haversine returns the great-circle distance in meters.
func Haversine(a models.Coordinate, b models.Coordinate) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Offset shifts c by the given meters using the equirectangular
// approximation at c's latitude.
func Offset(c models.Coordinate, metersNorth float64, metersEast float64) models.Coordinate {
	dLat := metersNorth / MetersPerDegree
	dLng := metersEast / (MetersPerDegree * math.Cos(c.Latitude*math.Pi/180))
	return models.Coordinate{Latitude: c.Latitude + dLat, Longitude: c.Longitude + dLng}
}

type Options struct {
	ReachRadiusMeters float64
	OffsetNorthMeters float64
	OffsetEastMeters  float64
	MinZoom           float64
	MaxZoom           float64
	MinSizePx         float64
	MaxSizePx         float64
}

func DefaultOptions() Options {
	return Options{
		ReachRadiusMeters: 6,
		OffsetNorthMeters: 2,
		OffsetEastMeters:  2,
		MinZoom:           10,
		MaxZoom:           40,
		MinSizePx:         18,
		MaxSizePx:         48,
	}
}

type Resolver struct {
	opts Options
}

func NewResolver(opts Options) *Resolver {
	return &Resolver{opts: opts}
}

// Placement is where one drone marker is drawn. Raw is never modified.
type Placement struct {
	Raw        models.Coordinate `json:"raw"`
	Draw       models.Coordinate `json:"draw"`
	Offset     bool              `json:"offset"`
	NearSensor string            `json:"nearSensorId,omitempty"`
	DistanceM  float64           `json:"distanceMeters,omitempty"`
}

// Resolve checks raw against sensors in list order and offsets the drawn
// position for the first sensor within the reach radius only. Sensors
// without a usable coordinate are skipped.
func (r *Resolver) Resolve(raw models.Coordinate, sensors []models.Sensor) Placement {
	p := Placement{Raw: raw, Draw: raw}
	for _, s := range sensors {
		at, ok := s.Coordinate()
		if !ok {
			continue
		}
		d := Haversine(raw, at)
		if d <= r.opts.ReachRadiusMeters {
			p.Draw = Offset(raw, r.opts.OffsetNorthMeters, r.opts.OffsetEastMeters)
			p.Offset = true
			p.NearSensor = s.ID
			p.DistanceM = d
			return p
		}
	}
	return p
}

// MarkerSize interpolates linearly between the min and max pixel sizes over
// the zoom range, clamped at both ends.
func (r *Resolver) MarkerSize(zoom float64) float64 {
	o := r.opts
	if math.IsNaN(zoom) || zoom <= o.MinZoom {
		return o.MinSizePx
	}
	if zoom >= o.MaxZoom {
		return o.MaxSizePx
	}
	frac := (zoom - o.MinZoom) / (o.MaxZoom - o.MinZoom)
	return o.MinSizePx + frac*(o.MaxSizePx-o.MinSizePx)
}
