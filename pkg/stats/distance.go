package stats

import "math"

// earthRadius is the IUGG mean Earth radius in meters.
const earthRadius = 6371008.8

// Haversine returns the great-circle distance in meters between two
// points given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(a)))
}

// validFix rejects out-of-range coordinates and the 0,0 placeholder
// autopilots report before GPS lock.
func validFix(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// odometer sums distance between successive fixes.
type odometer struct {
	have     bool
	lat, lon float64
	total    float64
	fixes    int
}

// advance records a fix and returns the segment length from the previous one.
func (o *odometer) advance(lat, lon float64) float64 {
	o.fixes++
	if !o.have {
		o.have = true
		o.lat, o.lon = lat, lon
		return 0
	}
	seg := Haversine(o.lat, o.lon, lat, lon)
	o.lat, o.lon = lat, lon
	o.total += seg
	return seg
}
