package classify

type box struct {
	name           string
	minLat, maxLat float64
	minLon, maxLon float64
}

func (b box) contains(lat, lon float64) bool {
	return lat >= b.minLat && lat <= b.maxLat && lon >= b.minLon && lon <= b.maxLon
}

// subRegions maps city-states, keyed by ISO country code, to coarse named areas. Boxes
// are checked in order; the first match wins.
var subRegions = map[string][]box{
	"SG": {
		{"Central Region", 1.26, 1.36, 103.78, 103.90},
		{"North Region", 1.40, 1.48, 103.74, 103.88},
		{"North-East Region", 1.34, 1.42, 103.86, 103.94},
		{"East Region", 1.30, 1.40, 103.90, 104.10},
		{"West Region", 1.25, 1.44, 103.60, 103.78},
	},
	"HK": {
		{"Hong Kong Island", 22.19, 22.29, 114.11, 114.26},
		{"Kowloon", 22.29, 22.35, 114.14, 114.24},
		{"New Territories", 22.15, 22.57, 113.83, 114.45},
	},
	"MO": {
		{"Macau Peninsula", 22.180, 22.217, 113.52, 113.56},
		{"Taipa", 22.145, 22.170, 113.54, 113.59},
		{"Coloane", 22.110, 22.145, 113.54, 113.60},
	},
}

// refineRegion keeps the looked-up region when present. Otherwise a city-state point is
// named by the sub-region box it falls in, and anything else falls back to the country name.
func refineRegion(g Geo) string {
	if g.Region != "" {
		return g.Region
	}
	if g.Lat != nil && g.Lon != nil {
		for _, b := range subRegions[g.CountryCode] {
			if b.contains(*g.Lat, *g.Lon) {
				return b.name
			}
		}
	}
	return g.Country
}
