package classify

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

type Geo struct {
	CountryCode string
	Country     string
	Region      string
	City        string
	Lat         *float64
	Lon         *float64
}

type GeoLookup interface {
	Lookup(ip string) Geo
}

// NopGeo is used when no GeoIP database is configured.
type NopGeo struct{}

func (NopGeo) Lookup(string) Geo { return Geo{} }

// cityReader is the part of *geoip2.Reader the lookup uses.
type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
}

// MaxMindGeo resolves addresses against a MaxMind GeoIP2/GeoLite2 City database.
type MaxMindGeo struct {
	reader cityReader
	closer func() error
}

func OpenMaxMind(path string) (*MaxMindGeo, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &MaxMindGeo{reader: reader, closer: reader.Close}, nil
}

func (g *MaxMindGeo) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

func (g *MaxMindGeo) Lookup(ip string) Geo {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() {
		return Geo{}
	}

	record, err := g.reader.City(parsed)
	if err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("geoip lookup failed")
		return Geo{}
	}

	geo := Geo{
		CountryCode: record.Country.IsoCode,
		Country:     record.Country.Names["en"],
		City:        record.City.Names["en"],
	}
	if len(record.Subdivisions) > 0 {
		geo.Region = record.Subdivisions[0].Names["en"]
	}
	if record.Location.Latitude != 0 || record.Location.Longitude != 0 {
		lat, lon := record.Location.Latitude, record.Location.Longitude
		geo.Lat, geo.Lon = &lat, &lon
	}
	return geo
}
