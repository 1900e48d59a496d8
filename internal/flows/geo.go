// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flows

import (
	"net"

	"github.com/oschwald/geoip2-golang"

	"acheron.dev/acheron/internal/errors"
)

// Resolver maps a client address to an ISO country code. Implementations
// return "" when the address cannot be resolved.
type Resolver interface {
	Country(addr string) string
}

// GeoIP resolves countries from a MaxMind database file.
type GeoIP struct {
	reader *geoip2.Reader
}

// OpenGeoIP opens a MaxMind country or city database.
func OpenGeoIP(path string) (*GeoIP, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open geoip database %s", path)
	}
	return &GeoIP{reader: reader}, nil
}

// Country returns the ISO code for addr, or "" when unknown.
func (g *GeoIP) Country(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	record, err := g.reader.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Close releases the database.
func (g *GeoIP) Close() error {
	return g.reader.Close()
}
