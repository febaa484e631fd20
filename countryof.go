package gretun

import (
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// countryOf looks up the ISO country code for ip in a MaxMind
// GeoIP2-Country (or City) database. Adapted from the teacher's
// geoip-db.go, narrowed from "match against a configured rule set" to a
// plain lookup, since BlacklistACL owns the rule-matching logic itself.
func countryOf(db *maxminddb.Reader, ipStr string) (string, bool) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", false
	}
	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := db.Lookup(ip, &record); err != nil {
		Log.WithField("ip", ipStr).WithError(err).Debug("geoip lookup failed")
		return "", false
	}
	if record.Country.ISOCode == "" {
		return "", false
	}
	return record.Country.ISOCode, true
}
