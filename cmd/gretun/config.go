package main

import (
	"os"

	"github.com/BurntSushi/toml"
)

// config is the optional local policy file, loaded with
// github.com/BurntSushi/toml exactly as routedns's own cmd/routedns/config.go
// loads its listener/resolver graph. It supplements, not replaces, the
// mandatory descriptor file (descriptor.go): everything here is an
// operational override with a sensible zero-value default.
type config struct {
	Title string

	AdminBackdoorEnabled *bool `toml:"admin-backdoor-enabled"`

	ControlURLs    map[string]string `toml:"control-urls"` // env -> websocket URL
	ReconnectDelay int               `toml:"reconnect-delay"` // seconds, default 5

	Admin adminConfig `toml:"admin"`
	Audit auditConfig `toml:"audit"`
	Cache cacheConfig `toml:"cache"`
	GeoIP geoIPConfig `toml:"geoip"`
}

type adminConfig struct {
	Address string `toml:"address"` // empty disables the expvar admin listener (ND6)
}

type auditConfig struct {
	Network  string `toml:"network"` // "udp", "tcp", "unix"; empty dials the local daemon
	Address  string `toml:"address"`
	Priority int    `toml:"priority"`
	Tag      string `toml:"tag"`
}

type cacheConfig struct {
	Backend  string `toml:"backend"` // "memory" (default) or "tiered"
	Capacity int    `toml:"capacity"`
	TTL      int    `toml:"ttl"` // seconds, default 60
	Redis    struct {
		Address   string `toml:"address"`
		Password  string `toml:"password"`
		DB        int    `toml:"db"`
		KeyPrefix string `toml:"key-prefix"`
	} `toml:"redis"`
}

type geoIPConfig struct {
	DBPath          string   `toml:"db-path"` // empty disables ND8 entirely
	DeniedCountries []string `toml:"denied-countries"`
}

// loadConfig reads a TOML policy file. A missing path is not an error: it
// returns a zero-value config, since every field has a usable default.
func loadConfig(path string) (config, error) {
	var c config
	if path == "" {
		return c, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return c, nil
	}
	_, err := toml.DecodeFile(path, &c)
	return c, err
}

func (c config) adminBackdoorEnabled() bool {
	if c.AdminBackdoorEnabled == nil {
		return true
	}
	return *c.AdminBackdoorEnabled
}
