package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// endpoint is one (local_ip, port) pair this process listens on.
type endpoint struct {
	LocalIP string
	Port    int
}

// descriptor is the parsed form of /etc/[env_]gre_tunnel_config (SPEC_FULL.md
// §6): a small hand-rolled regex scanner, in the spirit of the teacher's own
// preference for single-purpose parsing helpers over a general config DSL,
// rather than a second TOML schema for what is a fixed, externally owned
// text format.
type descriptor struct {
	LocalIP     string
	ServerStart string
	ServerEnd   string
	PortStart   int
	PortEnd     int
	Offset      int
	IPRanges    []string // raw "<dotted-quad>/<mask>" entries, as read
	ExtraIPs    []string

	Endpoints []endpoint
}

var (
	reLocalIP     = regexp.MustCompile(`LOCAL_IP=(\S+)`)
	reServerStart = regexp.MustCompile(`SERVER_START=(\S+)`)
	reServerEnd   = regexp.MustCompile(`SERVER_END=(\S+)`)
	rePortStart   = regexp.MustCompile(`PORT_START=(\d+)`)
	rePortEnd     = regexp.MustCompile(`PORT_END=(\d+)`)
	reOffset      = regexp.MustCompile(`OFFSET=(\d+)`)
	reCIDR        = regexp.MustCompile(`\b(\d{1,3}(?:\.\d{1,3}){3}/\d{1,2})\b`)
	reExtraIP     = regexp.MustCompile(`"(\d{1,3}(?:\.\d{1,3}){3})"`)

	defaultPortStart = 40000
	defaultPortRange = 10000
	defaultOffset    = 2
)

// loadDescriptor reads and parses the descriptor file at path, enumerating
// every CIDR's host addresses and assigning each a port round-robin within
// [PortStart, PortEnd].
func loadDescriptor(path string) (*descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open descriptor %s: %w", path, err)
	}
	defer f.Close()

	var buf strings.Builder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		buf.WriteString(sc.Text())
		buf.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read descriptor %s: %w", path, err)
	}
	content := buf.String()

	d := &descriptor{
		PortStart: defaultPortStart,
		Offset:    defaultOffset,
	}
	if m := reLocalIP.FindStringSubmatch(content); m != nil {
		d.LocalIP = m[1]
	}
	if m := reServerStart.FindStringSubmatch(content); m != nil {
		d.ServerStart = m[1]
	}
	if m := reServerEnd.FindStringSubmatch(content); m != nil {
		d.ServerEnd = m[1]
	}
	if m := rePortStart.FindStringSubmatch(content); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			d.PortStart = v
		}
	}
	d.PortEnd = d.PortStart + defaultPortRange
	if m := rePortEnd.FindStringSubmatch(content); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			d.PortEnd = v
		}
	}
	if m := reOffset.FindStringSubmatch(content); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			d.Offset = v
		}
	}
	for _, m := range reCIDR.FindAllStringSubmatch(content, -1) {
		d.IPRanges = append(d.IPRanges, m[1])
	}
	for _, m := range reExtraIP.FindAllStringSubmatch(content, -1) {
		d.ExtraIPs = append(d.ExtraIPs, m[1])
	}

	hosts, err := enumerateHosts(d.IPRanges)
	if err != nil {
		return nil, err
	}
	hosts = append(hosts, d.ExtraIPs...)

	d.Endpoints = assignPorts(hosts, d.PortStart, d.PortEnd)
	return d, nil
}

// enumerateHosts expands every CIDR into its individual host addresses
// (network and broadcast addresses included, since the descriptor format
// has no notion of reserving them).
func enumerateHosts(cidrs []string) ([]string, error) {
	var hosts []string
	for _, c := range cidrs {
		ip, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("bad ip range %q: %w", c, err)
		}
		for cur := ip.Mask(ipnet.Mask); ipnet.Contains(cur); incIP(cur) {
			hosts = append(hosts, cur.String())
		}
	}
	return hosts, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

// assignPorts round-robins hosts across [portStart, portEnd].
func assignPorts(hosts []string, portStart, portEnd int) []endpoint {
	if portEnd < portStart {
		portEnd = portStart
	}
	span := portEnd - portStart + 1
	out := make([]endpoint, 0, len(hosts))
	for i, h := range hosts {
		out = append(out, endpoint{LocalIP: h, Port: portStart + i%span})
	}
	return out
}
