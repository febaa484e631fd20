package gretun

import (
	"bytes"
	"strings"
)

// canonicalHost strips an optional :port suffix and folds the hostname
// down to its rightmost three dot-separated labels, for use as the Host
// field of a TrafficRecord (SPEC_FULL.md §6 "Hostname canonicalization for
// stats"). Fewer than three labels pass through unchanged.
func canonicalHost(hostport string) string {
	host := hostport
	if h, _, err := splitHostPortLoose(hostport); err == nil {
		host = h
	}
	if host == "" {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 3 {
		return host
	}
	return strings.Join(labels[len(labels)-3:], ".")
}

// splitHostPortLoose behaves like net.SplitHostPort but tolerates a bare
// host with no port, returning it unchanged with an empty port.
func splitHostPortLoose(hostport string) (host, port string, err error) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return hostport, "", nil
	}
	// Guard against bare IPv6 literals without brackets/port (e.g. "::1"),
	// which contain multiple colons; only treat a single trailing
	// ":digits" as a port.
	candidate := hostport[idx+1:]
	for _, r := range candidate {
		if r < '0' || r > '9' {
			return hostport, "", nil
		}
	}
	if candidate == "" {
		return hostport, "", nil
	}
	return hostport[:idx], candidate, nil
}

// stripProxyHeaders removes every CRLF-terminated line in content whose
// uppercased text contains "PROXY", preserving all other bytes including
// any trailing partial line with no newline (the request body). Adapted
// from the original's remove_headers (original_source util.rs).
func stripProxyHeaders(content []byte) []byte {
	out := make([]byte, 0, len(content))
	index := 0
	for index < len(content) {
		nl := bytes.IndexByte(content[index:], '\n')
		if nl < 0 {
			break
		}
		lineEnd := index + nl + 1
		line := content[index:lineEnd]
		if !strings.Contains(strings.ToUpper(string(line)), "PROXY") {
			out = append(out, line...)
		}
		index = lineEnd
	}
	if index < len(content) {
		out = append(out, content[index:]...)
	}
	return out
}
