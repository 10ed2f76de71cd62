package render

import "strings"

// fallbackUpstreams are the public resolvers used when neither the local
// resolver nor the proxy's own DNS port is available, matching the
// forwarder handler's policy in SPEC_FULL.md/spec.md §4.5.6.
var fallbackUpstreams = []string{"1.1.1.1", "8.8.8.8", "9.9.9.9"}

// Forwarder renders the DNS forwarder (dnsmasq-compatible) config: one
// upstream server line per entry, `server=<addr>` directives plus a fixed
// listen/port preamble. No domain library is warranted for a config this
// small — stdlib string building matches the plainness of the simpler
// Python generators (e.g. gen_easytier.py's non-YAML branches).
func Forwarder(upstreams []string) Bundle {
	lines := []string{
		"port=53",
		"no-resolv",
		"no-poll",
	}
	for _, u := range upstreams {
		lines = append(lines, "server="+u)
	}
	text := strings.Join(lines, "\n") + "\n"
	return Bundle{Files: []File{
		{Path: "/etc/dnsmasq.d/generated.conf", Data: []byte(text), Mode: 0o644},
	}}
}

// ForwarderUpstreams computes the forwarder's upstream list per the
// fallback policy: local resolver and proxy's DNS port are always
// preferred when available; public fallbacks are included only when at
// least one of them is unavailable.
func ForwarderUpstreams(resolverAddr, proxyDNSAddr string) []string {
	var local []string
	if resolverAddr != "" {
		local = append(local, resolverAddr)
	}
	if proxyDNSAddr != "" {
		local = append(local, proxyDNSAddr)
	}
	if resolverAddr != "" && proxyDNSAddr != "" {
		return local
	}
	return append(local, fallbackUpstreams...)
}
