package render

import (
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// Hosts renders /etc/hosts-style output from the /dns/hosts/<hostname>
// region: one "address\thostname" line per address per hostname, sorted by
// hostname, with each hostname's addresses in the order its value lists
// them, matching watcher.py's unconditional-every-pass
// hosts handler and spec.md §8 testable property 7 (pure function of
// input, total order on hostnames).
//
// Hostnames are validated with miekg/dns and punycode-normalized via
// golang.org/x/net/idna before being emitted — a check the original never
// performed (it wrote whatever key text existed under /dns/hosts/*); a
// malformed KV key no longer produces a corrupt file.
func Hosts(dnsHosts Slice) (Bundle, error) {
	const prefix = "/dns/hosts/"
	type entry struct {
		hostname  string
		addresses []string
	}
	entries := make(map[string]*entry)

	for k, v := range dnsHosts {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		hostname := strings.TrimPrefix(k, prefix)
		ascii, err := idna.Lookup.ToASCII(hostname)
		if err != nil {
			return Bundle{}, fmt.Errorf("hosts: invalid hostname %q: %w", hostname, err)
		}
		if _, ok := dns.IsDomainName(ascii); !ok {
			return Bundle{}, fmt.Errorf("hosts: invalid hostname %q", hostname)
		}
		e, ok := entries[ascii]
		if !ok {
			e = &entry{hostname: ascii}
			entries[ascii] = e
		}
		e.addresses = append(e.addresses, Lines(v)...)
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		for _, addr := range entries[name].addresses {
			lines = append(lines, fmt.Sprintf("%s\t%s", addr, name))
		}
	}

	text := ""
	if len(lines) > 0 {
		text = strings.Join(lines, "\n") + "\n"
	}
	return Bundle{Files: []File{
		{Path: "/etc/hosts", Data: []byte(text), Mode: 0o644},
	}}, nil
}
