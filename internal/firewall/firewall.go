// Copyright (c) Meduza Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package firewall programs the transparent-proxy redirect (spec.md §4.6):
// apply/remove via an external helper script, plus a periodic read-only
// integrity check so a rule flushed by an unrelated process gets noticed.
package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"sort"

	"github.com/coreos/go-iptables/iptables"
	"go.uber.org/zap"
	"go4.org/netipx"
)

const (
	// DefaultHelperPath is the external script that owns the actual iptables
	// mutations (spec.md §4.6's "an external script is invoked, not
	// reimplemented in-process" contract).
	DefaultHelperPath = "/usr/local/bin/tproxy.sh"

	// DefaultIpsetPath is the external binary used to create and populate
	// the dynamic ip-set of resolved proxy-server addresses.
	DefaultIpsetPath = "ipset"

	// ProxyServersIPSetName is the kernel ip-set the helper's rules also
	// exclude by membership, so traffic already destined for the proxy's
	// own upstream connection never loops back through the redirect.
	ProxyServersIPSetName = "PROXY_SERVERS"

	tproxyPort = 7893
	fwMark     = "0x1"
	rtTable    = "100"
	tagJump    = "MEDUZA-TPROXY"
)

// ApplyParams carries every argument the helper needs to arm the
// transparent-proxy redirect without intercepting traffic it must not
// touch (spec.md §4.6). ProxyCIDRs are the destinations to intercept;
// ExcludeSrcCIDRs are source ranges (the node's own LANs and its default
// gateway host route) that must bypass the redirect outright;
// ExcludeIfaces and ExcludePorts are the tunnel/mesh transports whose own
// traffic must never be intercepted, otherwise the proxy's own transport
// loops through itself.
type ApplyParams struct {
	ProxyCIDRs      []string
	ExcludeSrcCIDRs []string
	ExcludeIfaces   []string
	ExcludePorts    []string
}

// Programmer applies and removes the transparent-proxy redirect and
// periodically verifies the installed rules are still present.
//
// watcher.py built the helper's environment by string-interpolating
// EXCLUDE_CIDRS into a shell command (subprocess.run(cmd, shell=True)) — a
// command-injection surface the moment a LAN CIDR contains a shell
// metacharacter. This uses exec.CommandContext with an explicit argv and
// Cmd.Env instead: no shell is ever invoked, so list content can never
// break out of its argument.
type Programmer struct {
	log        *zap.SugaredLogger
	helperPath string
	ipsetPath  string
	ipt        *iptables.IPTables
}

// New constructs a Programmer, including the iptables handle CheckIntegrity
// uses; it returns an error if iptables cannot be initialized.
func New(log *zap.SugaredLogger, helperPath string) (*Programmer, error) {
	if helperPath == "" {
		helperPath = DefaultHelperPath
	}
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("firewall: initializing iptables: %w", err)
	}
	return &Programmer{log: log, helperPath: helperPath, ipsetPath: DefaultIpsetPath, ipt: ipt}, nil
}

func (p *Programmer) run(ctx context.Context, args []string, env []string) error {
	cmd := exec.CommandContext(ctx, p.helperPath, args...)
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("firewall: %s %v: %w: %s", p.helperPath, args, err, out)
	}
	return nil
}

// Apply installs the transparent-proxy redirect: it intercepts
// params.ProxyCIDRs while leaving params.ExcludeSrcCIDRs (the node's own
// LANs and its default-gateway host route), params.ExcludeIfaces (every
// tunnel/mesh interface), params.ExcludePorts (their listen ports), and
// membership of the ProxyServersIPSetName ip-set untouched. Mirrors
// tproxy_apply's env-var contract.
func (p *Programmer) Apply(ctx context.Context, params ApplyParams) error {
	env := []string{
		"PROXY_CIDRS=" + joinSpace(sortedUnique(params.ProxyCIDRs)),
		"EXCLUDE_SRC_CIDRS=" + joinSpace(sortedUnique(params.ExcludeSrcCIDRs)),
		"EXCLUDE_IFACES=" + joinSpace(sortedUnique(params.ExcludeIfaces)),
		"EXCLUDE_PORTS=" + joinSpace(sortedUnique(params.ExcludePorts)),
		"PROXY_IPSET_NAME=" + ProxyServersIPSetName,
		fmt.Sprintf("TPROXY_PORT=%d", tproxyPort),
		"MARK=" + fwMark,
		"TABLE=" + rtTable,
	}
	return p.run(ctx, []string{"apply"}, env)
}

// Remove tears down the transparent-proxy redirect. Mirrors tproxy_remove.
func (p *Programmer) Remove(ctx context.Context) error {
	env := []string{
		fmt.Sprintf("TPROXY_PORT=%d", tproxyPort),
		"MARK=" + fwMark,
		"TABLE=" + rtTable,
	}
	return p.run(ctx, []string{"remove"}, env)
}

// CheckIntegrity verifies, read-only, that the mangle-table jump the helper
// installs is still present. It never mutates rules itself — drift is
// corrected by re-running Apply, which is idempotent in the helper script.
func (p *Programmer) CheckIntegrity(wantPresent bool) (present bool, err error) {
	ok, err := p.ipt.Exists("mangle", "PREROUTING", "-j", tagJump)
	if err != nil {
		return false, fmt.Errorf("firewall: checking mangle/PREROUTING: %w", err)
	}
	if wantPresent && !ok {
		p.log.Warnw("tproxy jump rule missing, expected present", "chain", "PREROUTING")
	}
	return ok, nil
}

// EnsureIPSet creates the PROXY_SERVERS ip-set if it does not already
// exist. It must run before the intercept rules are armed, since the
// helper's rules reference the set by name (spec.md §4.5.4 step 4b).
func (p *Programmer) EnsureIPSet(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.ipsetPath, "create", ProxyServersIPSetName, "hash:ip", "-exist")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("firewall: ipset create %s: %w: %s", ProxyServersIPSetName, err, out)
	}
	return nil
}

// PopulateIPSet flushes the PROXY_SERVERS ip-set and re-adds the given
// resolved proxy-server IPs, run asynchronously from the reconcile pass
// so subscription-fetch DNS resolution never blocks it (spec.md §4.5.4
// step 4d).
func (p *Programmer) PopulateIPSet(ctx context.Context, ips []string) error {
	flush := exec.CommandContext(ctx, p.ipsetPath, "flush", ProxyServersIPSetName)
	if out, err := flush.CombinedOutput(); err != nil {
		return fmt.Errorf("firewall: ipset flush %s: %w: %s", ProxyServersIPSetName, err, out)
	}
	for _, ip := range sortedUnique(ips) {
		add := exec.CommandContext(ctx, p.ipsetPath, "add", ProxyServersIPSetName, ip, "-exist")
		if out, err := add.CombinedOutput(); err != nil {
			return fmt.Errorf("firewall: ipset add %s %s: %w: %s", ProxyServersIPSetName, ip, err, out)
		}
	}
	return nil
}

func joinSpace(cidrs []string) string {
	out := ""
	for i, c := range cidrs {
		if i > 0 {
			out += " "
		}
		out += c
	}
	return out
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// BuildExcludeSet normalizes and de-duplicates the RFC1918/link-local
// defaults plus the node's declared LANs and any extra exclusions into a
// single sorted CIDR list, using netipx to reason about the prefixes as
// values instead of strings (catching overlaps the Python version's
// plain `sorted(set(cidrs))` string-dedup would miss, e.g. "10.0.0.0/8"
// and "10.0.0.0/08").
func BuildExcludeSet(lans []string, extra []string) ([]string, error) {
	defaults := []string{
		"127.0.0.0/8", "0.0.0.0/8", "10.0.0.0/8",
		"172.16.0.0/12", "192.168.0.0/16",
		"169.254.0.0/16", "224.0.0.0/4", "240.0.0.0/4",
		"10.42.1.0/24",
	}
	var b netipx.IPSetBuilder
	for _, cidr := range append(append(defaults, lans...), extra...) {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("firewall: invalid exclude CIDR %q: %w", cidr, err)
		}
		b.AddPrefix(p.Masked())
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("firewall: building exclude set: %w", err)
	}
	out := make([]string, 0, len(set.Prefixes()))
	for _, p := range set.Prefixes() {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out, nil
}
