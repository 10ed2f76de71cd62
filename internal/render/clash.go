package render

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	tproxyPort = 7893
	socksPort  = 7891
	httpPort   = 7890
)

// ProxyMeta is the metadata the proxy handler uses to drive the
// start/reload/intercept dance of spec.md §4.5.4.
type ProxyMeta struct {
	Mode                   string // "mixed" or "intercept" (source value "tproxy" maps to "intercept")
	Targets                []string
	APIController          string
	APISecret              string
	RefreshEnable          bool
	RefreshIntervalMinutes int
}

// Clash renders the proxy daemon's merged config: a base template plus the
// node's active subscription, with mode-specific listener ports and the
// forced health-check-friendly settings the original always applies.
// Grounded on generators/gen_clash.py. subscriptionFetcher is injected so
// the renderer stays pure for testing (the original performs this fetch
// with `requests.get` at generation time).
func Clash(nodeID string, node, global Slice, base map[string]any, fetchSubscription func(url string) (map[string]any, error)) (Bundle, ProxyMeta, error) {
	mode := node.Get(fmt.Sprintf("/nodes/%s/clash/mode", nodeID), "mixed")

	subs := map[string]string{}
	const subPrefix = "/global/clash/subscriptions/"
	for k, v := range global {
		if strings.HasPrefix(k, subPrefix) && strings.HasSuffix(k, "/url") {
			name := strings.TrimSuffix(strings.TrimPrefix(k, subPrefix), "/url")
			subs[name] = v
		}
	}

	active := node[fmt.Sprintf("/nodes/%s/clash/active_subscription", nodeID)]
	if active == "" {
		return Bundle{}, ProxyMeta{}, fmt.Errorf("clash: missing /nodes/%s/clash/active_subscription", nodeID)
	}
	url, ok := subs[active]
	if !ok {
		return Bundle{}, ProxyMeta{}, fmt.Errorf("clash: active_subscription %q not found under %s", active, subPrefix)
	}

	subConf, err := fetchSubscription(url)
	if err != nil {
		return Bundle{}, ProxyMeta{}, fmt.Errorf("clash: fetching subscription %q: %w", active, err)
	}

	merged := map[string]any{}
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range subConf {
		merged[k] = v
	}

	if groups, ok := merged["proxy-groups"].([]any); ok {
		filtered := make([]any, 0, len(groups))
		for _, g := range groups {
			if gm, ok := g.(map[string]any); ok && gm["name"] == "DUMMY-GROUPS" {
				continue
			}
			filtered = append(filtered, g)
		}
		merged["proxy-groups"] = filtered
	}

	dnsCfg, _ := merged["dns"].(map[string]any)
	if dnsCfg == nil {
		dnsCfg = map[string]any{}
	}
	dnsCfg["enhanced-mode"] = "redir-host"
	merged["dns"] = dnsCfg

	merged["external-ui"] = "/etc/clash/ui"
	merged["find-process-mode"] = "off"
	merged["unified-delay"] = true
	merged["geodata-loader"] = "standard"

	if _, ok := merged["external-controller"]; !ok {
		merged["external-controller"] = "0.0.0.0:9090"
	}
	if _, ok := merged["secret"]; !ok {
		merged["secret"] = "BFC8rqg0umu-qay-xtq"
	}

	merged["socks-port"] = socksPort
	proxyMode := mode
	switch mode {
	case "mixed":
		merged["mixed-port"] = httpPort
	case "tproxy":
		merged["tproxy-port"] = tproxyPort
		proxyMode = "intercept"
	default:
		return Bundle{}, ProxyMeta{}, fmt.Errorf("clash: unsupported mode %q", mode)
	}

	refreshEnable := node[fmt.Sprintf("/nodes/%s/clash/refresh/enable", nodeID)] == "true"
	interval := atoiDefault(node[fmt.Sprintf("/nodes/%s/clash/refresh/interval_minutes", nodeID)], 0)

	lans := Lines(node[fmt.Sprintf("/nodes/%s/lan", nodeID)])
	privateLans := Lines(node[fmt.Sprintf("/nodes/%s/private_lan", nodeID)])
	targets := SortedUnique(append(lans, privateLans...))

	out, err := yaml.Marshal(merged)
	if err != nil {
		return Bundle{}, ProxyMeta{}, fmt.Errorf("clash: marshaling config: %w", err)
	}

	bundle := Bundle{Files: []File{
		{Path: "/etc/clash/config.yaml", Data: out, Mode: 0o644},
	}}
	meta := ProxyMeta{
		Mode:                   proxyMode,
		Targets:                targets,
		APIController:          fmt.Sprint(merged["external-controller"]),
		APISecret:              fmt.Sprint(merged["secret"]),
		RefreshEnable:          refreshEnable,
		RefreshIntervalMinutes: interval,
	}
	return bundle, meta, nil
}

// ExcludeCIDRs returns the firewall exclusion list for this node's LANs,
// combined with the fixed reserved/loopback/multicast ranges every node
// excludes regardless of configuration. Grounded on
// watcher.py::node_lans_for_exclude.
func ExcludeCIDRs(node Slice, nodeID string) []string {
	fixed := []string{
		"127.0.0.0/8", "0.0.0.0/8", "10.0.0.0/8",
		"172.16.0.0/12", "192.168.0.0/16",
		"169.254.0.0/16", "224.0.0.0/4", "240.0.0.0/4",
		"10.42.1.0/24",
	}
	lans := Lines(node[fmt.Sprintf("/nodes/%s/lan", nodeID)])
	return SortedUnique(append(fixed, lans...))
}
