package render

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// EasytierMeta is the metadata the mesh handler reads back alongside the
// rendered config, for the overlay-mesh (easytier) flavour.
type EasytierMeta struct {
	Args []string
}

// Easytier renders the overlay-mesh daemon's YAML config, grounded on
// generators/gen_easytier.py.
func Easytier(nodeID string, node, global Slice) (Bundle, EasytierMeta, error) {
	ng := func(k, def string) string { return node.Get(fmt.Sprintf("/nodes/%s/easytier/%s", nodeID, k), def) }
	gg := func(k, def string) string { return global.Get(fmt.Sprintf("/global/easytier/%s", k), def) }

	networkName := gg("network_name", "")
	networkSecret := gg("network_secret", "")
	if networkName == "" || networkSecret == "" {
		return Bundle{}, EasytierMeta{}, fmt.Errorf("easytier: missing /global/easytier/network_name or network_secret")
	}

	cfg := map[string]any{
		"network_name":   networkName,
		"network_secret": networkSecret,
		"dev_name":       ng("dev_name", "et0"),
	}
	if gg("private_mode", "false") == "true" {
		cfg["private_mode"] = true
	}
	if ipv4 := ng("ipv4", ""); ipv4 != "" {
		cfg["ipv4"] = ipv4
	}
	if gg("dhcp", "false") == "true" {
		cfg["dhcp"] = true
	}
	if listeners := Lines(ng("listeners", "")); len(listeners) > 0 {
		cfg["listeners"] = listeners
	}
	if peers := Lines(ng("peers", "")); len(peers) > 0 {
		cfg["peers"] = peers
	}
	if mapped := Lines(ng("mapped_listeners", "")); len(mapped) > 0 {
		cfg["mapped_listeners"] = mapped
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return Bundle{}, EasytierMeta{}, fmt.Errorf("easytier: marshaling config: %w", err)
	}

	bundle := Bundle{Files: []File{
		{Path: "/etc/easytier/config.yaml", Data: out, Mode: 0o644},
	}}
	meta := EasytierMeta{Args: []string{
		"easytier-core",
		"--config", "/etc/easytier/config.yaml",
		"--enable-exit-node",
		"--proxy-forward-by-system",
	}}
	return bundle, meta, nil
}
