package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const mosdnsSocksPort = 7891

// ResolverMeta is the metadata the resolver handler needs: the rule-file
// manifest to download and the refresh cadence.
type ResolverMeta struct {
	Rules          map[string]string // rule name -> source URL
	RefreshMinutes int
}

// Mosdns renders the DNS resolver's config. If the node supplies an
// explicit plugin list (/global/mosdns/plugins, a YAML list of plugin
// maps), that list wins; otherwise baseTemplate (the packaged
// /etc/mosdns/config.yaml.tmpl the agent loads) is used as-is, with the {{SOCKS_PORT}} placeholder
// substituted. Grounded on generators/gen_mosdns.py.
func Mosdns(nodeID string, node, global Slice, baseTemplate string) (Bundle, ResolverMeta, error) {
	configText, err := mosdnsConfigText(global, baseTemplate)
	if err != nil {
		return Bundle{}, ResolverMeta{}, err
	}

	rules, err := mosdnsRules(global)
	if err != nil {
		return Bundle{}, ResolverMeta{}, err
	}

	refresh := atoiDefault(node[fmt.Sprintf("/nodes/%s/mosdns/refresh", nodeID)], 1440)
	if refresh <= 0 {
		refresh = 1440
	}

	bundle := Bundle{Files: []File{
		{Path: "/etc/mosdns/config.yaml", Data: []byte(configText), Mode: 0o644},
	}}
	return bundle, ResolverMeta{Rules: rules, RefreshMinutes: refresh}, nil
}

func mosdnsConfigText(global Slice, baseTemplate string) (string, error) {
	raw := global["/global/mosdns/plugins"]
	if raw == "" {
		return substituteSocksPort(baseTemplate), nil
	}

	var plugins []map[string]any
	if err := yaml.Unmarshal([]byte(raw), &plugins); err != nil {
		return "", fmt.Errorf("mosdns: /global/mosdns/plugins must be a YAML list of maps: %w", err)
	}

	conf := map[string]any{
		"log":     map[string]any{"level": "info"},
		"api":     map[string]any{"http": ":13688"},
		"plugins": plugins,
	}
	out, err := yaml.Marshal(conf)
	if err != nil {
		return "", fmt.Errorf("mosdns: marshaling config: %w", err)
	}
	return substituteSocksPort(string(out)), nil
}

func substituteSocksPort(text string) string {
	return strings.ReplaceAll(text, "{{SOCKS_PORT}}", fmt.Sprint(mosdnsSocksPort))
}

func mosdnsRules(global Slice) (map[string]string, error) {
	raw := global["/global/mosdns/rule_files"]
	if raw == "" {
		return nil, nil
	}
	var obj map[string]string
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("mosdns: rule_files must be a JSON object of string->string: %w", err)
	}
	return obj, nil
}
