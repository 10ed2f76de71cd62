package render

import (
	"fmt"
	"strings"
)

// TunnelInstance is one rendered point-to-point tunnel (OpenVPN or
// WireGuard), matching the "instances" list both gen_wireguard.py and
// gen_openvpn.py emit.
type TunnelInstance struct {
	Name  string
	Dev   string
	Files []File
}

func wgDevName(name string) string {
	if name != "" && isDigit(name[len(name)-1]) {
		return "wg" + string(name[len(name)-1])
	}
	return "wg-" + name
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func addKV(lines []string, key, value string) []string {
	if value == "" {
		return lines
	}
	return append(lines, fmt.Sprintf("%s = %s", key, value))
}

func buildWireguardConfig(cfg Slice) string {
	lines := []string{"[Interface]"}
	lines = addKV(lines, "PrivateKey", cfg["private_key"])
	for _, addr := range Lines(cfg["address"]) {
		lines = append(lines, "Address = "+addr)
	}
	for _, dns := range Lines(cfg["dns"]) {
		lines = append(lines, "DNS = "+dns)
	}
	lines = addKV(lines, "ListenPort", cfg["listen_port"])
	lines = addKV(lines, "MTU", cfg["mtu"])
	lines = append(lines, "Table = off", "PreUp = /bin/true", "PostUp = /bin/true", "PreDown = /bin/true", "PostDown = /bin/true")

	peers := GroupByInstance(WithPrefix(cfg, "peer/"))
	names := make([]string, 0, len(peers))
	for n := range peers {
		names = append(names, n)
	}
	for _, peerName := range SortedUnique(names) {
		peer := peers[peerName]
		lines = append(lines, "", "[Peer]")
		lines = addKV(lines, "PublicKey", peer["public_key"])
		lines = addKV(lines, "PresharedKey", peer["preshared_key"])
		allowed := Lines(peer["allowed_ips"])
		if len(allowed) == 0 {
			allowed = []string{"0.0.0.0/0"}
		}
		lines = append(lines, "AllowedIPs = "+strings.Join(allowed, ", "))
		lines = addKV(lines, "Endpoint", peer["endpoint"])
		lines = addKV(lines, "PersistentKeepalive", peer["persistent_keepalive"])
	}
	return strings.TrimSpace(strings.Join(lines, "\n")) + "\n"
}

// WireGuard renders every enabled WireGuard instance under
// /nodes/<self>/wireguard/*, grounded on generators/gen_wireguard.py.
func WireGuard(nodeID string, node Slice) ([]TunnelInstance, error) {
	rest := WithPrefix(node, fmt.Sprintf("/nodes/%s/wireguard/", nodeID))
	instancesCfg := GroupByInstance(rest)

	names := make([]string, 0, len(instancesCfg))
	for n := range instancesCfg {
		names = append(names, n)
	}

	var out []TunnelInstance
	for _, name := range SortedUnique(names) {
		cfg := instancesCfg[name]
		if cfg["enable"] != "true" {
			continue
		}
		dev := cfg["dev"]
		if dev == "" {
			dev = wgDevName(name)
		}
		configText := buildWireguardConfig(cfg)
		out = append(out, TunnelInstance{
			Name: name,
			Dev:  dev,
			Files: []File{
				{Path: fmt.Sprintf("/etc/wireguard/%s.conf", dev), Data: []byte(configText), Mode: 0o600},
			},
		})
	}
	return out, nil
}
