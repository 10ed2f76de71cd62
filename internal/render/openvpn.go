package render

import (
	"fmt"
	"strings"
)

func ovpnDevName(name string) string {
	if name != "" && isDigit(name[len(name)-1]) {
		return "tun" + string(name[len(name)-1])
	}
	return "tun-" + name
}

func isInlineOVPN(text string) bool {
	return strings.Contains(text, "\n") || strings.Contains(text, "-----BEGIN")
}

func ovpnFileRef(name, kind, value string) (string, File, error) {
	if strings.HasPrefix(value, "/") && !isInlineOVPN(value) {
		return "", File{}, fmt.Errorf("openvpn: %s must be inline content, not a file path", kind)
	}
	ext := strings.ReplaceAll(kind, "_", "")
	path := fmt.Sprintf("/etc/openvpn/generated/%s.%s", name, ext)
	content := strings.TrimRight(value, "\n\r ") + "\n"
	return path, File{Path: path, Data: []byte(content), Mode: 0o600}, nil
}

func maybeLine(lines []string, key, value string) []string {
	if value == "" {
		return lines
	}
	return append(lines, fmt.Sprintf("%s %s", key, value))
}

func buildOpenVPNConfig(name string, cfg Slice) (string, []File, error) {
	var files []File
	var lines []string

	dev := cfg["dev"]
	if dev == "" {
		dev = ovpnDevName(name)
	}
	lines = maybeLine(lines, "dev", dev)
	lines = maybeLine(lines, "dev-type", cfg["dev_type"])
	lines = maybeLine(lines, "proto", cfg["proto"])
	lines = maybeLine(lines, "port", cfg["port"])
	lines = maybeLine(lines, "ifconfig", cfg["ifconfig"])
	lines = maybeLine(lines, "keepalive", cfg["keepalive"])
	lines = maybeLine(lines, "verb", cfg["verb"])
	lines = maybeLine(lines, "auth", cfg["auth"])
	lines = maybeLine(lines, "cipher", cfg["cipher"])

	if compLZO := cfg["comp_lzo"]; compLZO != "" {
		lines = append(lines, "comp-lzo "+compLZO)
	}
	if allowComp := cfg["allow_compression"]; allowComp != "" {
		lines = append(lines, "allow-compression "+allowComp)
	}
	if cfg["persist_tun"] == "1" {
		lines = append(lines, "persist-tun")
	}
	if cfg["client"] == "1" {
		lines = append(lines, "client")
	}
	if cfg["tls_client"] == "1" {
		lines = append(lines, "tls-client")
	}
	lines = maybeLine(lines, "remote-cert-tls", cfg["remote_cert_tls"])
	lines = maybeLine(lines, "key-direction", cfg["key_direction"])

	port := cfg["port"]
	for _, r := range Lines(cfg["remote"]) {
		switch {
		case strings.Contains(r, ":") || strings.Contains(r, " "):
			lines = append(lines, "remote "+r)
		case port != "":
			lines = append(lines, fmt.Sprintf("remote %s %s", r, port))
		default:
			lines = append(lines, "remote "+r)
		}
	}

	for _, pair := range [][2]string{
		{"secret", "secret"}, {"ca", "ca"}, {"cert", "cert"}, {"key", "key"},
		{"tls_auth", "tls-auth"}, {"tls_crypt", "tls-crypt"},
	} {
		key, opt := pair[0], pair[1]
		val := cfg[key]
		if val == "" {
			continue
		}
		path, file, err := ovpnFileRef(name, key, val)
		if err != nil {
			return "", nil, err
		}
		files = append(files, file)
		lines = append(lines, fmt.Sprintf("%s %s", opt, path))
	}

	return strings.TrimSpace(strings.Join(lines, "\n")) + "\n", files, nil
}

// OpenVPN renders every enabled OpenVPN instance under
// /nodes/<self>/openvpn/*, grounded on generators/gen_openvpn.py.
func OpenVPN(nodeID string, node Slice) ([]TunnelInstance, error) {
	rest := WithPrefix(node, fmt.Sprintf("/nodes/%s/openvpn/", nodeID))
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
			dev = ovpnDevName(name)
		}
		configText, files, err := buildOpenVPNConfig(name, cfg)
		if err != nil {
			return nil, err
		}
		files = append(files, File{
			Path: fmt.Sprintf("/etc/openvpn/generated/%s.conf", name),
			Data: []byte(configText),
			Mode: 0o600,
		})
		out = append(out, TunnelInstance{Name: name, Dev: dev, Files: files})
	}
	return out, nil
}
