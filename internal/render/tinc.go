package render

import (
	"fmt"
	"strings"
)

// TincMeta carries the metadata the switched-mesh handler needs: the net
// name the daemon was configured under.
type TincMeta struct {
	NetName string
}

func tincField(s Slice, nodeID, field string) string {
	return s[fmt.Sprintf("/nodes/%s/tinc/%s", nodeID, field)]
}

func alnumOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeTincPubkey(pubkey, ed25519 string) string {
	var lines []string
	for _, line := range strings.Split(pubkey, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if ed := strings.TrimSpace(ed25519); ed != "" {
		if !strings.HasPrefix(strings.ToLower(ed), "ed25519publickey") {
			lines = append(lines, fmt.Sprintf("Ed25519PublicKey = %s", ed))
		} else {
			lines = append(lines, ed)
		}
	}
	return strings.Join(lines, "\n")
}

func tincHostContent(address, port string, subnets []string, mode, cipher, digest, pubkey, ed25519 string) string {
	var lines []string
	if address != "" {
		lines = append(lines, "Address="+address)
	}
	if mode != "" {
		lines = append(lines, "Mode="+mode)
	}
	if port != "" {
		lines = append(lines, "Port="+port)
	}
	if cipher != "" {
		lines = append(lines, "Cipher="+cipher)
	}
	if digest != "" {
		lines = append(lines, "Digest="+digest)
	}
	for _, s := range subnets {
		lines = append(lines, "Subnet="+s)
	}
	keyText := normalizeTincPubkey(pubkey, ed25519)
	lines = append(lines, "", keyText, "")
	return strings.Join(lines, "\n")
}

// Tinc renders the switched-mesh (tinc) daemon's full directory: one host
// file per enabled fleet peer plus self, tinc.conf with discovered
// ConnectTo peers, key material, and the up/down interface scripts.
// Grounded on generators/gen_tinc.py.
func Tinc(nodeID string, node, global, allNodes Slice) (Bundle, TincMeta, error) {
	netname := global.Get("/global/tinc/netname", "mesh")
	if netname == "" {
		return Bundle{}, TincMeta{}, fmt.Errorf("tinc: missing /global/tinc/netname")
	}

	name := alnumOnly(node.Get(fmt.Sprintf("/nodes/%s/tinc/name", nodeID), nodeID))
	if name == "" {
		return Bundle{}, TincMeta{}, fmt.Errorf("tinc: invalid /nodes/%s/tinc/name (must be alphanumeric)", nodeID)
	}

	devName := tincField(node, nodeID, "dev_name")
	if devName == "" {
		devName = "tnc0"
	}
	port := tincField(node, nodeID, "port")
	if port == "" {
		port = "655"
	}
	address := tincField(node, nodeID, "address")
	addressFamily := tincField(node, nodeID, "address_family")
	if addressFamily == "" {
		addressFamily = "ipv4"
	}
	ipv4 := tincField(node, nodeID, "ipv4")
	subnet := tincField(node, nodeID, "subnet")
	if subnet == "" && ipv4 != "" {
		subnet = strings.Join(Lines(ipv4), "\n")
	}
	hostMode := tincField(node, nodeID, "host_mode")
	hostCipher := tincField(node, nodeID, "host_cipher")
	hostDigest := tincField(node, nodeID, "host_digest")
	confMode := tincField(node, nodeID, "mode")
	if confMode == "" {
		confMode = "switch"
	}
	confCipher := global.Get("/global/tinc/cipher", "")
	confDigest := global.Get("/global/tinc/digest", "")
	pubkey := tincField(node, nodeID, "public_key")
	ed25519 := tincField(node, nodeID, "ed25519_public_key")
	privkey := tincField(node, nodeID, "private_key")
	ed25519Priv := tincField(node, nodeID, "ed25519_private_key")

	if pubkey == "" && ed25519 == "" {
		return Bundle{}, TincMeta{}, fmt.Errorf("tinc: missing public_key or ed25519_public_key for %s", nodeID)
	}
	if privkey == "" && ed25519Priv == "" {
		return Bundle{}, TincMeta{}, fmt.Errorf("tinc: missing private_key or ed25519_private_key for %s", nodeID)
	}

	var files []File
	perNode := groupByNode(allNodes)

	var connectTo []string
	peerIDs := make([]string, 0, len(perNode))
	for id := range perNode {
		peerIDs = append(peerIDs, id)
	}
	for _, peerID := range sortedStrings(peerIDs) {
		cfg := perNode[peerID]
		if cfg["tinc/enable"] != "true" {
			continue
		}
		peerName := alnumOnly(cfg.Get("tinc/name", peerID))
		if peerName == name {
			continue
		}
		peerAddr := cfg["tinc/address"]
		peerPort := cfg["tinc/port"]
		peerSubnet := cfg["tinc/subnet"]
		peerIPv4 := cfg["tinc/ipv4"]
		if peerSubnet == "" && peerIPv4 != "" {
			peerSubnet = strings.Join(Lines(peerIPv4), "\n")
		}
		peerPub := cfg["tinc/public_key"]
		peerEd25519 := cfg["tinc/ed25519_public_key"]
		if peerPub == "" && peerEd25519 == "" {
			continue
		}
		hostText := tincHostContent(peerAddr, peerPort, Lines(peerSubnet),
			cfg["tinc/host_mode"], cfg["tinc/host_cipher"], cfg["tinc/host_digest"], peerPub, peerEd25519)
		files = append(files, File{
			Path: fmt.Sprintf("/etc/tinc/%s/hosts/%s", netname, peerName),
			Data: []byte(hostText),
			Mode: 0o644,
		})
		if peerAddr != "" {
			connectTo = append(connectTo, peerName)
		}
	}

	selfHost := tincHostContent(address, port, Lines(subnet), hostMode, hostCipher, hostDigest, pubkey, ed25519)
	files = append(files, File{
		Path: fmt.Sprintf("/etc/tinc/%s/hosts/%s", netname, name),
		Data: []byte(selfHost),
		Mode: 0o644,
	})
	if strings.TrimSpace(privkey) != "" {
		files = append(files, File{
			Path: fmt.Sprintf("/etc/tinc/%s/rsa_key.priv", netname),
			Data: []byte(strings.TrimSpace(privkey) + "\n"),
			Mode: 0o600,
		})
	}
	if strings.TrimSpace(ed25519Priv) != "" {
		files = append(files, File{
			Path: fmt.Sprintf("/etc/tinc/%s/ed25519_key.priv", netname),
			Data: []byte(strings.TrimSpace(ed25519Priv) + "\n"),
			Mode: 0o600,
		})
	}

	tincConf := []string{
		"Name=" + name,
		"AddressFamily=" + addressFamily,
		"Mode=" + confMode,
		"DeviceType=tap",
		"Interface=" + devName,
		"Port=" + port,
		"TCPOnly=yes",
	}
	if confCipher != "" {
		tincConf = append(tincConf, "Cipher="+confCipher)
	}
	if confDigest != "" {
		tincConf = append(tincConf, "Digest="+confDigest)
	}
	for _, peer := range SortedUnique(connectTo) {
		tincConf = append(tincConf, "ConnectTo = "+peer)
	}
	files = append(files, File{
		Path: fmt.Sprintf("/etc/tinc/%s/tinc.conf", netname),
		Data: []byte(strings.Join(tincConf, "\n") + "\n"),
		Mode: 0o644,
	})

	tincUp := []string{"#!/bin/sh", "set -e", `ip link set "$INTERFACE" up`}
	if ipv4 != "" {
		tincUp = append(tincUp, fmt.Sprintf(`ip addr add %s dev "$INTERFACE" || true`, ipv4))
	}
	files = append(files, File{
		Path: fmt.Sprintf("/etc/tinc/%s/tinc-up", netname),
		Data: []byte(strings.Join(tincUp, "\n") + "\n"),
		Mode: 0o755,
	})

	tincDown := []string{"#!/bin/sh", "set -e"}
	if ipv4 != "" {
		tincDown = append(tincDown, fmt.Sprintf(`ip addr del %s dev "$INTERFACE" || true`, ipv4))
	}
	files = append(files, File{
		Path: fmt.Sprintf("/etc/tinc/%s/tinc-down", netname),
		Data: []byte(strings.Join(tincDown, "\n") + "\n"),
		Mode: 0o755,
	})

	files = append(files, File{Path: "/etc/tinc/.netname", Data: []byte(netname + "\n"), Mode: 0o644})

	return Bundle{Files: files}, TincMeta{NetName: netname}, nil
}

// groupByNode splits an all-nodes prefix read ("/nodes/<id>/<rest>") into
// one Slice per node id, keyed by the stripped "<rest>" path.
func groupByNode(allNodes Slice) map[string]Slice {
	out := make(map[string]Slice)
	for k, v := range allNodes {
		if !strings.HasPrefix(k, "/nodes/") {
			continue
		}
		rest := strings.TrimPrefix(k, "/nodes/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			continue
		}
		id, tail := parts[0], parts[1]
		if out[id] == nil {
			out[id] = make(Slice)
		}
		out[id][tail] = v
	}
	return out
}

func sortedStrings(ss []string) []string {
	return SortedUnique(ss)
}
