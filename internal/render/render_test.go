package render

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHashIsOrderIndependent(t *testing.T) {
	a := Slice{"/b": "2", "/a": "1"}
	b := Slice{"/a": "1", "/b": "2"}
	if Hash(a) != Hash(b) {
		t.Fatal("Hash must not depend on map construction order")
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := Slice{"/a": "1"}
	b := Slice{"/a": "2"}
	if Hash(a) == Hash(b) {
		t.Fatal("Hash must differ for different content")
	}
}

func TestLinesNormalizesNewlinesAndDropsComments(t *testing.T) {
	in := "  foo  \r\n# comment\r\n\r\nbar\r"
	got := Lines(in)
	want := []string{"foo", "bar"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Lines mismatch (-want +got):\n%s", diff)
	}
}

func TestEasytierRequiresGlobalIdentity(t *testing.T) {
	node := Slice{"/nodes/n1/easytier/enable": "true"}
	global := Slice{}
	if _, _, err := Easytier("n1", node, global); err == nil {
		t.Fatal("want error when network_name/network_secret are missing")
	}
}

func TestEasytierRendersConfig(t *testing.T) {
	node := Slice{
		"/nodes/n1/easytier/dev_name": "et0",
		"/nodes/n1/easytier/ipv4":     "10.1.0.1/24",
	}
	global := Slice{
		"/global/easytier/network_name":   "net",
		"/global/easytier/network_secret": "s3cr3t",
	}
	bundle, meta, err := Easytier("n1", node, global)
	if err != nil {
		t.Fatalf("Easytier: %v", err)
	}
	if len(bundle.Files) != 1 {
		t.Fatalf("want 1 file, got %d", len(bundle.Files))
	}
	if !strings.Contains(string(bundle.Files[0].Data), "network_secret: s3cr3t") {
		t.Fatalf("config missing network_secret: %s", bundle.Files[0].Data)
	}
	if meta.Args[0] != "easytier-core" {
		t.Fatalf("Args = %v", meta.Args)
	}
}

func TestWireGuardSkipsDisabledInstances(t *testing.T) {
	node := Slice{
		"/nodes/n1/wireguard/wg0/enable":               "true",
		"/nodes/n1/wireguard/wg0/private_key":          "priv",
		"/nodes/n1/wireguard/wg0/address":              "10.0.0.1/32",
		"/nodes/n1/wireguard/wg0/peer/p1/public_key":    "K",
		"/nodes/n1/wireguard/disabled1/enable":          "false",
		"/nodes/n1/wireguard/disabled1/private_key":     "priv2",
	}
	instances, err := WireGuard("n1", node)
	if err != nil {
		t.Fatalf("WireGuard: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("want 1 enabled instance, got %d", len(instances))
	}
	if instances[0].Name != "wg0" || instances[0].Dev != "wg0" {
		t.Fatalf("unexpected instance: %+v", instances[0])
	}
	content := string(instances[0].Files[0].Data)
	if !strings.Contains(content, "PrivateKey = priv") {
		t.Fatalf("config missing PrivateKey: %s", content)
	}
	if !strings.Contains(content, "PublicKey = K") {
		t.Fatalf("config missing peer PublicKey: %s", content)
	}
}

func TestWireGuardDefaultsAllowedIPs(t *testing.T) {
	node := Slice{
		"/nodes/n1/wireguard/wg0/enable":            "true",
		"/nodes/n1/wireguard/wg0/peer/p1/public_key": "K",
	}
	instances, err := WireGuard("n1", node)
	if err != nil {
		t.Fatalf("WireGuard: %v", err)
	}
	content := string(instances[0].Files[0].Data)
	if !strings.Contains(content, "AllowedIPs = 0.0.0.0/0") {
		t.Fatalf("want default AllowedIPs, got: %s", content)
	}
}

func TestOpenVPNRejectsNonInlineSecretPath(t *testing.T) {
	node := Slice{
		"/nodes/n1/openvpn/vpn0/enable": "true",
		"/nodes/n1/openvpn/vpn0/secret": "/etc/secrets/foo",
	}
	if _, err := OpenVPN("n1", node); err == nil {
		t.Fatal("want error for a bare file-path secret value")
	}
}

func TestOpenVPNBuildsRemoteLines(t *testing.T) {
	node := Slice{
		"/nodes/n1/openvpn/vpn0/enable": "true",
		"/nodes/n1/openvpn/vpn0/remote": "1.2.3.4\n5.6.7.8",
		"/nodes/n1/openvpn/vpn0/port":   "1194",
	}
	instances, err := OpenVPN("n1", node)
	if err != nil {
		t.Fatalf("OpenVPN: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("want 1 instance, got %d", len(instances))
	}
	var configFile *File
	for i := range instances[0].Files {
		if instances[0].Files[i].Path == "/etc/openvpn/generated/vpn0.conf" {
			configFile = &instances[0].Files[i]
		}
	}
	if configFile == nil {
		t.Fatal("missing rendered config file")
	}
	content := string(configFile.Data)
	if !strings.Contains(content, "remote 1.2.3.4 1194") || !strings.Contains(content, "remote 5.6.7.8 1194") {
		t.Fatalf("missing expected remote lines: %s", content)
	}
}

func TestTincRequiresKeyMaterial(t *testing.T) {
	node := Slice{}
	global := Slice{"/global/tinc/netname": "mesh"}
	if _, _, err := Tinc("n1", node, global, Slice{}); err == nil {
		t.Fatal("want error when no public/private key material is set")
	}
}

func TestTincBuildsConnectToFromPeers(t *testing.T) {
	node := Slice{
		"/nodes/n1/tinc/name":       "n1",
		"/nodes/n1/tinc/public_key": "PUBKEY1",
		"/nodes/n1/tinc/private_key": "PRIVKEY1",
	}
	global := Slice{"/global/tinc/netname": "mesh"}
	allNodes := Slice{
		"/nodes/n1/tinc/enable":     "true",
		"/nodes/n1/tinc/name":       "n1",
		"/nodes/n1/tinc/public_key": "PUBKEY1",
		"/nodes/n2/tinc/enable":     "true",
		"/nodes/n2/tinc/name":       "n2",
		"/nodes/n2/tinc/address":    "10.0.0.2",
		"/nodes/n2/tinc/public_key": "PUBKEY2",
	}
	bundle, meta, err := Tinc("n1", node, global, allNodes)
	if err != nil {
		t.Fatalf("Tinc: %v", err)
	}
	if meta.NetName != "mesh" {
		t.Fatalf("NetName = %q", meta.NetName)
	}
	var confFile *File
	for i := range bundle.Files {
		if bundle.Files[i].Path == "/etc/tinc/mesh/tinc.conf" {
			confFile = &bundle.Files[i]
		}
	}
	if confFile == nil {
		t.Fatal("missing tinc.conf")
	}
	if !strings.Contains(string(confFile.Data), "ConnectTo = n2") {
		t.Fatalf("tinc.conf missing ConnectTo n2: %s", confFile.Data)
	}
}

func TestHostsProducesSortedTabSeparatedLines(t *testing.T) {
	slice := Slice{
		"/dns/hosts/foo": "1.2.3.4\n5.6.7.8",
	}
	bundle, err := Hosts(slice)
	if err != nil {
		t.Fatalf("Hosts: %v", err)
	}
	got := string(bundle.Files[0].Data)
	want := "1.2.3.4\tfoo\n5.6.7.8\tfoo\n"
	if got != want {
		t.Fatalf("Hosts = %q, want %q", got, want)
	}
}

func TestHostsRejectsInvalidHostname(t *testing.T) {
	slice := Slice{"/dns/hosts/not a host!": "1.2.3.4"}
	if _, err := Hosts(slice); err == nil {
		t.Fatal("want error for invalid hostname")
	}
}

func TestClashRequiresActiveSubscription(t *testing.T) {
	node := Slice{}
	global := Slice{}
	_, _, err := Clash("n1", node, global, map[string]any{}, func(string) (map[string]any, error) {
		return nil, errors.New("should not be called")
	})
	if err == nil {
		t.Fatal("want error when active_subscription is missing")
	}
}

func TestClashIntersectModeMapsToIntercept(t *testing.T) {
	node := Slice{
		"/nodes/n1/clash/mode":                "tproxy",
		"/nodes/n1/clash/active_subscription": "primary",
	}
	global := Slice{"/global/clash/subscriptions/primary/url": "https://example.invalid/sub"}
	_, meta, err := Clash("n1", node, global, map[string]any{}, func(string) (map[string]any, error) {
		return map[string]any{"proxies": []any{}}, nil
	})
	if err != nil {
		t.Fatalf("Clash: %v", err)
	}
	if meta.Mode != "intercept" {
		t.Fatalf("Mode = %q, want intercept", meta.Mode)
	}
}

func TestRoutingDefaultsBGPFilterRules(t *testing.T) {
	bundle, _, err := Routing("n1", Slice{}, Slice{})
	if err != nil {
		t.Fatalf("Routing: %v", err)
	}
	content := string(bundle.Files[0].Data)
	if !strings.Contains(content, "hostname n1") {
		t.Fatalf("missing hostname line: %s", content)
	}
	if !strings.Contains(content, "ip prefix-list PL-BGP-IN seq 10 deny 0.0.0.0/0") {
		t.Fatalf("missing default deny-all PL-BGP-IN rule: %s", content)
	}
}

func TestForwarderUpstreamsPrefersLocalOnlyWhenBothAvailable(t *testing.T) {
	got := ForwarderUpstreams("127.0.0.1:5335", "127.0.0.1:1053")
	want := []string{"127.0.0.1:5335", "127.0.0.1:1053"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("ForwarderUpstreams = %v, want %v", got, want)
	}
}

func TestForwarderUpstreamsIncludesFallbackWhenOneMissing(t *testing.T) {
	got := ForwarderUpstreams("", "127.0.0.1:1053")
	if len(got) <= 1 {
		t.Fatalf("want fallback upstreams appended, got %v", got)
	}
}
