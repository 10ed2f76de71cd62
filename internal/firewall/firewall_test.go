package firewall

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// fakeHelperScript writes a tiny shell script that records how it was
// invoked (argv + selected env vars) to a file next to it, so the test can
// assert on the Apply/Remove contract without touching real iptables state.
func fakeHelperScript(t *testing.T, recordPath string) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "tproxy.sh")
	body := "#!/bin/sh\n" +
		"{ echo \"ARGS=$*\"; echo \"PROXY_CIDRS=$PROXY_CIDRS\"; echo \"EXCLUDE_SRC_CIDRS=$EXCLUDE_SRC_CIDRS\"; " +
		"echo \"EXCLUDE_IFACES=$EXCLUDE_IFACES\"; echo \"EXCLUDE_PORTS=$EXCLUDE_PORTS\"; " +
		"echo \"PROXY_IPSET_NAME=$PROXY_IPSET_NAME\"; echo \"TPROXY_PORT=$TPROXY_PORT\"; } >> " + recordPath + "\n" +
		"exit 0\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("writing fake helper: %v", err)
	}
	return script
}

func TestApplyInvokesHelperWithArgvAndEnv(t *testing.T) {
	record := filepath.Join(t.TempDir(), "record.log")
	helper := fakeHelperScript(t, record)
	p := &Programmer{log: zap.NewNop().Sugar(), helperPath: helper}

	params := ApplyParams{
		ProxyCIDRs:      []string{"198.51.100.0/24"},
		ExcludeSrcCIDRs: []string{"10.0.0.0/8", "10.0.0.0/8", "192.168.1.0/24"},
		ExcludeIfaces:   []string{"wg0", "tun0"},
		ExcludePorts:    []string{"1194", "51820"},
	}
	if err := p.Apply(context.Background(), params); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	data, err := os.ReadFile(record)
	if err != nil {
		t.Fatalf("reading record: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "ARGS=apply") {
		t.Fatalf("helper not invoked with apply argv: %s", out)
	}
	if !strings.Contains(out, "PROXY_CIDRS=198.51.100.0/24") {
		t.Fatalf("helper env missing proxy CIDR list: %s", out)
	}
	if !strings.Contains(out, "EXCLUDE_SRC_CIDRS=10.0.0.0/8 192.168.1.0/24") {
		t.Fatalf("helper env missing deduped sorted exclude list: %s", out)
	}
	if !strings.Contains(out, "EXCLUDE_IFACES=tun0 wg0") {
		t.Fatalf("helper env missing exclude ifaces: %s", out)
	}
	if !strings.Contains(out, "EXCLUDE_PORTS=1194 51820") {
		t.Fatalf("helper env missing exclude ports: %s", out)
	}
	if !strings.Contains(out, "PROXY_IPSET_NAME=PROXY_SERVERS") {
		t.Fatalf("helper env missing ipset name: %s", out)
	}
	if !strings.Contains(out, "TPROXY_PORT=7893") {
		t.Fatalf("helper env missing TPROXY_PORT: %s", out)
	}
}

func TestRemoveInvokesHelper(t *testing.T) {
	record := filepath.Join(t.TempDir(), "record.log")
	helper := fakeHelperScript(t, record)
	p := &Programmer{log: zap.NewNop().Sugar(), helperPath: helper}

	if err := p.Remove(context.Background()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	data, _ := os.ReadFile(record)
	if !strings.Contains(string(data), "ARGS=remove") {
		t.Fatalf("helper not invoked with remove argv: %s", data)
	}
}

func TestApplyPropagatesHelperFailure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "tproxy.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho boom >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("writing failing helper: %v", err)
	}
	p := &Programmer{log: zap.NewNop().Sugar(), helperPath: script}
	if err := p.Apply(context.Background(), ApplyParams{}); err == nil {
		t.Fatal("want error when helper script exits non-zero")
	}
}

func TestEnsureIPSetInvokesIpsetCreate(t *testing.T) {
	record := filepath.Join(t.TempDir(), "record.log")
	dir := t.TempDir()
	fake := filepath.Join(dir, "ipset")
	body := "#!/bin/sh\necho \"$*\" >> " + record + "\nexit 0\n"
	if err := os.WriteFile(fake, []byte(body), 0o755); err != nil {
		t.Fatalf("writing fake ipset: %v", err)
	}
	p := &Programmer{log: zap.NewNop().Sugar(), ipsetPath: fake}
	if err := p.EnsureIPSet(context.Background()); err != nil {
		t.Fatalf("EnsureIPSet: %v", err)
	}
	data, _ := os.ReadFile(record)
	if !strings.Contains(string(data), "create PROXY_SERVERS hash:ip -exist") {
		t.Fatalf("ipset not invoked with create: %s", data)
	}
}

func TestPopulateIPSetFlushesThenAdds(t *testing.T) {
	record := filepath.Join(t.TempDir(), "record.log")
	dir := t.TempDir()
	fake := filepath.Join(dir, "ipset")
	body := "#!/bin/sh\necho \"$*\" >> " + record + "\nexit 0\n"
	if err := os.WriteFile(fake, []byte(body), 0o755); err != nil {
		t.Fatalf("writing fake ipset: %v", err)
	}
	p := &Programmer{log: zap.NewNop().Sugar(), ipsetPath: fake}
	if err := p.PopulateIPSet(context.Background(), []string{"198.51.100.1", "198.51.100.1"}); err != nil {
		t.Fatalf("PopulateIPSet: %v", err)
	}
	data, _ := os.ReadFile(record)
	out := string(data)
	if !strings.Contains(out, "flush PROXY_SERVERS") {
		t.Fatalf("ipset not flushed: %s", out)
	}
	if !strings.Contains(out, "add PROXY_SERVERS 198.51.100.1 -exist") {
		t.Fatalf("ipset not populated: %s", out)
	}
}

func TestBuildExcludeSetDedupsOverlappingPrefixes(t *testing.T) {
	out, err := BuildExcludeSet([]string{"10.0.0.0/8"}, []string{"203.0.113.0/24"})
	if err != nil {
		t.Fatalf("BuildExcludeSet: %v", err)
	}
	var sawExtra, saw10 bool
	for _, c := range out {
		if c == "203.0.113.0/24" {
			sawExtra = true
		}
		if c == "10.0.0.0/8" {
			saw10 = true
		}
	}
	if !sawExtra || !saw10 {
		t.Fatalf("BuildExcludeSet missing expected prefixes: %v", out)
	}
}

func TestBuildExcludeSetRejectsInvalidCIDR(t *testing.T) {
	if _, err := BuildExcludeSet([]string{"not-a-cidr"}, nil); err == nil {
		t.Fatal("want error for invalid CIDR")
	}
}
