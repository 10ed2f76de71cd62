package subsystem

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// routingReloadCandidates are the well-known paths of the daemon's
// dedicated smooth-reload tool, checked in order, matching
// watcher.py's _find_frr_reload.
var routingReloadCandidates = []string{
	"/usr/lib/frr/frr-reload.py",
	"/usr/lib/frr/frr-reload",
	"/usr/sbin/frr-reload.py",
	"/usr/sbin/frr-reload",
}

// findRoutingReloadTool is a package variable so tests can stub it without
// touching the filesystem.
var findRoutingReloadTool = func() string {
	for _, candidate := range routingReloadCandidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// RoutingConfigPath and its staging sibling, matching reload_frr_smooth's
// atomic-replace contract.
const (
	RoutingConfigPath    = "/etc/frr/frr.conf"
	RoutingConfigStaging = "/etc/frr/frr.conf.new"
)

// runCommand is overridden in tests.
var runCommand = func(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, out)
	}
	return nil
}

// ReloadRouting stages the new config at RoutingConfigStaging, invokes the
// smooth-reload tool if one is installed, and atomically promotes the
// staged file into place only after a successful reload — falling back to
// `vtysh -f` against the promoted file when no smooth-reload tool exists
// or it fails, mirroring reload_frr_smooth exactly.
func ReloadRouting(ctx context.Context, writeStaged func(path string, data []byte) error, confText []byte) error {
	if err := writeStaged(RoutingConfigStaging, confText); err != nil {
		return fmt.Errorf("routing: staging config: %w", err)
	}

	tool := findRoutingReloadTool()
	if tool != "" {
		var err error
		if strings.HasSuffix(tool, ".py") {
			err = runCommand(ctx, "python3", tool, "--reload", RoutingConfigStaging)
		} else {
			err = runCommand(ctx, tool, "--reload", RoutingConfigStaging)
		}
		if err == nil {
			return os.Rename(RoutingConfigStaging, RoutingConfigPath)
		}
	}

	if err := os.Rename(RoutingConfigStaging, RoutingConfigPath); err != nil {
		return fmt.Errorf("routing: promoting staged config: %w", err)
	}
	return runCommand(ctx, "vtysh", "-f", RoutingConfigPath)
}

// RoutingRelevantChanged reports whether the union of routing-relevant
// node keys (ospf/bgp/lan/both tunnel kinds) or the global route-policy
// keys changed, the gate spec.md §4.5.3 requires before reloading at all.
func RoutingRelevantChanged(nodeChanged, globalBGPFilterChanged bool) bool {
	return nodeChanged || globalBGPFilterChanged
}
