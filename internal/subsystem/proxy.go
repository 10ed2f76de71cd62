package subsystem

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"
	"go4.org/netipx"

	"meduza.network/nodeagent/internal/firewall"
	"meduza.network/nodeagent/internal/supervisor"
)

// ProxyMode mirrors the two operating modes rendered by internal/render's
// Clash renderer.
const (
	ProxyModeMixed     = "mixed"
	ProxyModeIntercept = "intercept"
)

// ProxyHealth captures the four independent checks spec.md §4.5.4 requires
// before the proxy is considered usable.
type ProxyHealth struct {
	PIDFilePresent     bool
	ProcessAlive       bool
	ProxiesReachable   bool
	URLTestSelectorsOK bool
}

// Healthy is true only when every constituent check passed.
func (h ProxyHealth) Healthy() bool {
	return h.PIDFilePresent && h.ProcessAlive && h.ProxiesReachable && h.URLTestSelectorsOK
}

// urlTestSelectorsHealthy implements "every selector whose logical name
// contains url-test has a non-empty current selection that is not the
// literal REJECT" against a decoded /proxies admin-API response.
func urlTestSelectorsHealthy(proxies map[string]any) bool {
	for name, raw := range proxies {
		if !strings.Contains(strings.ToLower(name), "url-test") {
			continue
		}
		entry, ok := raw.(map[string]any)
		if !ok {
			return false
		}
		now, _ := entry["now"].(string)
		if now == "" || now == "REJECT" {
			return false
		}
	}
	return true
}

// CheckProxyHealth reads the PID file, cross-checks it against the live
// process table with github.com/mitchellh/go-ps (so a stale PID file left
// by a killed process cannot be mistaken for healthy), and queries the
// admin API for the proxies listing.
func CheckProxyHealth(readPID func() (int, error), queryProxies func() (map[string]any, error)) (ProxyHealth, error) {
	var h ProxyHealth
	pid, err := readPID()
	if err != nil {
		return h, nil
	}
	h.PIDFilePresent = true

	proc, err := ps.FindProcess(pid)
	if err != nil {
		return h, fmt.Errorf("proxy: checking process table for pid %d: %w", pid, err)
	}
	h.ProcessAlive = proc != nil
	if !h.ProcessAlive {
		return h, nil
	}

	proxies, err := queryProxies()
	if err != nil {
		return h, nil
	}
	h.ProxiesReachable = true
	h.URLTestSelectorsOK = urlTestSelectorsHealthy(proxies)
	return h, nil
}

// WaitHealthy polls check until it reports Healthy(), ctx is canceled, or
// check itself errors. Callers pass context.Background() for the
// "unbounded wait" case (DNS-forwarder startup) and a context.WithTimeout
// for the bounded case.
func WaitHealthy(ctx context.Context, check func() (ProxyHealth, error), pollInterval time.Duration) (ProxyHealth, error) {
	for {
		h, err := check()
		if err != nil {
			return h, err
		}
		if h.Healthy() {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return h, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// proxyFirewall is the subset of *firewall.Programmer the proxy handler
// drives.
type proxyFirewall interface {
	EnsureIPSet(ctx context.Context) error
	Apply(ctx context.Context, params firewall.ApplyParams) error
	Remove(ctx context.Context) error
}

// ProxyRenderedState is the subset of internal/render.ProxyMeta the
// handler needs decisions from.
type ProxyRenderedState struct {
	Mode                   string
	Targets                []string
	RefreshEnable          bool
	RefreshIntervalMinutes int
}

// ProxyFirewallContext is everything ReconcileProxy needs to arm the
// intercept rules without the proxy's own transport looping through
// itself: the node's source exclusions (its LANs and default-gateway host
// route) and every tunnel/mesh interface and port, which must bypass
// interception regardless of mode.
type ProxyFirewallContext struct {
	ExcludeSrcCIDRs []string
	ExcludeIfaces   []string
	ExcludePorts    []string
}

// ProxyAction is the result of one ReconcileProxy pass, telling the agent
// what background work (if any) to schedule.
type ProxyAction struct {
	Decision          Decision
	InterceptRemoved  bool
	InterceptApplied  bool
	NeedsIPSetPopulate bool
}

// ReconcileProxy implements spec.md §4.5.4's five-step algorithm. The
// config file must already be materialized by the caller (step 3's "must
// be present before starting the process" requirement) before this is
// called; render/materialize is the caller's job, same as every other
// handler's common protocol steps 1-2.
func ReconcileProxy(
	ctx context.Context,
	sup unitSupervisor,
	fw proxyFirewall,
	unitName string,
	enabled bool,
	prevInterceptActive bool,
	rendered ProxyRenderedState,
	fwCtx ProxyFirewallContext,
	waitHealthy func(ctx context.Context) (ProxyHealth, error),
) (ProxyAction, error) {
	var action ProxyAction

	if !enabled {
		if prevInterceptActive {
			if err := fw.Remove(ctx); err != nil {
				return action, fmt.Errorf("proxy: removing intercept rules: %w", err)
			}
			action.InterceptRemoved = true
		}
		if err := sup.Stop(ctx, unitName); err != nil {
			return action, fmt.Errorf("proxy: stopping: %w", err)
		}
		action.Decision = DecisionStop
		return action, nil
	}

	if prevInterceptActive && rendered.Mode != ProxyModeIntercept {
		if err := fw.Remove(ctx); err != nil {
			return action, fmt.Errorf("proxy: removing stale intercept rules: %w", err)
		}
		action.InterceptRemoved = true
	}

	state, err := sup.Status(unitName)
	if err != nil {
		return action, fmt.Errorf("proxy: checking status: %w", err)
	}

	started := false
	if state != supervisor.StateRunning {
		if err := sup.Start(ctx, unitName); err != nil {
			return action, fmt.Errorf("proxy: starting: %w", err)
		}
		started = true
	}

	if _, err := waitHealthy(ctx); err != nil {
		return action, fmt.Errorf("proxy: waiting for healthy state: %w", err)
	}

	// The supervisor has no reload operation, so the hot reload of the
	// config is carried out as a unit restart.
	if err := sup.Restart(ctx, unitName); err != nil {
		return action, fmt.Errorf("proxy: hot-reloading config: %w", err)
	}
	if started {
		action.Decision = DecisionStart
	} else {
		action.Decision = DecisionHotReload
	}

	if rendered.Mode == ProxyModeIntercept {
		if _, err := waitHealthy(context.Background()); err != nil {
			return action, fmt.Errorf("proxy: waiting unbounded for healthy before intercept: %w", err)
		}
		if err := fw.EnsureIPSet(ctx); err != nil {
			return action, fmt.Errorf("proxy: ensuring proxy-servers ip-set: %w", err)
		}
		params := firewall.ApplyParams{
			ProxyCIDRs:      rendered.Targets,
			ExcludeSrcCIDRs: fwCtx.ExcludeSrcCIDRs,
			ExcludeIfaces:   fwCtx.ExcludeIfaces,
			ExcludePorts:    fwCtx.ExcludePorts,
		}
		if err := fw.Apply(ctx, params); err != nil {
			return action, fmt.Errorf("proxy: applying intercept rules: %w", err)
		}
		action.InterceptApplied = true
		action.NeedsIPSetPopulate = true
	}

	return action, nil
}

// BuildProxyServerIPSet validates and normalizes a resolved server-address
// list before it is handed to firewall.Programmer.PopulateIPSet: it
// rejects anything that isn't a bare IP and collapses duplicates, so a bad
// DNS answer can't reach the kernel ipset call.
func BuildProxyServerIPSet(ips []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, raw := range ips {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("proxy: invalid server address %q: %w", raw, err)
		}
		b.Add(addr)
	}
	return b.IPSet()
}
