// Copyright (c) Meduza Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package agent wires every other internal package into the long-lived
// process: the reconcile loop (grounded on watcher.py's handle_commit/
// watch_loop/main), the fixed background-task set, and the global mutable
// state (memoized hashes, tunnel bookkeeping, proxy/intercept cache)
// represented as fields of a single Agent value per SPEC_FULL.md §9's
// design note, rather than as module-level globals.
package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"meduza.network/nodeagent/internal/backoff"
	"meduza.network/nodeagent/internal/config"
	"meduza.network/nodeagent/internal/firewall"
	"meduza.network/nodeagent/internal/kv"
	"meduza.network/nodeagent/internal/liveness"
	"meduza.network/nodeagent/internal/metrics"
	"meduza.network/nodeagent/internal/render"
	"meduza.network/nodeagent/internal/store"
	"meduza.network/nodeagent/internal/subsystem"
	"meduza.network/nodeagent/internal/supervisor"
)

// Fixed network ports, spec.md §6.
const (
	proxyHTTPPort      = 7890
	proxySOCKSPort     = 7891
	proxyAdminPort     = 9090
	proxyInterceptPort = 7893
)

// unitNames holds the fixed, precomputed systemd unit names for every
// singleton subsystem. Per-tunnel-instance unit names are derived on
// demand via supervisor.UnitName.
type unitNames struct {
	forwarder string
	overlay   string
	switched  string
	routing   string
	proxy     string
	resolver  string
}

// Agent is the single long-lived value holding every piece of state this
// process needs: client handles, the memoized reconcile-hash map, the
// non-reentrant reconcile lock, tunnel/proxy bookkeeping, and the
// liveness/metrics wiring. Every handler and background task takes *Agent
// by reference, matching SPEC_FULL.md §9.
type Agent struct {
	log        *zap.SugaredLogger
	cfg        *config.Config
	kv         *kv.Client
	sup        *supervisor.Supervisor
	fw         *firewall.Programmer
	metrics    *metrics.Registry
	liveness   *liveness.Publisher
	httpClient *http.Client

	mosdnsBaseTemplate string
	clashBaseConfig    map[string]any

	units unitNames

	reconciling    atomic.Bool
	forceReconcile atomic.Bool

	hashMu sync.Mutex
	hashes map[string]string

	tunnelMu sync.Mutex
	tunnels  map[string]subsystem.TunnelInstanceState // key: "<kind>/<name>"

	proxyMu              sync.Mutex
	proxyInterceptActive bool
	proxyNeedsReapply    bool
	proxyTargets         []string
	proxyExcludeSrcCIDRs []string
	proxyExcludeIfaces   []string
	proxyExcludePorts    []string
	proxyRefreshEnable   bool
	proxyRefreshMinutes  int
	lastProxyHealthy     bool

	availMu          sync.Mutex
	resolverAvailable bool
}

// New constructs an Agent. Dialing the KV store and the systemd connection
// happen here; a failure at this point is fatal at startup per spec.md §6.
func New(cfg *config.Config, log *zap.SugaredLogger) (*Agent, error) {
	kvClient, err := kv.New(kv.Config{
		Endpoint: cfg.EtcdEndpoint,
		CAFile:   cfg.EtcdCA,
		CertFile: cfg.EtcdCert,
		KeyFile:  cfg.EtcdKey,
		Username: cfg.EtcdUser,
		Password: cfg.EtcdPass,
	}, log.Named("kv"))
	if err != nil {
		return nil, fmt.Errorf("agent: constructing kv client: %w", err)
	}

	sup, err := supervisor.New(log.Named("supervisor"))
	if err != nil {
		return nil, fmt.Errorf("agent: constructing supervisor: %w", err)
	}

	fw, err := firewall.New(log.Named("firewall"), "")
	if err != nil {
		return nil, fmt.Errorf("agent: constructing firewall programmer: %w", err)
	}

	reg := metrics.New()

	liv := liveness.New(log.Named("liveness"), kvClient, cfg.NodeID, cfg.UpdateTTL)
	liv.OnStateChange(func(s liveness.LeaseState) {
		switch s {
		case liveness.LeaseHeld:
			reg.LeaseState.Set(1)
		case liveness.LeaseLost:
			reg.LeaseState.Set(2)
		default:
			reg.LeaseState.Set(0)
		}
	})

	baseTemplate, err := os.ReadFile("/etc/mosdns/config.yaml.tmpl")
	if err != nil {
		log.Warnw("agent: no packaged mosdns base template, resolver requires an explicit /global/mosdns/plugins list", "error", err)
	}

	a := &Agent{
		log:                log,
		cfg:                cfg,
		kv:                 kvClient,
		sup:                sup,
		fw:                 fw,
		metrics:            reg,
		liveness:           liv,
		httpClient:         &http.Client{Timeout: 5 * time.Second},
		mosdnsBaseTemplate: string(baseTemplate),
		clashBaseConfig:    map[string]any{},
		hashes:             map[string]string{},
		tunnels:            map[string]subsystem.TunnelInstanceState{},
		units: unitNames{
			forwarder: supervisor.UnitName("dnsmasq", "main"),
			overlay:   supervisor.UnitName("easytier", "mesh"),
			switched:  supervisor.UnitName("tinc", "mesh"),
			routing:   supervisor.UnitName("frr", "main"),
			proxy:     supervisor.UnitName("clash", "main"),
			resolver:  supervisor.UnitName("mosdns", "main"),
		},
	}
	return a, nil
}

// MetricsHandler returns the /metrics HTTP handler for this agent's
// registry.
func (a *Agent) MetricsHandler() http.Handler {
	return a.metrics.Handler()
}

// ForceReconcile sets the forced-reconcile flag, the effect SIGUSR1 has
// per spec.md §6; it is visible starting with the next reconcile pass.
func (a *Agent) ForceReconcile() {
	a.forceReconcile.Store(true)
	a.log.Infow("agent: forced reconcile requested")
}

// Close releases the supervisor and KV connections.
func (a *Agent) Close() {
	a.sup.Close()
	if err := a.kv.Close(); err != nil {
		a.log.Warnw("agent: closing kv client", "error", err)
	}
}

// Run publishes the startup liveness marker and then runs the fixed
// background-task set (spec.md §5's task table) until ctx is canceled or
// any task returns an unrecoverable error.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.liveness.Publish(ctx, "startup"); err != nil {
		a.log.Warnw("agent: startup liveness publish failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.watchLoop(ctx) })
	g.Go(func() error { return a.periodicReconcileLoop(ctx, 300*time.Second) })
	g.Go(func() error { return a.liveness.RunKeepalive(ctx) })
	g.Go(func() error { return a.tunnelStatusSampler(ctx, subsystem.TunnelKindWireGuard, a.cfg.WireGuardStatusInterval) })
	g.Go(func() error { return a.tunnelStatusSampler(ctx, subsystem.TunnelKindOpenVPN, a.cfg.OpenVPNStatusInterval) })
	g.Go(func() error { return a.supervisorRetryLoop(ctx, a.cfg.SupervisorRetryInterval) })
	g.Go(func() error { return a.meshChildWatcher(ctx, 3*time.Second) })
	g.Go(func() error { return a.proxyRefreshLoop(ctx, 5*time.Second) })
	g.Go(func() error { return a.proxyCrashMonitor(ctx, 5*time.Second) })
	g.Go(func() error { return a.firewallIntegrityLoop(ctx, 60*time.Second) })
	return g.Wait()
}

// ---------- reconcile mutex + changed() memoization ----------

// changed hashes a deterministic serialisation of payload, compares it to
// the memoized hash for name, and updates the memo on mismatch — spec.md
// §4.7's changed(name, payload). The forced-reconcile flag makes every
// call return true for the duration of one pass without clearing the
// memo, mirroring reconcile_force's effect in handle_commit.
func (a *Agent) changed(name, hash string) bool {
	a.hashMu.Lock()
	defer a.hashMu.Unlock()
	if a.forceReconcile.Load() {
		a.hashes[name] = hash
		return true
	}
	if a.hashes[name] == hash {
		return false
	}
	a.hashes[name] = hash
	return true
}

// invalidate clears the memoized hash for name, forcing its handler to
// re-apply on the next pass without affecting any other handler — used by
// the proxy refresh task to force a single subsystem's re-application on a
// schedule distinct from KV content changes.
func (a *Agent) invalidate(name string) {
	a.hashMu.Lock()
	delete(a.hashes, name)
	a.hashMu.Unlock()
}

// reconcileOnce is the Reconciler entry point (spec.md §4.7). It holds a
// process-wide non-reentrant lock: a concurrent call returns immediately
// rather than blocking.
func (a *Agent) reconcileOnce(ctx context.Context) error {
	if !a.reconciling.CompareAndSwap(false, true) {
		return nil
	}
	defer a.reconciling.Store(false)

	start := time.Now()
	outcome := "success"
	defer func() {
		a.metrics.ReconcilesTotal.WithLabelValues(outcome).Inc()
		a.metrics.ReconcileDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	nodePrefix := fmt.Sprintf("/nodes/%s/", a.cfg.NodeID)
	node, err := a.kv.GetPrefix(ctx, nodePrefix)
	if err != nil {
		outcome = "error"
		return fmt.Errorf("reconcile: reading %s: %w", nodePrefix, err)
	}
	global, err := a.kv.GetPrefix(ctx, "/global/")
	if err != nil {
		outcome = "error"
		return fmt.Errorf("reconcile: reading /global/: %w", err)
	}
	nodeSlice, globalSlice := render.Slice(node), render.Slice(global)

	// Handler order is fixed (spec.md §4.7): later handlers may depend on
	// earlier ones being healthy — intercept needs tunnels known, resolver
	// needs proxy healthy.
	steps := []struct {
		name string
		fn   func() (bool, error)
	}{
		{"forwarder", func() (bool, error) { return a.reconcileForwarder(ctx, nodeSlice) }},
		{"mesh", func() (bool, error) { return a.reconcileMesh(ctx, nodeSlice, globalSlice) }},
		{"tunnels", func() (bool, error) { return a.reconcileTunnels(ctx, nodeSlice) }},
		{"routing", func() (bool, error) { return a.reconcileRouting(ctx, nodeSlice, globalSlice) }},
		{"proxy", func() (bool, error) { return a.reconcileProxy(ctx, nodeSlice, globalSlice) }},
		{"resolver", func() (bool, error) { return a.reconcileResolver(ctx, nodeSlice, globalSlice) }},
		{"hosts", func() (bool, error) { return a.reconcileHosts(ctx) }},
	}

	var anyChanged bool
	for _, s := range steps {
		applied, err := s.fn()
		if err != nil {
			a.log.Errorw("reconcile: handler failed", "handler", s.name, "error", err)
			a.metrics.SubsystemApplyTotal.WithLabelValues(s.name, "error").Inc()
			continue
		}
		if applied {
			anyChanged = true
			a.metrics.SubsystemApplyTotal.WithLabelValues(s.name, "applied").Inc()
		}
	}

	a.forceReconcile.Store(false)

	if anyChanged {
		if err := a.liveness.Publish(ctx, "config-applied"); err != nil {
			a.log.Warnw("reconcile: publishing liveness after applied change failed", "error", err)
		}
	}
	return nil
}

// writeBundle writes every file in a rendered bundle via the artifact
// writer, reporting whether anything on disk actually changed.
func (a *Agent) writeBundle(b render.Bundle) (bool, error) {
	var any bool
	for _, f := range b.Files {
		changed, err := store.WriteIfChanged(f.Path, f.Data, f.Mode)
		if err != nil {
			return any, fmt.Errorf("writing %s: %w", f.Path, err)
		}
		any = any || changed
	}
	return any, nil
}

// ---------- forwarder ----------

func (a *Agent) reconcileForwarder(ctx context.Context, node render.Slice) (bool, error) {
	enabled := node.Bool(fmt.Sprintf("/nodes/%s/dnsmasq/enable", a.cfg.NodeID))
	state, err := a.sup.Status(a.units.forwarder)
	if err != nil {
		return false, fmt.Errorf("forwarder: checking status: %w", err)
	}
	wasRunning := state == supervisor.StateRunning

	decision, err := subsystem.ReconcileForwarder(ctx, a.sup, a.units.forwarder, enabled, wasRunning, func() error {
		upstreams := render.ForwarderUpstreams(a.resolverDNSAddr(), a.proxyDNSAddr())
		_, err := a.writeBundle(render.Forwarder(upstreams))
		return err
	})
	if err != nil {
		return false, err
	}
	return decision != subsystem.DecisionNoOp, nil
}

func (a *Agent) resolverDNSAddr() string {
	// The resolver listens on the fixed loopback port only while it is
	// actually enabled and its last applied pass succeeded.
	if a.isResolverAvailable() {
		return "127.0.0.1:5335"
	}
	return ""
}

func (a *Agent) proxyDNSAddr() string {
	a.proxyMu.Lock()
	defer a.proxyMu.Unlock()
	if a.lastProxyHealthy {
		return fmt.Sprintf("127.0.0.1:%d", proxySOCKSPort)
	}
	return ""
}

// setResolverAvailable records whether the resolver's last reconcile pass
// left it serving. reconcileResolver calls this whenever its /mosdns/ slice
// hash has changed: true only after a fully successful ReconcileResolver,
// false on a deferred (not-yet-healthy-proxy) pass or an error. A pass that
// returns early on an unchanged hash leaves the recorded value as it was.
func (a *Agent) setResolverAvailable(available bool) {
	a.availMu.Lock()
	a.resolverAvailable = available
	a.availMu.Unlock()
}

func (a *Agent) isResolverAvailable() bool {
	a.availMu.Lock()
	defer a.availMu.Unlock()
	return a.resolverAvailable
}

// ---------- mesh ----------

func (a *Agent) reconcileMesh(ctx context.Context, node, global render.Slice) (bool, error) {
	nodeID := a.cfg.NodeID
	meshType := global.Get("/global/mesh_type", subsystem.MeshOverlay)

	overlayEnabled := node.Bool(fmt.Sprintf("/nodes/%s/easytier/enable", nodeID))
	switchedEnabled := node.Bool(fmt.Sprintf("/nodes/%s/tinc/enable", nodeID))
	if overlayEnabled && switchedEnabled {
		return false, fmt.Errorf("mesh: both overlay and switched mesh are enabled for %s; exactly one must be active per /global/mesh_type", nodeID)
	}

	units := subsystem.MeshUnits{Overlay: a.units.overlay, Switched: a.units.switched}

	var enabled, configChanged bool
	var hostDiff subsystem.HostFileDiff

	switch meshType {
	case subsystem.MeshSwitched:
		enabled = switchedEnabled
		domain := render.SubPrefixed(node, "/tinc/")
		configChanged = a.changed("tinc", render.Hash(domain))
		if enabled && configChanged {
			allNodes, err := a.kv.GetPrefix(ctx, "/nodes/")
			if err != nil {
				return false, fmt.Errorf("mesh: reading all-nodes prefix for tinc: %w", err)
			}
			bundle, meta, err := render.Tinc(nodeID, node, global, render.Slice(allNodes))
			if err != nil {
				return false, fmt.Errorf("mesh: rendering tinc: %w", err)
			}
			diff, _, err := a.materializeTincBundle(meta.NetName, bundle)
			if err != nil {
				return false, fmt.Errorf("mesh: materializing tinc directory: %w", err)
			}
			hostDiff = diff
		}
	default:
		enabled = overlayEnabled
		domain := render.SubPrefixed(node, "/easytier/")
		configChanged = a.changed("easytier", render.Hash(domain))
		if enabled && configChanged {
			bundle, _, err := render.Easytier(nodeID, node, global)
			if err != nil {
				return false, fmt.Errorf("mesh: rendering easytier: %w", err)
			}
			if _, err := a.writeBundle(bundle); err != nil {
				return false, fmt.Errorf("mesh: writing easytier config: %w", err)
			}
		}
	}

	result, err := subsystem.ReconcileMesh(ctx, a.sup, units, meshType, enabled, configChanged, hostDiff)
	if err != nil {
		return false, err
	}
	return result.Decision != subsystem.DecisionNoOp || result.StoppedOther, nil
}

// materializeTincBundle writes the tinc bundle's non-hosts files directly
// and materialises the hosts/ subdirectory as a managed directory so the
// mesh handler can distinguish additions-only from content-changed/removed
// (spec.md §4.5.1).
func (a *Agent) materializeTincBundle(netname string, bundle render.Bundle) (subsystem.HostFileDiff, bool, error) {
	hostsDir := fmt.Sprintf("/etc/tinc/%s/hosts", netname)
	hostsWant := map[string][]byte{}
	var otherChanged bool

	for _, f := range bundle.Files {
		if strings.HasPrefix(f.Path, hostsDir+"/") {
			hostsWant[strings.TrimPrefix(f.Path, hostsDir+"/")] = f.Data
			continue
		}
		changed, err := store.WriteIfChanged(f.Path, f.Data, f.Mode)
		if err != nil {
			return subsystem.HostFileDiff{}, false, err
		}
		otherChanged = otherChanged || changed
	}

	diff, err := store.Materialize(hostsDir, hostsWant, 0o644)
	if err != nil {
		return subsystem.HostFileDiff{}, false, err
	}
	hfd := subsystem.HostFileDiff{
		Added:   len(diff.Created),
		Changed: len(diff.Changed),
		Removed: len(diff.Removed),
	}
	return hfd, otherChanged || hfd.Any(), nil
}

// ---------- point-to-point tunnels ----------

func (a *Agent) reconcileTunnels(ctx context.Context, node render.Slice) (bool, error) {
	var anyChanged bool
	for _, kind := range []subsystem.TunnelKind{subsystem.TunnelKindWireGuard, subsystem.TunnelKindOpenVPN} {
		applied, err := a.reconcileTunnelKind(ctx, kind, node)
		if err != nil {
			a.log.Errorw("tunnels: handler failed", "kind", kind, "error", err)
			continue
		}
		anyChanged = anyChanged || applied
	}
	return anyChanged, nil
}

func (a *Agent) reconcileTunnelKind(ctx context.Context, kind subsystem.TunnelKind, node render.Slice) (bool, error) {
	domain := render.SubPrefixed(node, "/"+string(kind)+"/")
	if !a.changed(string(kind), render.Hash(domain)) {
		return false, nil
	}

	var instances []render.TunnelInstance
	var err error
	switch kind {
	case subsystem.TunnelKindWireGuard:
		instances, err = render.WireGuard(a.cfg.NodeID, node)
	case subsystem.TunnelKindOpenVPN:
		instances, err = render.OpenVPN(a.cfg.NodeID, node)
	}
	if err != nil {
		return false, fmt.Errorf("tunnels: rendering %s: %w", kind, err)
	}

	desired := map[string]string{}
	commands := map[string][]string{}
	byName := map[string]render.TunnelInstance{}
	for _, inst := range instances {
		var buf bytes.Buffer
		for _, f := range inst.Files {
			buf.Write(f.Data)
		}
		sum := sha256.Sum256(buf.Bytes())
		desired[inst.Name] = fmt.Sprintf("%x", sum)
		byName[inst.Name] = inst
		commands[inst.Name] = tunnelCommand(kind, inst)
	}

	a.tunnelMu.Lock()
	previous := a.tunnelsForLocked(kind)
	a.tunnelMu.Unlock()

	plan := subsystem.PlanTunnels(desired, previous)

	for _, name := range append(append([]string{}, plan.ToDeclare...), plan.Unchanged...) {
		for _, f := range byName[name].Files {
			if _, err := store.WriteIfChanged(f.Path, f.Data, f.Mode); err != nil {
				return false, fmt.Errorf("tunnels: writing %s config: %w", name, err)
			}
		}
	}

	unitName := func(name string) string { return supervisor.UnitName(string(kind), name) }
	if err := subsystem.ApplyTunnelPlan(ctx, a.sup, a.sup, plan, commands, unitName); err != nil {
		return false, fmt.Errorf("tunnels: applying %s plan: %w", kind, err)
	}

	a.tunnelMu.Lock()
	for _, name := range plan.ToDeclare {
		a.tunnels[tunnelKey(kind, name)] = subsystem.TunnelInstanceState{
			Name: name, ConfigHash: desired[name], Dev: byName[name].Dev, UnitDeclared: true,
		}
	}
	for _, name := range plan.ToUndeclare {
		delete(a.tunnels, tunnelKey(kind, name))
	}
	a.tunnelMu.Unlock()

	return len(plan.ToDeclare) > 0 || len(plan.ToUndeclare) > 0, nil
}

func tunnelKey(kind subsystem.TunnelKind, name string) string { return string(kind) + "/" + name }

// tunnelsForLocked filters a.tunnels by kind. Callers must hold tunnelMu.
func (a *Agent) tunnelsForLocked(kind subsystem.TunnelKind) map[string]subsystem.TunnelInstanceState {
	prefix := string(kind) + "/"
	out := map[string]subsystem.TunnelInstanceState{}
	for key, st := range a.tunnels {
		name, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		out[name] = st
	}
	return out
}

func tunnelCommand(kind subsystem.TunnelKind, inst render.TunnelInstance) []string {
	switch kind {
	case subsystem.TunnelKindWireGuard:
		return []string{"/usr/bin/wg-quick", "up", fmt.Sprintf("/etc/wireguard/%s.conf", inst.Dev)}
	case subsystem.TunnelKindOpenVPN:
		return []string{"/usr/sbin/openvpn", "--config", fmt.Sprintf("/etc/openvpn/generated/%s.conf", inst.Name)}
	default:
		return nil
	}
}

// ---------- routing daemon ----------

func (a *Agent) reconcileRouting(ctx context.Context, node, global render.Slice) (bool, error) {
	nodeID := a.cfg.NodeID
	routingMaterial := render.Slice{}
	for k, v := range node {
		if strings.Contains(k, "/ospf/") || strings.Contains(k, "/bgp/") || strings.Contains(k, "/lan/") || strings.HasSuffix(k, "/lan") || strings.Contains(k, "/openvpn/") || strings.Contains(k, "/wireguard/") {
			routingMaterial[k] = v
		}
	}
	globalBGPFilter := render.Slice{}
	for k, v := range global {
		if strings.HasPrefix(k, "/global/bgp/filter/") {
			globalBGPFilter[k] = v
		}
	}

	h := render.HashAny(map[string]render.Slice{"node": routingMaterial, "global_bgp_filter": globalBGPFilter})
	if !a.changed("frr", h) {
		return false, nil
	}

	bundle, _, err := render.Routing(nodeID, node, global)
	if err != nil {
		return false, fmt.Errorf("routing: rendering: %w", err)
	}
	if len(bundle.Files) == 0 {
		return false, fmt.Errorf("routing: renderer produced no config file")
	}
	confText := bundle.Files[0].Data

	writeStaged := func(path string, data []byte) error {
		_, err := store.WriteIfChanged(path, data, 0o640)
		return err
	}
	if err := subsystem.ReloadRouting(ctx, writeStaged, confText); err != nil {
		return false, fmt.Errorf("routing: reloading: %w", err)
	}
	return true, nil
}

// ---------- proxy ----------

func (a *Agent) reconcileProxy(ctx context.Context, node, global render.Slice) (bool, error) {
	nodeID := a.cfg.NodeID
	domain := render.SubPrefixed(node, "/clash/")
	if !a.changed("clash", render.Hash(domain)) {
		return false, nil
	}

	enabled := node.Bool(fmt.Sprintf("/nodes/%s/clash/enable", nodeID))

	a.proxyMu.Lock()
	prevIntercept := a.proxyInterceptActive
	a.proxyMu.Unlock()

	if !enabled {
		action, err := subsystem.ReconcileProxy(ctx, a.sup, a.fw, a.units.proxy, false, prevIntercept, subsystem.ProxyRenderedState{}, subsystem.ProxyFirewallContext{}, a.waitProxyHealthy)
		if err != nil {
			return false, err
		}
		a.proxyMu.Lock()
		a.proxyInterceptActive = false
		a.proxyNeedsReapply = false
		a.lastProxyHealthy = false
		a.proxyMu.Unlock()
		return action.Decision != subsystem.DecisionNoOp, nil
	}

	bundle, meta, err := render.Clash(nodeID, node, global, a.clashBaseConfig, a.fetchSubscription)
	if err != nil {
		return false, fmt.Errorf("proxy: rendering: %w", err)
	}
	if _, err := a.writeBundle(bundle); err != nil {
		return false, fmt.Errorf("proxy: writing config: %w", err)
	}

	mode := subsystem.ProxyModeMixed
	if meta.Mode == subsystem.ProxyModeIntercept {
		mode = subsystem.ProxyModeIntercept
	}
	rendered := subsystem.ProxyRenderedState{
		Mode: mode, Targets: meta.Targets,
		RefreshEnable: meta.RefreshEnable, RefreshIntervalMinutes: meta.RefreshIntervalMinutes,
	}
	fwCtx := a.computeProxyFirewallContext(node, global)

	action, err := subsystem.ReconcileProxy(ctx, a.sup, a.fw, a.units.proxy, true, prevIntercept, rendered, fwCtx, a.waitProxyHealthy)
	if err != nil {
		return false, err
	}

	a.proxyMu.Lock()
	a.lastProxyHealthy = true
	a.proxyRefreshEnable = rendered.RefreshEnable
	a.proxyRefreshMinutes = rendered.RefreshIntervalMinutes
	if action.InterceptApplied {
		a.proxyInterceptActive = true
		a.proxyNeedsReapply = false
		a.proxyTargets = rendered.Targets
		// Cached so the crash monitor and integrity loop can re-apply
		// without needing a KV round-trip or re-deriving tunnel state.
		a.proxyExcludeSrcCIDRs = fwCtx.ExcludeSrcCIDRs
		a.proxyExcludeIfaces = fwCtx.ExcludeIfaces
		a.proxyExcludePorts = fwCtx.ExcludePorts
	} else if action.InterceptRemoved {
		a.proxyInterceptActive = false
	}
	a.proxyMu.Unlock()

	if action.NeedsIPSetPopulate {
		go a.populateProxyIPSet(rendered.Targets)
	}

	return action.Decision != subsystem.DecisionNoOp || action.InterceptApplied || action.InterceptRemoved, nil
}

// computeProxyFirewallContext derives everything the firewall helper must
// exclude from interception, otherwise the proxy's own transport (or any
// tunnel/mesh daemon's) loops through itself: the node's LANs and default
// gateway as source exclusions, and every enabled tunnel/mesh interface
// and listen port (spec.md §4.6).
func (a *Agent) computeProxyFirewallContext(node, global render.Slice) subsystem.ProxyFirewallContext {
	nodeID := a.cfg.NodeID

	excludeSrc := render.ExcludeCIDRs(node, nodeID)
	if gw := a.cfg.DefaultGW; gw != "" {
		cidr := gw
		if !strings.Contains(cidr, "/") {
			cidr += "/32"
		}
		excludeSrc = render.SortedUnique(append(excludeSrc, cidr))
	}

	a.tunnelMu.Lock()
	ifaces := make([]string, 0, len(a.tunnels))
	for _, st := range a.tunnels {
		if st.Dev != "" {
			ifaces = append(ifaces, st.Dev)
		}
	}
	a.tunnelMu.Unlock()

	var ports []string
	for _, kind := range []subsystem.TunnelKind{subsystem.TunnelKindWireGuard, subsystem.TunnelKindOpenVPN} {
		portField := "port"
		if kind == subsystem.TunnelKindWireGuard {
			portField = "listen_port"
		}
		prefix := fmt.Sprintf("/nodes/%s/%s/", nodeID, kind)
		for _, cfg := range render.GroupByInstance(render.WithPrefix(node, prefix)) {
			if cfg["enable"] != "true" {
				continue
			}
			if p := cfg[portField]; p != "" {
				ports = append(ports, p)
			}
		}
	}

	meshType := global.Get("/global/mesh_type", subsystem.MeshOverlay)
	switch meshType {
	case subsystem.MeshSwitched:
		if node.Bool(fmt.Sprintf("/nodes/%s/tinc/enable", nodeID)) {
			ifaces = append(ifaces, node.Get(fmt.Sprintf("/nodes/%s/tinc/dev_name", nodeID), "tnc0"))
			ports = append(ports, node.Get(fmt.Sprintf("/nodes/%s/tinc/port", nodeID), "655"))
		}
	default:
		if node.Bool(fmt.Sprintf("/nodes/%s/easytier/enable", nodeID)) {
			ifaces = append(ifaces, node.Get(fmt.Sprintf("/nodes/%s/easytier/dev_name", nodeID), "et0"))
		}
	}

	return subsystem.ProxyFirewallContext{
		ExcludeSrcCIDRs: excludeSrc,
		ExcludeIfaces:   render.SortedUnique(ifaces),
		ExcludePorts:    render.SortedUnique(ports),
	}
}

func (a *Agent) waitProxyHealthy(ctx context.Context) (subsystem.ProxyHealth, error) {
	check := func() (subsystem.ProxyHealth, error) {
		return subsystem.CheckProxyHealth(a.readProxyPID, a.queryProxyAdminAPI)
	}
	return subsystem.WaitHealthy(ctx, check, 2*time.Second)
}

func (a *Agent) readProxyPID() (int, error) {
	data, err := os.ReadFile("/run/clash/clash.pid")
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("proxy: parsing pid file: %w", err)
	}
	return pid, nil
}

func (a *Agent) queryProxyAdminAPI() (map[string]any, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/proxies", proxyAdminPort), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy admin api: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Proxies map[string]any `json:"proxies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("proxy admin api: decoding response: %w", err)
	}
	return payload.Proxies, nil
}

func (a *Agent) fetchSubscription(url string) (map[string]any, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("clash: subscription fetch status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clash: parsing subscription yaml: %w", err)
	}
	return out, nil
}

func (a *Agent) populateProxyIPSet(targets []string) {
	var ips []string
	for _, t := range targets {
		if _, err := netip.ParseAddr(t); err == nil {
			ips = append(ips, t)
			continue
		}
		addrs, err := net.LookupHost(t)
		if err != nil {
			a.log.Warnw("proxy: resolving intercept target failed", "target", t, "error", err)
			continue
		}
		ips = append(ips, addrs...)
	}
	if _, err := subsystem.BuildProxyServerIPSet(ips); err != nil {
		a.log.Warnw("proxy: building server ip-set failed", "error", err)
		return
	}
	if err := a.fw.PopulateIPSet(context.Background(), ips); err != nil {
		a.log.Errorw("proxy: populating server ip-set failed", "error", err)
	}
}

// ---------- resolver ----------

func (a *Agent) reconcileResolver(ctx context.Context, node, global render.Slice) (bool, error) {
	nodeID := a.cfg.NodeID
	domain := render.SubPrefixed(node, "/mosdns/")
	if !a.changed("mosdns", render.Hash(domain)) {
		return false, nil
	}

	a.proxyMu.Lock()
	proxyEnabled := node.Bool(fmt.Sprintf("/nodes/%s/clash/enable", nodeID))
	healthy := a.lastProxyHealthy
	a.proxyMu.Unlock()

	var meta render.ResolverMeta
	materialize := func() error {
		bundle, m, err := render.Mosdns(nodeID, node, global, a.mosdnsBaseTemplate)
		if err != nil {
			return err
		}
		meta = m
		_, err = a.writeBundle(bundle)
		return err
	}

	fetcher := subsystem.NewRuleFetcher(a.httpClient, a.proxyHTTPAddr(), nil)
	downloadRules := func(ctx context.Context) error {
		for name, url := range meta.Rules {
			data, err := fetcher.Fetch(ctx, url)
			if err != nil {
				return fmt.Errorf("rule %q: %w", name, err)
			}
			if _, err := store.WriteIfChanged(fmt.Sprintf("/etc/mosdns/rules/%s.txt", name), data, 0o644); err != nil {
				return err
			}
		}
		return nil
	}

	writeRefreshTimestamp := func() error {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		_, err := store.WriteIfChanged("/run/mosdns/last-refresh", []byte(ts), 0o644)
		return err
	}

	updateForwarderUpstreams := func() error {
		upstreams := render.ForwarderUpstreams("127.0.0.1:5335", a.proxyDNSAddr())
		return subsystem.UpdateForwarderUpstreams(ctx, a.sup, a.units.forwarder, func(ups []string) error {
			_, err := a.writeBundle(render.Forwarder(ups))
			return err
		}, upstreams)
	}

	deps := subsystem.ResolverDeps{ProxyEnabled: proxyEnabled, ProxyHealthy: healthy}
	err := subsystem.ReconcileResolver(ctx, deps, a.sup, a.units.resolver, materialize, downloadRules, writeRefreshTimestamp, updateForwarderUpstreams)
	if err != nil {
		a.setResolverAvailable(false)
		if err == subsystem.ErrResolverSkipped {
			a.log.Infow("resolver: deferring pass, proxy not yet healthy")
			a.invalidate("mosdns")
			return false, nil
		}
		return false, err
	}
	a.setResolverAvailable(true)
	return true, nil
}

func (a *Agent) proxyHTTPAddr() string {
	a.proxyMu.Lock()
	defer a.proxyMu.Unlock()
	if !a.lastProxyHealthy {
		return ""
	}
	if a.cfg.MosdnsHTTPProxy != "" {
		return a.cfg.MosdnsHTTPProxy
	}
	return fmt.Sprintf("127.0.0.1:%d", proxyHTTPPort)
}

// ---------- hosts file ----------

func (a *Agent) reconcileHosts(ctx context.Context) (bool, error) {
	hosts, err := a.kv.GetPrefix(ctx, "/dns/hosts/")
	if err != nil {
		return false, fmt.Errorf("hosts: reading /dns/hosts/: %w", err)
	}
	hostsSlice := render.Slice(hosts)
	return subsystem.ReconcileHosts(
		func() ([]byte, error) {
			bundle, err := render.Hosts(hostsSlice)
			if err != nil {
				return nil, err
			}
			return bundle.Files[0].Data, nil
		},
		func(data []byte) (bool, error) { return store.WriteIfChanged("/etc/hosts", data, 0o644) },
	)
}

// ---------- background tasks ----------

func (a *Agent) watchLoop(ctx context.Context) error {
	retry := backoff.New(time.Second, 60*time.Second)
	for {
		if err := a.reconcileOnce(ctx); err != nil {
			a.log.Errorw("reconcile: error", "error", err)
		}
		retry.Reset()

		events, cancel := a.kv.Watch(ctx, "/commit")
		closed := a.drainWatch(ctx, events)
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if closed {
			d := retry.NextSleep()
			a.log.Warnw("watch: channel closed, reconnecting", "delay", d)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
	}
}

// drainWatch consumes watch events until ctx is done (returns false, ctx
// handles the exit) or the channel closes on its own (returns true,
// signaling the caller to back off and reconnect).
func (a *Agent) drainWatch(ctx context.Context, events <-chan struct{}) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case _, ok := <-events:
			if !ok {
				return true
			}
			if err := a.reconcileOnce(ctx); err != nil {
				a.log.Errorw("reconcile: error", "error", err)
			}
		}
	}
}

func (a *Agent) periodicReconcileLoop(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.reconcileOnce(ctx); err != nil {
				a.log.Errorw("periodic reconcile: error", "error", err)
			}
		}
	}
}

func (a *Agent) tunnelStatusSampler(ctx context.Context, kind subsystem.TunnelKind, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.sampleTunnelStatus(ctx, kind)
		}
	}
}

func (a *Agent) sampleTunnelStatus(ctx context.Context, kind subsystem.TunnelKind) {
	a.tunnelMu.Lock()
	instances := a.tunnelsForLocked(kind)
	a.tunnelMu.Unlock()

	for name, st := range instances {
		unit := supervisor.UnitName(string(kind), name)
		state, err := a.sup.Status(unit)
		if err != nil {
			a.log.Warnw("tunnel status: supervisor query failed", "unit", unit, "error", err)
			continue
		}
		running := state == supervisor.StateRunning
		iface := subsystem.InterfaceExists(st.Dev)
		status := subsystem.ComputeTunnelStatus(running, iface)
		key := fmt.Sprintf("/nodes/%s/%s/%s/status", a.cfg.NodeID, kind, name)
		if err := a.kv.Put(ctx, key, status.String(), nil); err != nil {
			a.log.Warnw("tunnel status: writing status failed", "key", key, "error", err)
		}
	}
}

func (a *Agent) supervisorRetryLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.retryFatalUnits(ctx)
		}
	}
}

// retryFatalUnits drives supervisor-fatal units back to health: the mesh
// units get a restart, the DNS resolver gets stop-then-start (some
// resolvers cache state on SIGHUP-style restart), everything else gets a
// restart, per spec.md §7.
func (a *Agent) retryFatalUnits(ctx context.Context) {
	units := a.managedUnitNames()
	statuses, err := a.sup.StatusAll(units)
	if err != nil {
		a.log.Warnw("supervisor retry: status query failed", "error", err)
		return
	}
	for name, state := range statuses {
		if state != supervisor.StateFatal {
			continue
		}
		a.log.Warnw("supervisor retry: unit in fatal state, recovering", "unit", name)
		var recErr error
		switch name {
		case a.units.resolver:
			if recErr = a.sup.Stop(ctx, name); recErr == nil {
				recErr = a.sup.Start(ctx, name)
			}
		default:
			recErr = a.sup.Restart(ctx, name)
		}
		if recErr != nil {
			a.log.Errorw("supervisor retry: recovery failed", "unit", name, "error", recErr)
		}
	}
}

func (a *Agent) managedUnitNames() []string {
	names := []string{a.units.forwarder, a.units.overlay, a.units.switched, a.units.routing, a.units.proxy, a.units.resolver}
	a.tunnelMu.Lock()
	for key := range a.tunnels {
		kind, name, ok := strings.Cut(key, "/")
		if !ok {
			continue
		}
		names = append(names, supervisor.UnitName(kind, name))
	}
	a.tunnelMu.Unlock()
	return names
}

// meshChildWatcher is a belt-and-suspenders check beyond the mesh
// handler's own mutual-exclusivity enforcement: if both flavours are
// somehow observed running (e.g. a manual systemctl start), it stops the
// switched flavour, whatever /global/mesh_type names. The mesh handler
// itself stops whichever flavour mesh_type does not name.
func (a *Agent) meshChildWatcher(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.checkMeshExclusivity(ctx)
		}
	}
}

func (a *Agent) checkMeshExclusivity(ctx context.Context) {
	statuses, err := a.sup.StatusAll([]string{a.units.overlay, a.units.switched})
	if err != nil {
		a.log.Warnw("mesh watcher: status query failed", "error", err)
		return
	}
	if statuses[a.units.overlay] == supervisor.StateRunning && statuses[a.units.switched] == supervisor.StateRunning {
		a.log.Errorw("mesh watcher: both mesh flavours running concurrently, stopping switched mesh")
		if err := a.sup.Stop(ctx, a.units.switched); err != nil {
			a.log.Errorw("mesh watcher: stopping switched mesh failed", "error", err)
		}
	}
}

// proxyRefreshLoop forces a re-application of the proxy's rendered state
// (which re-fetches the active subscription) once per
// RefreshIntervalMinutes, independent of any KV change.
func (a *Agent) proxyRefreshLoop(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	var lastRefresh time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.proxyMu.Lock()
			enable, minutes := a.proxyRefreshEnable, a.proxyRefreshMinutes
			a.proxyMu.Unlock()
			if !enable || minutes <= 0 {
				continue
			}
			if time.Since(lastRefresh) < time.Duration(minutes)*time.Minute {
				continue
			}
			lastRefresh = time.Now()
			a.log.Infow("proxy: refresh interval elapsed, forcing subscription re-fetch")
			a.invalidate("clash")
			if err := a.reconcileOnce(ctx); err != nil {
				a.log.Errorw("proxy refresh: reconcile failed", "error", err)
			}
		}
	}
}

// proxyCrashMonitor implements S5: if intercept rules are active and the
// proxy is found unhealthy, tear down the rules immediately rather than
// waiting for the next scheduled reconcile; once the proxy is healthy
// again, reapply using the cached target list.
func (a *Agent) proxyCrashMonitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.checkProxyCrash(ctx)
		}
	}
}

func (a *Agent) checkProxyCrash(ctx context.Context) {
	a.proxyMu.Lock()
	interceptActive := a.proxyInterceptActive
	needsReapply := a.proxyNeedsReapply
	targets := append([]string{}, a.proxyTargets...)
	params := firewall.ApplyParams{
		ProxyCIDRs:      targets,
		ExcludeSrcCIDRs: append([]string{}, a.proxyExcludeSrcCIDRs...),
		ExcludeIfaces:   append([]string{}, a.proxyExcludeIfaces...),
		ExcludePorts:    append([]string{}, a.proxyExcludePorts...),
	}
	a.proxyMu.Unlock()

	if !interceptActive && !needsReapply {
		return
	}

	health, err := subsystem.CheckProxyHealth(a.readProxyPID, a.queryProxyAdminAPI)
	if err != nil {
		a.log.Warnw("proxy crash monitor: health check failed", "error", err)
		return
	}

	if health.Healthy() {
		if needsReapply && len(targets) > 0 {
			if err := a.fw.EnsureIPSet(ctx); err != nil {
				a.log.Errorw("proxy crash monitor: ensuring proxy-servers ip-set failed", "error", err)
				return
			}
			if err := a.fw.Apply(ctx, params); err != nil {
				a.log.Errorw("proxy crash monitor: reapplying intercept rules failed", "error", err)
				return
			}
			a.proxyMu.Lock()
			a.proxyInterceptActive = true
			a.proxyNeedsReapply = false
			a.lastProxyHealthy = true
			a.proxyMu.Unlock()
			go a.populateProxyIPSet(targets)
			a.log.Infow("proxy crash monitor: proxy recovered, intercept rules reapplied")
		} else {
			a.proxyMu.Lock()
			a.lastProxyHealthy = true
			a.proxyMu.Unlock()
		}
		return
	}

	if !interceptActive {
		return
	}

	a.log.Warnw("proxy crash monitor: proxy unhealthy while intercept active, tearing down rules")
	if err := a.fw.Remove(ctx); err != nil {
		a.log.Errorw("proxy crash monitor: removing intercept rules failed", "error", err)
		return
	}
	a.proxyMu.Lock()
	a.proxyInterceptActive = false
	a.proxyNeedsReapply = true
	a.lastProxyHealthy = false
	a.proxyMu.Unlock()
}

// firewallIntegrityLoop re-checks the kernel-installed rules against the
// cached desired state every minute. It only reads the cache and calls the
// external helper — never computes new desired state — so it cannot race
// the reconcile pass into applying inconsistent arguments (spec.md §5).
func (a *Agent) firewallIntegrityLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.checkFirewallIntegrity(ctx)
		}
	}
}

func (a *Agent) checkFirewallIntegrity(ctx context.Context) {
	a.proxyMu.Lock()
	want := a.proxyInterceptActive
	params := firewall.ApplyParams{
		ProxyCIDRs:      append([]string{}, a.proxyTargets...),
		ExcludeSrcCIDRs: append([]string{}, a.proxyExcludeSrcCIDRs...),
		ExcludeIfaces:   append([]string{}, a.proxyExcludeIfaces...),
		ExcludePorts:    append([]string{}, a.proxyExcludePorts...),
	}
	a.proxyMu.Unlock()

	present, err := a.fw.CheckIntegrity(want)
	if err != nil {
		a.log.Warnw("firewall integrity: check failed", "error", err)
		return
	}
	if present == want {
		return
	}

	a.log.Warnw("firewall integrity: rules drifted from desired state, re-arming", "want_present", want)
	if want {
		if err := a.fw.EnsureIPSet(ctx); err != nil {
			a.log.Errorw("firewall integrity: ensuring proxy-servers ip-set failed", "error", err)
			return
		}
		if err := a.fw.Apply(ctx, params); err != nil {
			a.log.Errorw("firewall integrity: re-apply failed", "error", err)
		}
	} else if err := a.fw.Remove(ctx); err != nil {
		a.log.Errorw("firewall integrity: remove failed", "error", err)
	}
}
