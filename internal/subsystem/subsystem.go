// Copyright (c) Meduza Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package subsystem implements the per-subsystem reconcile handlers
// (spec.md §4.5): mesh, point-to-point tunnels, routing daemon, proxy,
// DNS resolver, DNS forwarder, and hosts file. Every handler follows the
// same shape — build slice, check memoized hash, inspect enable flag,
// render/materialize, decide no-op/hot-reload/restart/start/stop — laid
// out here once and specialized per subsystem in the sibling files.
package subsystem

import (
	"context"

	"github.com/vishvananda/netlink"

	"meduza.network/nodeagent/internal/supervisor"
)

// Decision is the outcome a handler settles on for a single unit after
// comparing rendered artifacts against what is already on disk and
// running, per spec.md §4.5's common protocol step 4.
type Decision int

const (
	DecisionNoOp Decision = iota
	DecisionHotReload
	DecisionRestart
	DecisionStart
	DecisionStop
)

func (d Decision) String() string {
	switch d {
	case DecisionHotReload:
		return "hot-reload"
	case DecisionRestart:
		return "restart"
	case DecisionStart:
		return "start"
	case DecisionStop:
		return "stop"
	default:
		return "no-op"
	}
}

// unitSupervisor is the slice of *supervisor.Supervisor every handler in
// this package drives, narrowed so each handler can be tested against a
// fake.
type unitSupervisor interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Status(name string) (supervisor.State, error)
}

// TunnelStatus is the up/connecting/down state machine of spec.md §4.5.2,
// sampled every N seconds and written to the store.
type TunnelStatus int

const (
	TunnelDown TunnelStatus = iota
	TunnelConnecting
	TunnelUp
)

func (s TunnelStatus) String() string {
	switch s {
	case TunnelUp:
		return "up"
	case TunnelConnecting:
		return "connecting"
	default:
		return "down"
	}
}

// ComputeTunnelStatus applies the three-way tunnel status rule used by the
// tunnel status sampler: not running beats everything, then interface presence
// distinguishes up from connecting.
func ComputeTunnelStatus(running bool, ifacePresent bool) TunnelStatus {
	if !running {
		return TunnelDown
	}
	if ifacePresent {
		return TunnelUp
	}
	return TunnelConnecting
}

// InterfaceExists reports whether the kernel has a network interface with
// the given name, using vishvananda/netlink instead of shelling out to
// `ip link show` the way watcher.py's _iface_exists did.
func InterfaceExists(name string) bool {
	if name == "" {
		return false
	}
	_, err := netlink.LinkByName(name)
	return err == nil
}
