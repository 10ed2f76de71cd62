package subsystem

import (
	"context"
	"fmt"
	"sort"
)

// TunnelKind distinguishes the two point-to-point tunnel flavors spec.md
// §4.5.2 manages identically except for their rendered config and unit
// naming prefix.
type TunnelKind string

const (
	TunnelKindWireGuard TunnelKind = "wireguard"
	TunnelKindOpenVPN   TunnelKind = "openvpn"
)

// TunnelInstanceState is what the reconciler already knows about one
// declared tunnel instance from the previous pass.
type TunnelInstanceState struct {
	Name         string
	ConfigHash   string
	Dev          string
	UnitDeclared bool
}

// TunnelPlan is the result of diffing the freshly rendered instance set
// against TunnelInstanceState: which units to declare (new or changed),
// which to undeclare (removed or disabled), and which survive untouched.
type TunnelPlan struct {
	ToDeclare   []string
	ToUndeclare []string
	Unchanged   []string
}

// tunnelDeclarer is the subset of *supervisor.Supervisor the tunnel
// handler needs for declaration bookkeeping, narrowed for testability.
type tunnelDeclarer interface {
	DeclareDynamicUnit(name string, command []string) error
	UndeclareDynamicUnit(ctx context.Context, name string) error
	Rescan() error
}

// PlanTunnels compares the desired instance set (name -> content hash)
// against the previously declared set and decides what changed, per
// spec.md §4.5.2's "declared dynamically (or redeclared on material
// change)... disabled or removed instances cause undeclaration" rule.
func PlanTunnels(desired map[string]string, previous map[string]TunnelInstanceState) TunnelPlan {
	var plan TunnelPlan
	for name, hash := range desired {
		prev, ok := previous[name]
		if !ok || !prev.UnitDeclared || prev.ConfigHash != hash {
			plan.ToDeclare = append(plan.ToDeclare, name)
		} else {
			plan.Unchanged = append(plan.Unchanged, name)
		}
	}
	for name, prev := range previous {
		if _, stillWanted := desired[name]; !stillWanted && prev.UnitDeclared {
			plan.ToUndeclare = append(plan.ToUndeclare, name)
		}
	}
	sort.Strings(plan.ToDeclare)
	sort.Strings(plan.ToUndeclare)
	sort.Strings(plan.Unchanged)
	return plan
}

// ApplyTunnelPlan declares/undeclares units per the plan, issues a single
// Rescan once per batch, and then restarts every currently enabled
// instance — matching "After a batch, rescan() + restart for all enabled
// instances."
func ApplyTunnelPlan(
	ctx context.Context,
	sup tunnelDeclarer,
	restarter unitSupervisor,
	plan TunnelPlan,
	commands map[string][]string,
	unitName func(name string) string,
) error {
	for _, name := range plan.ToUndeclare {
		if err := sup.UndeclareDynamicUnit(ctx, unitName(name)); err != nil {
			return fmt.Errorf("tunnel: undeclaring %s: %w", name, err)
		}
	}
	for _, name := range plan.ToDeclare {
		cmd, ok := commands[name]
		if !ok {
			return fmt.Errorf("tunnel: no command for declared instance %s", name)
		}
		if err := sup.DeclareDynamicUnit(unitName(name), cmd); err != nil {
			return fmt.Errorf("tunnel: declaring %s: %w", name, err)
		}
	}
	if len(plan.ToDeclare) > 0 || len(plan.ToUndeclare) > 0 {
		if err := sup.Rescan(); err != nil {
			return fmt.Errorf("tunnel: rescan: %w", err)
		}
	}
	enabled := append(append([]string{}, plan.ToDeclare...), plan.Unchanged...)
	sort.Strings(enabled)
	for _, name := range enabled {
		if err := restarter.Restart(ctx, unitName(name)); err != nil {
			return fmt.Errorf("tunnel: restarting %s: %w", name, err)
		}
	}
	return nil
}
