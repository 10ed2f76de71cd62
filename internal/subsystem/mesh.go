package subsystem

import (
	"context"
	"fmt"

	"meduza.network/nodeagent/internal/supervisor"
)

// Mesh flavor names, matching /global/mesh_type's two valid values.
const (
	MeshOverlay  = "overlay"
	MeshSwitched = "switched"
)

// MeshUnits names the two mutually-exclusive mesh units.
type MeshUnits struct {
	Overlay  string
	Switched string
}

// MeshResult is what the caller needs after one mesh reconcile pass: which
// flavor is (or should be) active, the decision taken for it, and whether
// the inactive flavor had to be stopped.
type MeshResult struct {
	Active        string
	Decision      Decision
	StoppedOther  bool
}

// HostFileDiff summarizes how the switched (tinc) flavor's per-peer host
// files changed since the last pass, needed to distinguish "additions
// only, hot reload is safe" from "content changed or a peer vanished,
// restart is required" (spec.md §4.5.1).
type HostFileDiff struct {
	Added   int
	Changed int
	Removed int
}

// OnlyAdditions reports whether this diff is safe for a hot reload.
func (d HostFileDiff) OnlyAdditions() bool {
	return d.Added > 0 && d.Changed == 0 && d.Removed == 0
}

func (d HostFileDiff) Any() bool {
	return d.Added > 0 || d.Changed > 0 || d.Removed > 0
}

// ReconcileMesh implements the mutual-exclusivity rule: the flavor not
// named by meshType is stopped unconditionally, then the active flavor is
// driven through the common enable/reload/restart/start/stop decision.
//
// configChanged is the Reconciler's changed(name, payload) result for the
// active flavor's own slice. hostDiff is only meaningful for the switched
// flavor and is the zero value otherwise.
func ReconcileMesh(
	ctx context.Context,
	sup unitSupervisor,
	units MeshUnits,
	meshType string,
	enabled bool,
	configChanged bool,
	hostDiff HostFileDiff,
) (MeshResult, error) {
	var active, other string
	switch meshType {
	case MeshSwitched:
		active, other = units.Switched, units.Overlay
	default:
		active, other = units.Overlay, units.Switched
	}

	result := MeshResult{Active: meshType}

	otherState, err := sup.Status(other)
	if err != nil {
		return result, fmt.Errorf("mesh: checking other flavor status: %w", err)
	}
	if otherState == supervisor.StateRunning {
		if err := sup.Stop(ctx, other); err != nil {
			return result, fmt.Errorf("mesh: stopping inactive flavor %s: %w", other, err)
		}
		result.StoppedOther = true
	}

	activeState, err := sup.Status(active)
	if err != nil {
		return result, fmt.Errorf("mesh: checking active flavor status: %w", err)
	}
	running := activeState == supervisor.StateRunning

	if !enabled {
		if running {
			if err := sup.Stop(ctx, active); err != nil {
				return result, fmt.Errorf("mesh: stopping %s: %w", active, err)
			}
			result.Decision = DecisionStop
		}
		return result, nil
	}

	if !running {
		if err := sup.Start(ctx, active); err != nil {
			return result, fmt.Errorf("mesh: starting %s: %w", active, err)
		}
		result.Decision = DecisionStart
		return result, nil
	}

	switch {
	case meshType == MeshSwitched && hostDiff.Any() && !hostDiff.OnlyAdditions():
		if err := sup.Restart(ctx, active); err != nil {
			return result, fmt.Errorf("mesh: restarting %s: %w", active, err)
		}
		result.Decision = DecisionRestart
	case meshType == MeshSwitched && hostDiff.OnlyAdditions():
		// The supervisor has no reload operation, so a hot-reload decision
		// is carried out as a unit restart.
		if err := sup.Restart(ctx, active); err != nil {
			return result, fmt.Errorf("mesh: hot-reloading %s: %w", active, err)
		}
		result.Decision = DecisionHotReload
	case configChanged:
		if err := sup.Restart(ctx, active); err != nil {
			return result, fmt.Errorf("mesh: restarting %s: %w", active, err)
		}
		result.Decision = DecisionRestart
	default:
		result.Decision = DecisionNoOp
	}
	return result, nil
}
