package subsystem

import (
	"context"
	"fmt"
)

// ReconcileForwarder implements spec.md §4.5.6: when enabled, materialize
// and start the unit first (before any other DNS component so resolution
// is available for the rest of the pass), using only the fallback
// upstream set computed by internal/render.ForwarderUpstreams. When
// disabled, stop it.
func ReconcileForwarder(
	ctx context.Context,
	sup unitSupervisor,
	unitName string,
	enabled bool,
	wasRunning bool,
	materializeBase func() error,
) (Decision, error) {
	if !enabled {
		if wasRunning {
			if err := sup.Stop(ctx, unitName); err != nil {
				return DecisionNoOp, fmt.Errorf("forwarder: stopping: %w", err)
			}
			return DecisionStop, nil
		}
		return DecisionNoOp, nil
	}
	if err := materializeBase(); err != nil {
		return DecisionNoOp, fmt.Errorf("forwarder: materializing base config: %w", err)
	}
	if !wasRunning {
		if err := sup.Start(ctx, unitName); err != nil {
			return DecisionNoOp, fmt.Errorf("forwarder: starting: %w", err)
		}
		return DecisionStart, nil
	}
	return DecisionNoOp, nil
}

// UpdateForwarderUpstreams implements the "dedicated update upstreams
// routine that rewrites the config and restarts the forwarder" later
// handlers (resolver, proxy) call once their own DNS ports become known.
func UpdateForwarderUpstreams(
	ctx context.Context,
	sup unitSupervisor,
	unitName string,
	writeConfig func(upstreams []string) error,
	upstreams []string,
) error {
	if err := writeConfig(upstreams); err != nil {
		return fmt.Errorf("forwarder: rewriting upstreams: %w", err)
	}
	if err := sup.Restart(ctx, unitName); err != nil {
		return fmt.Errorf("forwarder: restarting after upstream update: %w", err)
	}
	return nil
}
