// Copyright (c) Meduza Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package supervisor abstracts over the local process manager (spec.md
// §4.4): uniform start/stop/restart/status plus dynamic unit
// declaration/removal. Built on github.com/coreos/go-systemd/dbus, the
// teacher's own dependency for talking to systemd without shelling out.
package supervisor

import (
	"context"
	"fmt"
	"time"

	sdbus "github.com/coreos/go-systemd/dbus"
	"github.com/iancoleman/strcase"
	"go.uber.org/zap"
)

// State is a Supervised Unit's reported state (spec.md §3 "Supervised
// Unit"). Fatal is distinguished from Stopped because a fatal unit needs
// backoff-driven retry; a cleanly stopped one does not.
type State int

const (
	StateAbsent State = iota
	StateRunning
	StateStopped
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFatal:
		return "fatal"
	default:
		return "absent"
	}
}

// conn is the subset of *sdbus.Conn this package drives, narrowed for
// fakeability in tests the same way internal/kv narrows *clientv3.Client.
type conn interface {
	StartUnit(name, mode string, ch chan<- string) (int, error)
	StopUnit(name, mode string, ch chan<- string) (int, error)
	RestartUnit(name, mode string, ch chan<- string) (int, error)
	ListUnitsByNames(units []string) ([]sdbus.UnitStatus, error)
	StartTransientUnit(name, mode string, properties []sdbus.Property, ch chan<- string) (int, error)
	Reload() error
	Close()
}

// UnitName derives a systemd-safe unit name for a tunnel instance, e.g.
// "wg-0" -> "wireguard-wg-0.service".
func UnitName(kind, instance string) string {
	return fmt.Sprintf("%s-%s.service", strcase.ToKebab(kind), strcase.ToKebab(instance))
}

// Supervisor drives systemd units on behalf of the subsystem handlers.
type Supervisor struct {
	log     *zap.SugaredLogger
	raw     conn
	pending []string // units declared since the last Rescan
}

// New dials the system bus.
func New(log *zap.SugaredLogger) (*Supervisor, error) {
	c, err := sdbus.New()
	if err != nil {
		return nil, fmt.Errorf("connecting to systemd: %w", err)
	}
	return &Supervisor{log: log, raw: c}, nil
}

const waitTimeout = 10 * time.Second

func (s *Supervisor) waitForJob(ctx context.Context, start func(ch chan<- string) (int, error)) error {
	ch := make(chan string, 1)
	if _, err := start(ch); err != nil {
		return err
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("job finished with result %q", result)
		}
		return nil
	case <-time.After(waitTimeout):
		return fmt.Errorf("timed out waiting for systemd job")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start starts a unit, waiting for the job to complete.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	return s.waitForJob(ctx, func(ch chan<- string) (int, error) {
		return s.raw.StartUnit(name, "replace", ch)
	})
}

// Stop stops a unit, waiting for the job to complete.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	return s.waitForJob(ctx, func(ch chan<- string) (int, error) {
		return s.raw.StopUnit(name, "replace", ch)
	})
}

// Restart restarts a unit, waiting for the job to complete.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	return s.waitForJob(ctx, func(ch chan<- string) (int, error) {
		return s.raw.RestartUnit(name, "replace", ch)
	})
}

// Status reports a single unit's state.
func (s *Supervisor) Status(name string) (State, error) {
	all, err := s.StatusAll([]string{name})
	if err != nil {
		return StateAbsent, err
	}
	st, ok := all[name]
	if !ok {
		return StateAbsent, nil
	}
	return st, nil
}

// StatusAll polls several units in a single dbus round trip.
func (s *Supervisor) StatusAll(units []string) (map[string]State, error) {
	statuses, err := s.raw.ListUnitsByNames(units)
	if err != nil {
		return nil, fmt.Errorf("listing units: %w", err)
	}
	byName := make(map[string]sdbus.UnitStatus, len(statuses))
	for _, st := range statuses {
		byName[st.Name] = st
	}
	out := make(map[string]State, len(units))
	for _, name := range units {
		st, ok := byName[name]
		if !ok || st.LoadState == "not-found" {
			out[name] = StateAbsent
			continue
		}
		switch {
		case st.ActiveState == "active":
			out[name] = StateRunning
		case st.ActiveState == "failed":
			out[name] = StateFatal
		default:
			out[name] = StateStopped
		}
	}
	return out, nil
}

// DeclareDynamicUnit creates (or updates) a transient unit running command
// under systemd supervision, matching spec.md §4.4's
// `declare_dynamic_unit(name, command)`. Declarations are batched: call
// Rescan once after a batch of Declare/Undeclare calls, mirroring
// `rescan()`'s "perform it exactly once after a batch" contract.
func (s *Supervisor) DeclareDynamicUnit(name string, command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("supervisor: empty command for unit %s", name)
	}
	props := []sdbus.Property{
		sdbus.PropExecStart(command, false),
		sdbus.PropDescription(fmt.Sprintf("meduza dynamic unit %s", name)),
	}
	if _, err := s.raw.StartTransientUnit(name, "replace", props, nil); err != nil {
		return fmt.Errorf("declaring transient unit %s: %w", name, err)
	}
	s.pending = append(s.pending, name)
	return nil
}

// UndeclareDynamicUnit stops and removes a dynamically declared unit.
func (s *Supervisor) UndeclareDynamicUnit(ctx context.Context, name string) error {
	return s.Stop(ctx, name)
}

// Rescan performs the daemon-reload systemd needs after a batch of
// declarations — for the handful of subsystems that still ship a static
// unit file (mesh, routing daemon, proxy, resolver, forwarder) rather than
// a transient one.
func (s *Supervisor) Rescan() error {
	defer func() { s.pending = nil }()
	return s.raw.Reload()
}

// Close releases the dbus connection.
func (s *Supervisor) Close() { s.raw.Close() }
