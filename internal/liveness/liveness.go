// Copyright (c) Meduza Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package liveness publishes the node's online marker (spec.md §4.8): a
// persistent last-seen timestamp plus a leased TTL key, refreshed on its
// own keepalive loop. Grounded on watcher.py's
// publish_update/ensure_online_lease/keepalive_loop.
package liveness

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"meduza.network/nodeagent/internal/kv"
)

// Lease is an alias for internal/kv.Lease so callers of this package
// never need to import internal/kv themselves just to hold one.
type Lease = kv.Lease

// store is the subset of *kv.Client the Publisher drives.
type store interface {
	Put(ctx context.Context, key, value string, lease *Lease) error
	LeaseGrant(ctx context.Context, ttl time.Duration) (*Lease, error)
	LeaseKeepAlive(ctx context.Context, lease *Lease) error
}

// LeaseState is exported as a metrics gauge value by the caller.
type LeaseState int

const (
	LeaseUnknown LeaseState = iota
	LeaseHeld
	LeaseLost
)

func (s LeaseState) String() string {
	switch s {
	case LeaseHeld:
		return "held"
	case LeaseLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Publisher owns the persistent-timestamp + leased-online-marker pair
// under /updated/<node>/.
type Publisher struct {
	log      *zap.SugaredLogger
	kv       store
	lastKey  string
	onlineKey string
	ttl      time.Duration

	mu       sync.Mutex
	lease    *Lease
	state    LeaseState
	onChange func(LeaseState)
}

// OnStateChange registers a sink notified every time the lease state
// transitions, so the caller can mirror it onto a metrics gauge without
// this package needing to import internal/metrics.
func (p *Publisher) OnStateChange(fn func(LeaseState)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *Publisher) setState(s LeaseState) {
	p.mu.Lock()
	p.state = s
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// New constructs a Publisher for the given node ID and TTL.
func New(log *zap.SugaredLogger, kv store, nodeID string, ttl time.Duration) *Publisher {
	base := fmt.Sprintf("/updated/%s", nodeID)
	return &Publisher{
		log:       log,
		kv:        kv,
		lastKey:   base + "/last",
		onlineKey: base + "/online",
		ttl:       ttl,
		state:     LeaseUnknown,
	}
}

func (p *Publisher) ensureLease(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lease != nil {
		return p.lease, nil
	}
	lease, err := p.kv.LeaseGrant(ctx, p.ttl)
	if err != nil {
		return nil, err
	}
	p.lease = lease
	return lease, nil
}

// Publish writes the persistent timestamp and refreshes the online marker
// under a (possibly newly granted) lease, matching publish_update(reason).
// If granting the lease or writing the online marker fails, the cached lease
// is dropped so the next call regrants it; a failed timestamp write returns
// before the lease is touched.
func (p *Publisher) Publish(ctx context.Context, reason string) error {
	now := strconv.FormatInt(timeNowUnix(), 10)
	if err := p.kv.Put(ctx, p.lastKey, now, nil); err != nil {
		return fmt.Errorf("liveness: writing last-seen timestamp: %w", err)
	}

	lease, err := p.ensureLease(ctx)
	if err != nil {
		p.markLost()
		return fmt.Errorf("liveness: granting lease: %w", err)
	}
	if err := p.kv.Put(ctx, p.onlineKey, "1", lease); err != nil {
		p.markLost()
		return fmt.Errorf("liveness: writing online marker: %w", err)
	}

	p.setState(LeaseHeld)

	p.log.Infow("published liveness", "reason", reason, "last", now, "ttl", p.ttl)
	return nil
}

func (p *Publisher) markLost() {
	p.mu.Lock()
	p.lease = nil
	p.mu.Unlock()
	p.setState(LeaseLost)
}

// State reports the last known lease state for the metrics gauge.
func (p *Publisher) State() LeaseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// KeepaliveInterval implements keepalive_loop's `max(5, ttl/3)` cadence.
func KeepaliveInterval(ttl time.Duration) time.Duration {
	third := ttl / 3
	if third < 5*time.Second {
		return 5 * time.Second
	}
	return third
}

// RunKeepalive refreshes the current lease on KeepaliveInterval(ttl) until
// ctx is canceled. A failed refresh drops the cached lease so the next
// Publish call regrants a fresh one, matching keepalive_loop's
// `except: _online_lease = None`.
func (p *Publisher) RunKeepalive(ctx context.Context) error {
	interval := KeepaliveInterval(p.ttl)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.mu.Lock()
			lease := p.lease
			p.mu.Unlock()
			if lease == nil {
				continue
			}
			if err := p.kv.LeaseKeepAlive(ctx, lease); err != nil {
				p.log.Warnw("liveness: keepalive failed, dropping lease", "error", err)
				p.markLost()
			}
		}
	}
}

// timeNowUnix is a package variable so tests can stub the clock.
var timeNowUnix = func() int64 { return time.Now().Unix() }
