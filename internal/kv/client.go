// Copyright (c) Meduza Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package kv wraps a strongly-consistent remote key-value store (spec.md
// §4.1). It is backed by go.etcd.io/etcd/client/v3, mirroring
// watcher.py's etcd3.client(...) construction: TLS client material, a
// single username/password pair, and a 5s default call timeout.
package kv

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCallTimeout = 5 * time.Second

// Lease is an opaque handle returned by Grant, tied to the process's
// online marker (spec.md §3 "Lease").
type Lease struct {
	ID clientv3.LeaseID
}

// Config carries everything needed to build the underlying client.
type Config struct {
	Endpoint string
	CAFile   string
	CertFile string
	KeyFile  string
	Username string
	Password string
}

// rawClient is the subset of *clientv3.Client this package drives. It
// exists so tests can substitute a fake store without a live etcd,
// following the same narrow-interface-for-testability idiom as
// cmd/k8s-operator/operator.go's tsClient/localClient.
type rawClient interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAliveOnce(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
	Close() error
}

// Client is the single wrapper every KV call in the agent goes through. It
// rebuilds itself exactly once, under a dedicated mutex, whenever the
// server reports an unauthenticated error (spec.md §4.1).
type Client struct {
	log *zap.SugaredLogger
	cfg Config

	// dial constructs a fresh rawClient; overridden by tests.
	dial func(Config) (rawClient, error)

	mu  sync.Mutex // serialises rebuilds
	raw rawClient
}

// New dials the store for the first time. A failure here is fatal at
// startup per spec.md §6.
func New(cfg Config, log *zap.SugaredLogger) (*Client, error) {
	return newWithDialer(cfg, log, dialEtcd)
}

func newWithDialer(cfg Config, log *zap.SugaredLogger, dial func(Config) (rawClient, error)) (*Client, error) {
	c := &Client{log: log, cfg: cfg, dial: dial}
	if err := c.rebuildLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func dialEtcd(cfg Config) (rawClient, error) {
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building TLS config: %w", err)
	}
	raw, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{cfg.Endpoint},
		DialTimeout: defaultCallTimeout,
		TLS:         tlsCfg,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing etcd client: %w", err)
	}
	return raw, nil
}

func (c *Client) rebuildLocked() error {
	raw, err := c.dial(c.cfg)
	if err != nil {
		return err
	}
	if c.raw != nil {
		_ = c.raw.Close()
	}
	c.raw = raw
	return nil
}

// rebuild tears down and recreates the underlying client, serialised by c.mu.
func (c *Client) rebuild() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuildLocked()
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading client keypair: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// withRetry runs op once; if it fails with an unauthenticated error, the
// client is rebuilt and op is retried exactly once more.
func (c *Client) withRetry(ctx context.Context, op func(ctx context.Context, raw rawClient) error) error {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()

	err := op(ctx, raw)
	if err == nil || !isUnauthenticated(err) {
		return err
	}

	c.log.Warnw("kv: unauthenticated, rebuilding client and retrying once", "error", err)
	if rerr := c.rebuild(); rerr != nil {
		return fmt.Errorf("rebuilding client after auth failure: %w", rerr)
	}
	c.mu.Lock()
	raw = c.raw
	c.mu.Unlock()
	return op(ctx, raw)
}

func isUnauthenticated(err error) bool {
	if err == nil {
		return false
	}
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	return s.Code() == codes.Unauthenticated
}

// Get returns the value at key, or "" if the key does not exist (spec.md
// §4.1: "a missing key is returned as an empty string, not an error").
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	var out string
	err := c.withRetry(ctx, func(ctx context.Context, raw rawClient) error {
		resp, err := raw.Get(ctx, key)
		if err != nil {
			return err
		}
		if len(resp.Kvs) == 0 {
			out = ""
			return nil
		}
		out = string(resp.Kvs[0].Value)
		return nil
	})
	return out, err
}

// GetPrefix returns every key under prefix as a map. Go map iteration
// order is randomized; callers that need a deterministic order re-sort the
// keys themselves, per SPEC_FULL.md §3.
func (c *Client) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	out := map[string]string{}
	err := c.withRetry(ctx, func(ctx context.Context, raw rawClient) error {
		resp, err := raw.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			return err
		}
		for _, kv := range resp.Kvs {
			out[string(kv.Key)] = string(kv.Value)
		}
		return nil
	})
	return out, err
}

// Put writes value at key, optionally bound to a lease.
func (c *Client) Put(ctx context.Context, key, value string, lease *Lease) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	return c.withRetry(ctx, func(ctx context.Context, raw rawClient) error {
		var opts []clientv3.OpOption
		if lease != nil {
			opts = append(opts, clientv3.WithLease(lease.ID))
		}
		_, err := raw.Put(ctx, key, value, opts...)
		return err
	})
}

// LeaseGrant creates a new lease with the given TTL.
func (c *Client) LeaseGrant(ctx context.Context, ttl time.Duration) (*Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	var lease *Lease
	err := c.withRetry(ctx, func(ctx context.Context, raw rawClient) error {
		resp, err := raw.Grant(ctx, int64(ttl.Seconds()))
		if err != nil {
			return err
		}
		lease = &Lease{ID: resp.ID}
		return nil
	})
	return lease, err
}

// LeaseKeepAlive refreshes a lease once (a single keepalive ping, not a
// streaming keepalive channel) — the keepalive loop in internal/liveness
// calls this on its own ticker, matching watcher.py's lease.refresh().
func (c *Client) LeaseKeepAlive(ctx context.Context, lease *Lease) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	return c.withRetry(ctx, func(ctx context.Context, raw rawClient) error {
		_, err := raw.KeepAliveOnce(ctx, lease.ID)
		return err
	})
}

// WatchCancelFunc cancels an in-flight Watch call.
type WatchCancelFunc func()

// Watch returns a channel that receives a value every time key changes,
// and a cancel function. Event payloads are ignored by every caller in
// this agent — only the fact that a commit occurred matters (spec.md
// §4.1).
func (c *Client) Watch(ctx context.Context, key string) (<-chan struct{}, WatchCancelFunc) {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()

	watchCtx, cancel := context.WithCancel(ctx)
	wch := raw.Watch(watchCtx, key)
	out := make(chan struct{})

	go func() {
		defer close(out)
		for resp := range wch {
			if resp.Err() != nil {
				return
			}
			if len(resp.Events) == 0 {
				continue
			}
			select {
			case out <- struct{}{}:
			case <-watchCtx.Done():
				return
			}
		}
	}()

	return out, WatchCancelFunc(cancel)
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}
