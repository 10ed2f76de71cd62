// Copyright (c) Meduza Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package config loads the agent's environment-variable configuration
// (spec.md §6) and fails fast when a required value is missing.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
)

// Config is the agent's fully resolved startup configuration.
type Config struct {
	NodeID string

	EtcdEndpoint string
	EtcdCA       string
	EtcdCert     string
	EtcdKey      string
	EtcdUser     string
	EtcdPass     string

	UpdateTTL              time.Duration
	OpenVPNStatusInterval  time.Duration
	WireGuardStatusInterval time.Duration
	SupervisorRetryInterval time.Duration
	DefaultGW              string
	MosdnsHTTPProxy        string

	LogLevel  string
	LogFormat string
	MetricsAddr string
}

// Load parses the process environment into a Config. args is normally
// os.Args[1:]; the agent takes no positional flags, but ff.Parse still
// wants an argv to support `-config.file` style overrides in front-line
// tooling that embeds this package.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("nodeagent", flag.ContinueOnError)

	var (
		nodeID        = fs.String("node-id", "", "node identity (required)")
		etcdEndpoints = fs.String("etcd-endpoints", "", "comma-separated host:port list (required, only the first is used)")
		etcdCA        = fs.String("etcd-ca", "", "path to CA certificate (required)")
		etcdCert      = fs.String("etcd-cert", "", "path to client certificate (required)")
		etcdKey       = fs.String("etcd-key", "", "path to client key (required)")
		etcdUser      = fs.String("etcd-user", "", "etcd username (required)")
		etcdPass      = fs.String("etcd-pass", "", "etcd password (required)")

		updateTTL        = fs.Int("update-ttl-seconds", 60, "liveness lease TTL in seconds")
		ovpnInterval     = fs.Int("openvpn-status-interval", 10, "seconds between OpenVPN status samples")
		wgInterval       = fs.Int("wireguard-status-interval", 10, "seconds between WireGuard status samples")
		supervisorRetry  = fs.Int("supervisor-retry-interval", 30, "seconds between fatal-unit retry attempts")
		defaultGW        = fs.String("default-gw", "", "host route to exclude from transparent-proxy intercept")
		mosdnsHTTPProxy  = fs.String("mosdns-http-proxy", "", "override proxy used for DNS rule-file downloads")

		logLevel   = fs.String("log-level", "info", "debug|info|warn|error")
		logFormat  = fs.String("log-format", "", "console|json (default: auto-detect from stderr)")
		metricsAddr = fs.String("metrics-addr", "", "address to serve /metrics on; empty disables")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarNoPrefix(),
	); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// ff maps flag "node-id" to env NODE_ID, "etcd-endpoints" to
	// ETCD_ENDPOINTS, etc. by upper-casing and replacing "-" with "_",
	// matching spec.md §6 exactly.

	endpoint := firstEndpoint(*etcdEndpoints)

	c := &Config{
		NodeID:       *nodeID,
		EtcdEndpoint: endpoint,
		EtcdCA:       *etcdCA,
		EtcdCert:     *etcdCert,
		EtcdKey:      *etcdKey,
		EtcdUser:     *etcdUser,
		EtcdPass:     *etcdPass,

		UpdateTTL:               time.Duration(*updateTTL) * time.Second,
		OpenVPNStatusInterval:   time.Duration(*ovpnInterval) * time.Second,
		WireGuardStatusInterval: time.Duration(*wgInterval) * time.Second,
		SupervisorRetryInterval: time.Duration(*supervisorRetry) * time.Second,
		DefaultGW:               *defaultGW,
		MosdnsHTTPProxy:         *mosdnsHTTPProxy,

		LogLevel:    *logLevel,
		LogFormat:   *logFormat,
		MetricsAddr: *metricsAddr,
	}

	return c, c.validate()
}

func (c *Config) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"NODE_ID":        c.NodeID,
		"ETCD_ENDPOINTS": c.EtcdEndpoint,
		"ETCD_CA":        c.EtcdCA,
		"ETCD_CERT":      c.EtcdCert,
		"ETCD_KEY":       c.EtcdKey,
		"ETCD_USER":      c.EtcdUser,
		"ETCD_PASS":      c.EtcdPass,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

// firstEndpoint returns the first host:port in a comma-separated endpoint
// list, URL-parsed if it carries a scheme (e.g. "https://10.0.0.1:2379"),
// matching spec.md §6: "the agent uses only the first after URL-parsing".
func firstEndpoint(raw string) string {
	parts := strings.Split(raw, ",")
	if len(parts) == 0 {
		return ""
	}
	first := strings.TrimSpace(parts[0])
	if first == "" {
		return ""
	}
	if !strings.Contains(first, "://") {
		return first
	}
	u, err := url.Parse(first)
	if err != nil {
		return first
	}
	return u.Host
}
