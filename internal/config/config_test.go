package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	vars := map[string]string{
		"NODE_ID":        "n1",
		"ETCD_ENDPOINTS": "10.0.0.1:2379,10.0.0.2:2379",
		"ETCD_CA":        "/etc/etcd/ca.pem",
		"ETCD_CERT":      "/etc/etcd/cert.pem",
		"ETCD_KEY":       "/etc/etcd/key.pem",
		"ETCD_USER":      "agent",
		"ETCD_PASS":      "secret",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoadUsesFirstEndpointOnly(t *testing.T) {
	setRequiredEnv(t)
	c, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.EtcdEndpoint != "10.0.0.1:2379" {
		t.Fatalf("EtcdEndpoint = %q, want 10.0.0.1:2379", c.EtcdEndpoint)
	}
	if c.NodeID != "n1" {
		t.Fatalf("NodeID = %q, want n1", c.NodeID)
	}
	if c.UpdateTTL != 60*time.Second {
		t.Fatalf("UpdateTTL = %v, want 60s default", c.UpdateTTL)
	}
}

func TestLoadURLParsesEndpointWithScheme(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ETCD_ENDPOINTS", "https://10.0.0.9:2379,10.0.0.2:2379")
	c, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.EtcdEndpoint != "10.0.0.9:2379" {
		t.Fatalf("EtcdEndpoint = %q, want 10.0.0.9:2379", c.EtcdEndpoint)
	}
}

func TestLoadFailsOnMissingRequired(t *testing.T) {
	t.Setenv("NODE_ID", "n1")
	if _, err := Load(nil); err == nil {
		t.Fatal("Load: want error when required env vars are missing")
	}
}

func TestLoadOptionalOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("UPDATE_TTL_SECONDS", "90")
	t.Setenv("DEFAULT_GW", "10.0.0.1")
	c, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.UpdateTTL != 90*time.Second {
		t.Fatalf("UpdateTTL = %v, want 90s", c.UpdateTTL)
	}
	if c.DefaultGW != "10.0.0.1" {
		t.Fatalf("DefaultGW = %q, want 10.0.0.1", c.DefaultGW)
	}
}
