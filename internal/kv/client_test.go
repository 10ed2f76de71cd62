package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeRaw is a minimal in-memory rawClient for exercising Client without a
// live etcd server.
type fakeRaw struct {
	data map[string]string

	failGetUnauthN int // number of Get calls to fail with Unauthenticated before succeeding
	closed         bool

	nextLeaseID clientv3.LeaseID
	keepAlives  int
}

func newFakeRaw() *fakeRaw {
	return &fakeRaw{data: map[string]string{}}
}

// Get mirrors the two call shapes client.go actually produces: a bare
// key lookup (Client.Get) or a WithPrefix range scan (Client.GetPrefix).
// Distinguishing them by "any option at all was passed" is sufficient
// here since this package never calls raw.Get with any other option.
func (f *fakeRaw) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	if f.failGetUnauthN > 0 {
		f.failGetUnauthN--
		return nil, status.Error(codes.Unauthenticated, "invalid auth token")
	}

	resp := &clientv3.GetResponse{}
	if len(opts) > 0 {
		for k, v := range f.data {
			if len(k) >= len(key) && k[:len(key)] == key {
				resp.Kvs = append(resp.Kvs, mvccKV(k, v))
			}
		}
		return resp, nil
	}

	v, ok := f.data[key]
	if !ok {
		return resp, nil
	}
	resp.Kvs = append(resp.Kvs, mvccKV(key, v))
	return resp, nil
}

func (f *fakeRaw) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.data[key] = val
	return &clientv3.PutResponse{}, nil
}

func (f *fakeRaw) Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.nextLeaseID++
	return &clientv3.LeaseGrantResponse{ID: f.nextLeaseID, TTL: ttl}, nil
}

func (f *fakeRaw) KeepAliveOnce(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error) {
	f.keepAlives++
	return &clientv3.LeaseKeepAliveResponse{ID: id}, nil
}

func (f *fakeRaw) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	ch := make(chan clientv3.WatchResponse)
	close(ch)
	return ch
}

func (f *fakeRaw) Close() error {
	f.closed = true
	return nil
}

func mvccKV(key, val string) *clientv3.KeyValue {
	return &clientv3.KeyValue{Key: []byte(key), Value: []byte(val)}
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func dialFake(raw *fakeRaw) func(Config) (rawClient, error) {
	return func(Config) (rawClient, error) { return raw, nil }
}

func TestGetMissingKeyReturnsEmptyString(t *testing.T) {
	raw := newFakeRaw()
	c, err := newWithDialer(Config{}, testLogger(), dialFake(raw))
	if err != nil {
		t.Fatalf("newWithDialer: %v", err)
	}

	got, err := c.Get(context.Background(), "/nodes/n1/missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "" {
		t.Fatalf("Get = %q, want empty string for missing key", got)
	}
}

func TestGetReturnsStoredValue(t *testing.T) {
	raw := newFakeRaw()
	raw.data["/nodes/n1/wireguard/wan/endpoint"] = "10.0.0.1:51820"
	c, err := newWithDialer(Config{}, testLogger(), dialFake(raw))
	if err != nil {
		t.Fatalf("newWithDialer: %v", err)
	}

	got, err := c.Get(context.Background(), "/nodes/n1/wireguard/wan/endpoint")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "10.0.0.1:51820" {
		t.Fatalf("Get = %q, want 10.0.0.1:51820", got)
	}
}

func TestGetPrefixReturnsAllMatches(t *testing.T) {
	raw := newFakeRaw()
	raw.data["/nodes/n1/tinc/peer-a/pubkey"] = "aaa"
	raw.data["/nodes/n1/tinc/peer-b/pubkey"] = "bbb"
	raw.data["/nodes/n2/tinc/peer-c/pubkey"] = "ccc"
	c, err := newWithDialer(Config{}, testLogger(), dialFake(raw))
	if err != nil {
		t.Fatalf("newWithDialer: %v", err)
	}

	got, err := c.GetPrefix(context.Background(), "/nodes/n1/tinc/")
	if err != nil {
		t.Fatalf("GetPrefix: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetPrefix returned %d entries, want 2: %v", len(got), got)
	}
	if got["/nodes/n1/tinc/peer-a/pubkey"] != "aaa" {
		t.Fatalf("unexpected value for peer-a: %v", got)
	}
}

func TestPutWithAndWithoutLease(t *testing.T) {
	raw := newFakeRaw()
	c, err := newWithDialer(Config{}, testLogger(), dialFake(raw))
	if err != nil {
		t.Fatalf("newWithDialer: %v", err)
	}

	if err := c.Put(context.Background(), "/nodes/n1/liveness/last_update", "123", nil); err != nil {
		t.Fatalf("Put without lease: %v", err)
	}
	if raw.data["/nodes/n1/liveness/last_update"] != "123" {
		t.Fatalf("Put did not write expected value: %v", raw.data)
	}

	lease, err := c.LeaseGrant(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("LeaseGrant: %v", err)
	}
	if err := c.Put(context.Background(), "/nodes/n1/liveness/online", "1", lease); err != nil {
		t.Fatalf("Put with lease: %v", err)
	}
	if raw.data["/nodes/n1/liveness/online"] != "1" {
		t.Fatalf("Put with lease did not write expected value: %v", raw.data)
	}
}

func TestLeaseKeepAliveDelegatesToRaw(t *testing.T) {
	raw := newFakeRaw()
	c, err := newWithDialer(Config{}, testLogger(), dialFake(raw))
	if err != nil {
		t.Fatalf("newWithDialer: %v", err)
	}

	lease, err := c.LeaseGrant(context.Background(), 30*time.Second)
	if err != nil {
		t.Fatalf("LeaseGrant: %v", err)
	}
	if err := c.LeaseKeepAlive(context.Background(), lease); err != nil {
		t.Fatalf("LeaseKeepAlive: %v", err)
	}
	if raw.keepAlives != 1 {
		t.Fatalf("keepAlives = %d, want 1", raw.keepAlives)
	}
}

// TestWithRetryRebuildsOnceOnUnauthenticated exercises the rebuild-and-retry
// path: the first raw client fails once with Unauthenticated, the dialer
// hands back a fresh client on rebuild, and the retried call succeeds.
func TestWithRetryRebuildsOnceOnUnauthenticated(t *testing.T) {
	first := newFakeRaw()
	first.failGetUnauthN = 1
	second := newFakeRaw()
	second.data["/nodes/n1/easytier/mesh/enabled"] = "true"

	calls := 0
	dial := func(Config) (rawClient, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return second, nil
	}

	c, err := newWithDialer(Config{}, testLogger(), dial)
	if err != nil {
		t.Fatalf("newWithDialer: %v", err)
	}

	got, err := c.Get(context.Background(), "/nodes/n1/easytier/mesh/enabled")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "true" {
		t.Fatalf("Get = %q, want true after rebuild", got)
	}
	if calls != 2 {
		t.Fatalf("dial called %d times, want 2 (initial + rebuild)", calls)
	}
	if !first.closed {
		t.Fatal("original raw client was not closed on rebuild")
	}
}

func TestIsUnauthenticated(t *testing.T) {
	if isUnauthenticated(nil) {
		t.Fatal("nil error must not be unauthenticated")
	}
	if isUnauthenticated(errors.New("boom")) {
		t.Fatal("plain error must not be unauthenticated")
	}
	if !isUnauthenticated(status.Error(codes.Unauthenticated, "bad token")) {
		t.Fatal("grpc Unauthenticated status must be detected")
	}
	if isUnauthenticated(status.Error(codes.Unavailable, "down")) {
		t.Fatal("Unavailable must not be treated as Unauthenticated")
	}
}

func TestWatchClosesWhenUnderlyingWatchEnds(t *testing.T) {
	raw := newFakeRaw()
	c, err := newWithDialer(Config{}, testLogger(), dialFake(raw))
	if err != nil {
		t.Fatalf("newWithDialer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, watchCancel := c.Watch(ctx, "/nodes/n1")
	defer cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close with no events from an already-closed watch")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch channel to close")
	}
	watchCancel()
}
