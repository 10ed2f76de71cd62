package liveness

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"meduza.network/nodeagent/internal/kv"
)

type fakeStore struct {
	puts        map[string]string
	grants      int
	keepalives  int
	grantErr    error
	putErr      error
	keepaliveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: map[string]string{}}
}

func (f *fakeStore) Put(ctx context.Context, key, value string, lease *Lease) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.puts[key] = value
	return nil
}

func (f *fakeStore) LeaseGrant(ctx context.Context, ttl time.Duration) (*Lease, error) {
	if f.grantErr != nil {
		return nil, f.grantErr
	}
	f.grants++
	return &kv.Lease{ID: 42}, nil
}

func (f *fakeStore) LeaseKeepAlive(ctx context.Context, lease *Lease) error {
	if f.keepaliveErr != nil {
		return f.keepaliveErr
	}
	f.keepalives++
	return nil
}

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func TestPublishWritesTimestampAndOnlineMarker(t *testing.T) {
	store := newFakeStore()
	p := New(testLogger(), store, "n1", time.Minute)

	if err := p.Publish(context.Background(), "startup"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, ok := store.puts["/updated/n1/last"]; !ok {
		t.Fatal("missing persistent timestamp write")
	}
	if store.puts["/updated/n1/online"] != "1" {
		t.Fatalf("online marker = %q, want 1", store.puts["/updated/n1/online"])
	}
	if store.grants != 1 {
		t.Fatalf("grants = %d, want 1", store.grants)
	}
	if p.State() != LeaseHeld {
		t.Fatalf("State() = %v, want LeaseHeld", p.State())
	}
}

func TestPublishReusesLeaseAcrossCalls(t *testing.T) {
	store := newFakeStore()
	p := New(testLogger(), store, "n1", time.Minute)

	if err := p.Publish(context.Background(), "a"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(context.Background(), "b"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if store.grants != 1 {
		t.Fatalf("grants = %d, want 1 (lease should be reused)", store.grants)
	}
}

func TestPublishMarksLeaseLostOnGrantFailure(t *testing.T) {
	store := newFakeStore()
	store.grantErr = errors.New("etcd unavailable")
	p := New(testLogger(), store, "n1", time.Minute)

	if err := p.Publish(context.Background(), "startup"); err == nil {
		t.Fatal("want error when lease grant fails")
	}
	if p.State() != LeaseLost {
		t.Fatalf("State() = %v, want LeaseLost", p.State())
	}
}

func TestOnStateChangeNotifiesOnTransitions(t *testing.T) {
	store := newFakeStore()
	store.grantErr = errors.New("etcd unavailable")
	p := New(testLogger(), store, "n1", time.Minute)

	var seen []LeaseState
	p.OnStateChange(func(s LeaseState) { seen = append(seen, s) })

	_ = p.Publish(context.Background(), "startup")
	if len(seen) != 1 || seen[0] != LeaseLost {
		t.Fatalf("seen = %v, want [LeaseLost]", seen)
	}
}

func TestKeepaliveIntervalUsesFloorOfFiveSeconds(t *testing.T) {
	if got := KeepaliveInterval(10 * time.Second); got != 5*time.Second {
		t.Fatalf("KeepaliveInterval(10s) = %v, want 5s", got)
	}
	if got := KeepaliveInterval(60 * time.Second); got != 20*time.Second {
		t.Fatalf("KeepaliveInterval(60s) = %v, want 20s", got)
	}
}

func TestRunKeepaliveRefreshesLeaseUntilCanceled(t *testing.T) {
	store := newFakeStore()
	p := New(testLogger(), store, "n1", 15*time.Millisecond)
	if err := p.Publish(context.Background(), "startup"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	err := p.RunKeepalive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RunKeepalive err = %v, want DeadlineExceeded", err)
	}
	if store.keepalives == 0 {
		t.Fatal("want at least one keepalive refresh")
	}
}

func TestRunKeepaliveDropsLeaseOnFailure(t *testing.T) {
	store := newFakeStore()
	p := New(testLogger(), store, "n1", 15*time.Millisecond)
	if err := p.Publish(context.Background(), "startup"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	store.keepaliveErr = errors.New("lease expired")

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	_ = p.RunKeepalive(ctx)

	if p.State() != LeaseLost {
		t.Fatalf("State() = %v, want LeaseLost after keepalive failure", p.State())
	}
}
