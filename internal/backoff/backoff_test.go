package backoff

import (
	"testing"
	"time"
)

func TestNextSleepBoundedByCap(t *testing.T) {
	b := New(time.Second, 60*time.Second)
	for i := 0; i < 20; i++ {
		d := b.NextSleep()
		if d < 0 || d > 60*time.Second {
			t.Fatalf("attempt %d: sleep %v out of bounds", i, d)
		}
	}
}

func TestResetRestartsGrowth(t *testing.T) {
	b := New(time.Millisecond, time.Hour)
	for i := 0; i < 10; i++ {
		b.NextSleep()
	}
	b.Reset()
	if b.attempt != 0 {
		t.Fatalf("attempt = %d after reset, want 0", b.attempt)
	}
}

func TestNextSleepNeverNegativeWithZeroBase(t *testing.T) {
	b := New(0, time.Second)
	for i := 0; i < 5; i++ {
		if d := b.NextSleep(); d < 0 {
			t.Fatalf("negative sleep: %v", d)
		}
	}
}
