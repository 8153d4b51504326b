package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := NewMemory()
	mem.now = func() time.Time { return now }

	if err := mem.Set(ctx, "k", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mem.Set(ctx, "forever", []byte("v2"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := mem.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v1" {
		t.Fatalf("Get = %q %v %v", got, ok, err)
	}
	got[0] = 'x'
	again, _, _ := mem.Get(ctx, "k")
	if string(again) != "v1" {
		t.Fatalf("Get must return a copy, got %q", again)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := mem.Get(ctx, "k"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if _, ok, _ := mem.Get(ctx, "forever"); !ok {
		t.Fatal("entry without ttl should not expire")
	}
	if mem.Len() != 1 {
		t.Fatalf("expired entry should be evicted, len=%d", mem.Len())
	}
}

func TestFingerprintSeparatesParts(t *testing.T) {
	if Fingerprint("ab", "c") == Fingerprint("a", "bc") {
		t.Fatal("fingerprint must not collide on part boundaries")
	}
	if Fingerprint("model", "text") != Fingerprint("model", "text") {
		t.Fatal("fingerprint must be stable")
	}
	if len(Fingerprint("x")) != 64 {
		t.Fatal("expected hex sha256")
	}
}
