package ingress

import (
	"testing"
	"time"
)

func TestDedupMarkAndDuplicate(t *testing.T) {
	d := NewDedupCache(10)
	if !d.Mark(100) {
		t.Fatal("first mark should succeed")
	}
	if d.Mark(100) {
		t.Error("second mark within TTL should report duplicate")
	}
	if !d.Mark(200) {
		t.Error("distinct id should succeed")
	}
}

func TestDedupRemoveAllowsRetry(t *testing.T) {
	d := NewDedupCache(10)
	d.Mark(100)
	d.Remove(100)
	if !d.Mark(100) {
		t.Error("mark after remove should succeed")
	}
}

func TestDedupTTLExpiry(t *testing.T) {
	d := NewDedupCache(10)
	base := time.Now()
	d.now = func() time.Time { return base }
	d.Mark(100)

	d.now = func() time.Time { return base.Add(dedupTTL - time.Second) }
	if d.Mark(100) {
		t.Error("id still inside TTL should be a duplicate")
	}

	d.now = func() time.Time { return base.Add(dedupTTL + time.Second) }
	if !d.Mark(100) {
		t.Error("expired id should be markable again")
	}
}

func TestDedupCapacityEviction(t *testing.T) {
	d := NewDedupCache(3)
	base := time.Now()
	step := 0
	d.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Millisecond)
	}
	for id := int64(1); id <= 4; id++ {
		d.Mark(id)
	}
	if d.Len() != 3 {
		t.Fatalf("len = %d, want 3", d.Len())
	}
	// the oldest entry was evicted, so it can be marked fresh
	if !d.Mark(1) {
		t.Error("evicted id should be markable")
	}
}

func TestDedupEvictionPrefersExpired(t *testing.T) {
	d := NewDedupCache(2)
	base := time.Now()
	d.now = func() time.Time { return base }
	d.Mark(1)
	d.now = func() time.Time { return base.Add(dedupTTL + time.Minute) }
	d.Mark(2)
	d.Mark(3)
	if d.Len() > 2 {
		t.Fatalf("len = %d, want <= 2", d.Len())
	}
	// the expired entry went first; the fresh ones survive
	if d.Mark(2) || d.Mark(3) {
		t.Error("fresh entries should have survived eviction")
	}
}
