package recency

import (
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	m := New[string](10, time.Hour)
	m.Set("a", Maybe[string]{Value: "hello", Found: true})

	got, ok := m.Get("a")
	if !ok || !got.Found || got.Value != "hello" {
		t.Fatalf("Get(a) = (%+v,%v), want found hello", got, ok)
	}
}

func TestNegativeCacheMarker(t *testing.T) {
	m := New[string](10, time.Hour)
	m.Set("missing", Maybe[string]{Found: false})

	got, ok := m.Get("missing")
	if !ok {
		t.Fatal("expected the negative-cache entry itself to be present")
	}
	if got.Found {
		t.Fatal("expected Found=false for a negative-cache marker")
	}
}

func TestCapacityEvictsLRU(t *testing.T) {
	m := New[int](2, time.Hour)
	m.Set("a", Maybe[int]{Value: 1, Found: true})
	m.Set("b", Maybe[int]{Value: 2, Found: true})
	m.Get("a") // touch a, making b the least recently used
	m.Set("c", Maybe[int]{Value: 3, Found: true})

	if m.Has("b") {
		t.Fatal("expected b to be evicted as least recently used")
	}
	if !m.Has("a") || !m.Has("c") {
		t.Fatal("expected a and c to remain cached")
	}
}

func TestGetRefreshesTTL(t *testing.T) {
	ttl := 200 * time.Millisecond
	m := New[int](10, ttl)
	m.Set("a", Maybe[int]{Value: 1, Found: true})

	// Keep reading across a window several times longer than the TTL;
	// each read must push the deadline out again, so the entry stays
	// alive the whole time.
	deadline := time.Now().Add(3 * ttl)
	for time.Now().Before(deadline) {
		if _, ok := m.Get("a"); !ok {
			t.Fatal("entry expired despite being read continuously")
		}
		time.Sleep(ttl / 8)
	}
}

func TestEntriesExpireWithoutReads(t *testing.T) {
	ttl := 50 * time.Millisecond
	m := New[int](10, ttl)
	m.Set("a", Maybe[int]{Value: 1, Found: true})

	time.Sleep(3 * ttl)
	if m.Has("a") {
		t.Fatal("entry should have expired with no reads to refresh it")
	}
	if _, ok := m.Get("a"); ok {
		t.Fatal("Get should miss on an expired entry")
	}
	if m.Len() != 0 {
		t.Fatalf("Len() = %d after expiry, want 0", m.Len())
	}
}

func TestZeroTTLDisablesExpiry(t *testing.T) {
	m := New[int](10, 0)
	m.Set("a", Maybe[int]{Value: 1, Found: true})

	time.Sleep(20 * time.Millisecond)
	if !m.Has("a") {
		t.Fatal("entries must not expire when no TTL is configured")
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	m := New[int](10, time.Hour)
	m.Set("a", Maybe[int]{Value: 1, Found: true})
	m.Delete("a")
	if m.Has("a") {
		t.Fatal("expected a to be removed")
	}
}

func TestForEachVisitsAllEntries(t *testing.T) {
	m := New[int](10, time.Hour)
	m.Set("a", Maybe[int]{Value: 1, Found: true})
	m.Set("b", Maybe[int]{Value: 2, Found: true})

	seen := map[string]int{}
	m.ForEach(func(id string, v Maybe[int]) bool {
		seen[id] = v.Value
		return true
	})
	if len(seen) != 2 || seen["a"] != 1 || seen["b"] != 2 {
		t.Fatalf("ForEach visited %v, want a:1 b:2", seen)
	}
}
