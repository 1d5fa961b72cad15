package cache

import (
	"net/url"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(ttl time.Duration, sweepEvery int) (*ResponseCache, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)}
	c := NewResponseCache(ttl, sweepEvery)
	c.now = clk.now
	return c, clk
}

func TestResponseCache_PutGet(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)

	c.Put("key1", "value1")
	c.Put("key2", 42)

	v, ok := c.Get("key1")
	if !ok || v != "value1" {
		t.Fatalf("expected 'value1', got %v (ok=%v)", v, ok)
	}
	v, ok = c.Get("key2")
	if !ok || v != 42 {
		t.Fatalf("expected 42, got %v (ok=%v)", v, ok)
	}
}

func TestResponseCache_Miss(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	if _, ok := c.Get("nonexistent"); ok {
		t.Fatal("expected cache miss for nonexistent key")
	}
}

func TestResponseCache_TTLWindow(t *testing.T) {
	c, clk := newTestCache(300*time.Second, 0)
	c.Put("GET:http://x/grades:abc", []string{"A"})

	clk.advance(299 * time.Second)
	if _, ok := c.Get("GET:http://x/grades:abc"); !ok {
		t.Fatal("expected hit inside TTL window")
	}

	clk.advance(2 * time.Second)
	if _, ok := c.Get("GET:http://x/grades:abc"); ok {
		t.Fatal("expected miss after TTL elapsed")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be purged on lookup, len=%d", c.Len())
	}
}

func TestResponseCache_PeriodicSweep(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)
	for i := 0; i < 5; i++ {
		c.Put(string(rune('a'+i)), i)
	}
	clk.advance(2 * time.Minute)

	for i := 0; i < 4; i++ {
		c.Put(string(rune('A'+i)), i)
	}
	if c.Len() != 9 {
		t.Fatalf("len = %d before sweep threshold", c.Len())
	}

	c.Put("tenth", 10)
	if c.Len() != 5 {
		t.Errorf("len = %d after sweep, want 5", c.Len())
	}
}

func TestResponseCache_ClearPrefix(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)
	c.Put("GET:a", 1)
	c.Put("GET:b", 2)
	c.Put("POST:c", 3)

	if n := c.Clear("GET:"); n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if _, ok := c.Get("POST:c"); !ok {
		t.Fatal("POST entry should survive a GET-prefix clear")
	}
	if n := c.Clear(""); n != 1 {
		t.Fatalf("expected 1 cleared, got %d", n)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("get", "http://jw/grades", url.Values{"term": {"2024-1"}, "page": {"1"}})
	b := Fingerprint("GET", "http://jw/grades", url.Values{"page": {"1"}, "term": {"2024-1"}})
	if a != b {
		t.Errorf("fingerprint should not depend on param order or method case: %s vs %s", a, b)
	}

	c := Fingerprint("GET", "http://jw/grades", url.Values{"term": {"2024-2"}})
	if a == c {
		t.Error("different params must produce different fingerprints")
	}
	if d := Fingerprint("POST", "http://jw/grades", url.Values{"term": {"2024-1"}, "page": {"1"}}); d == a {
		t.Error("method must be part of the fingerprint")
	}
	if got := Fingerprint("GET", "http://jw", nil); got[:14] != "GET:http://jw:" {
		t.Errorf("unexpected layout %q", got)
	}
}

func TestUnencodableParamsAreNotCached(t *testing.T) {
	a := Fingerprint("POST", "http://jw/grades", map[string]any{"term": make(chan int)})
	b := Fingerprint("POST", "http://jw/grades", map[string]any{"term": func() {}})
	if a != "" || b != "" {
		t.Fatalf("fingerprints = %q, %q; want empty", a, b)
	}

	c := NewResponseCache(time.Minute, 0)
	c.Put(a, "first")
	if _, ok := c.Get(b); ok {
		t.Error("unencodable requests must not share a cache entry")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}
