package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func TestGetWithinTTL(t *testing.T) {
	clock := newClock()
	c := New[int](WithClock[int](clock.Now))

	if _, ok := c.Get("prices"); ok {
		t.Fatal("empty cache should miss")
	}
	if err := c.Put(context.Background(), "prices", 42, 5*time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	clock.Advance(4*time.Minute + 59*time.Second)
	got, ok := c.Get("prices")
	if !ok || got != 42 {
		t.Fatalf("expected fresh hit 42, got %d %v", got, ok)
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("prices"); ok {
		t.Fatal("entry at exactly ttl must be expired")
	}
}

func TestStaleSurvivesExpiry(t *testing.T) {
	clock := newClock()
	c := New[string](WithClock[string](clock.Now))
	_ = c.Put(context.Background(), "sentiment", "Greed", time.Minute)
	fetched := clock.now

	clock.Advance(time.Hour)
	value, at, ok := c.Stale("sentiment")
	if !ok || value != "Greed" || !at.Equal(fetched) {
		t.Fatalf("stale lookup failed: %q %v %v", value, at, ok)
	}
	if _, _, ok := c.Stale("missing"); ok {
		t.Fatal("missing key must not report stale value")
	}
}

func TestKeysHaveIndependentTTL(t *testing.T) {
	clock := newClock()
	c := New[int](WithClock[int](clock.Now))
	_ = c.Put(context.Background(), "prices", 1, 5*time.Minute)
	clock.Advance(4 * time.Minute)
	_ = c.Put(context.Background(), "sentiment", 2, 5*time.Minute)
	clock.Advance(2 * time.Minute)

	if _, ok := c.Get("prices"); ok {
		t.Fatal("prices should have expired on its own window")
	}
	if _, ok := c.Get("sentiment"); !ok {
		t.Fatal("sentiment refresh must not be affected by prices")
	}
	if !c.LastRefresh().Equal(clock.now.Add(-2 * time.Minute)) {
		t.Fatalf("unexpected last refresh: %v", c.LastRefresh())
	}
}

func TestMirrorRoundTrip(t *testing.T) {
	clock := newClock()
	mirror := NewRedisMirror(newFakeRedis(), "")
	writer := New[map[string]int](WithClock[map[string]int](clock.Now), WithMirror[map[string]int](mirror))

	if err := writer.Put(context.Background(), "prices", map[string]int{"BTC": 1}, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	clock.Advance(10 * time.Minute)
	reader := New[map[string]int](WithClock[map[string]int](clock.Now), WithMirror[map[string]int](mirror))
	found, err := reader.Restore(context.Background(), "prices")
	if err != nil || !found {
		t.Fatalf("restore: %v %v", found, err)
	}
	if _, ok := reader.Get("prices"); ok {
		t.Fatal("restored entry keeps its original fetch time and is expired")
	}
	value, _, ok := reader.Stale("prices")
	if !ok || value["BTC"] != 1 {
		t.Fatalf("restored stale value missing: %v", value)
	}

	found, err = reader.Restore(context.Background(), "sentiment")
	if err != nil || found {
		t.Fatalf("absent key should not restore: %v %v", found, err)
	}
}

func TestPutReportsMirrorError(t *testing.T) {
	redisFake := newFakeRedis()
	redisFake.setErr = errors.New("down")
	c := New[int](WithMirror[int](NewRedisMirror(redisFake, "p:")))

	if err := c.Put(context.Background(), "prices", 7, time.Minute); err == nil {
		t.Fatal("mirror failure should be reported")
	}
	if got, ok := c.Get("prices"); !ok || got != 7 {
		t.Fatal("memory write must succeed despite mirror failure")
	}
}

func TestDialRedisRequiresAddr(t *testing.T) {
	if _, err := DialRedis(context.Background(), RedisOptions{}); err == nil {
		t.Fatal("empty addr should fail")
	}
}

func TestDialRedisParsesURL(t *testing.T) {
	origNew, origPing := newRedisClient, pingRedis
	t.Cleanup(func() {
		newRedisClient = origNew
		pingRedis = origPing
	})

	var captured string
	newRedisClient = func(opts *redis.Options) *redis.Client {
		captured = opts.Addr
		return redis.NewClient(opts)
	}
	pingRedis = func(ctx context.Context, client *redis.Client) error { return nil }

	client, err := DialRedis(context.Background(), RedisOptions{Addr: "redis://cache:6380/2"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if captured != "cache:6380" {
		t.Fatalf("expected parsed addr, got %s", captured)
	}
}

type fakeRedis struct {
	data   map[string][]byte
	setErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string][]byte)}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = append([]byte(nil), v...)
	case string:
		f.data[key] = []byte(v)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if v, ok := f.data[key]; ok {
		return redis.NewStringResult(string(v), nil)
	}
	return redis.NewStringResult("", redis.Nil)
}
