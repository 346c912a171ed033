package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"LLM-Orchestra/internal/session"
)

func TestWindowStart(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name      string
		remaining time.Duration
		want      time.Time
	}{
		{"fresh window", time.Hour, now},
		{"half elapsed", 30 * time.Minute, now.Add(-30 * time.Minute)},
		{"missing ttl", -1, now},
		{"ttl longer than window", 2 * time.Hour, now},
	}
	for _, tc := range cases {
		if got := windowStart(now, time.Hour, tc.remaining); !got.Equal(tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestKeysUsePrefix(t *testing.T) {
	store := NewSessionStore(nil, WithPrefix("team:"))
	if got := store.key("abc"); got != "team:session:abc" {
		t.Fatalf("unexpected session key %q", got)
	}
	counter := NewQuotaCounter(nil, "")
	if got := counter.key("quota:mail"); got != "orchestra:quota:quota:mail" {
		t.Fatalf("unexpected quota key %q", got)
	}
}

func TestConnectRequiresAddress(t *testing.T) {
	if _, err := Connect(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

// 需要真实 Redis，设置 ORCHESTRA_TEST_REDIS_ADDR 后运行。
func testClientConfig(t *testing.T) Config {
	t.Helper()
	addr := os.Getenv("ORCHESTRA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ORCHESTRA_TEST_REDIS_ADDR not set")
	}
	return Config{Addr: addr, Prefix: "orchestra-test-" + uuid.NewString()}
}

func TestSessionStoreAgainstRedis(t *testing.T) {
	cfg := testClientConfig(t)
	ctx := context.Background()
	store, err := OpenSessionStore(ctx, cfg, WithSessionTTL(time.Minute))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if _, err := store.Get(ctx, "s1"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	sc := session.New("s1")
	sc.Record(session.HistoryEntry{Command: "show my calendar"}, nil)
	if err := store.Put(ctx, sc); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if h := loaded.History(); len(h) != 1 || h[0].Command != "show my calendar" {
		t.Fatalf("unexpected history %+v", h)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestQuotaCounterAgainstRedis(t *testing.T) {
	cfg := testClientConfig(t)
	ctx := context.Background()
	client, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	counter := NewQuotaCounter(client, cfg.Prefix)
	if n, _, err := counter.Peek(ctx, "mail", time.Minute); err != nil || n != 0 {
		t.Fatalf("peek before use: n=%d err=%v", n, err)
	}
	for i := int64(1); i <= 3; i++ {
		n, _, err := counter.Incr(ctx, "mail", time.Minute)
		if err != nil || n != i {
			t.Fatalf("incr %d: n=%d err=%v", i, n, err)
		}
	}
	n, start, err := counter.Peek(ctx, "mail", time.Minute)
	if err != nil || n != 3 {
		t.Fatalf("peek: n=%d err=%v", n, err)
	}
	if time.Since(start) > time.Minute {
		t.Fatalf("window start too old: %v", start)
	}
	client.Del(ctx, counter.key("mail"))
}
