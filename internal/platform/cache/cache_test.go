package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

func TestMemory_SetGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, ok, _ := m.Get(ctx, "missing"); ok {
		t.Fatal("expected miss")
	}
	if err := m.Set(ctx, "k", "1", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || v != "1" {
		t.Errorf("expected hit with 1, got %q %v %v", v, ok, err)
	}
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_ = m.Set(ctx, "a", "1", time.Minute)
	_ = m.Set(ctx, "b", "0", time.Hour)

	now = now.Add(time.Minute)
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Error("entry should expire at its ttl")
	}
	if m.Len() != 1 {
		t.Errorf("expired entry should be dropped on read, len %d", m.Len())
	}

	now = now.Add(time.Hour)
	m.sweep()
	if m.Len() != 0 {
		t.Errorf("sweep should drop expired entries, len %d", m.Len())
	}
}

type fakeRedis struct {
	data   map[string]string
	ttl    map[string]time.Duration
	getErr error
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	switch v, ok := f.data[key]; {
	case f.getErr != nil:
		cmd.SetErr(f.getErr)
	case !ok:
		cmd.SetErr(redis.Nil)
	default:
		cmd.SetVal(v)
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.data[key] = value.(string)
	f.ttl[key] = ttl
	cmd := redis.NewStatusCmd(ctx, "set", key, value)
	cmd.SetVal("OK")
	return cmd
}

func TestRedis_PrefixAndMiss(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{data: map[string]string{}, ttl: map[string]time.Duration{}}
	r := &Redis{client: fake, prefix: "practice:"}

	if _, ok, err := r.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected clean miss, got %v %v", ok, err)
	}
	if err := r.Set(ctx, "k", "1", 30*time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.data["practice:k"] != "1" || fake.ttl["practice:k"] != 30*time.Minute {
		t.Errorf("expected prefixed key with ttl, got %v %v", fake.data, fake.ttl)
	}
	v, ok, err := r.Get(ctx, "k")
	if err != nil || !ok || v != "1" {
		t.Errorf("expected hit, got %q %v %v", v, ok, err)
	}
}

func TestRedis_Error(t *testing.T) {
	fake := &fakeRedis{data: map[string]string{}, ttl: map[string]time.Duration{}, getErr: errors.New("i/o timeout")}
	r := &Redis{client: fake}
	if _, _, err := r.Get(context.Background(), "k"); err == nil {
		t.Error("expected error to surface")
	}
}
