package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

func TestKey_StableAndLocaleScoped(t *testing.T) {
	a := Key("Hello world", "fr")
	b := Key("Hello world", "fr")
	if a != b {
		t.Error("key should be deterministic")
	}
	if Key("Hello world", "de") == a {
		t.Error("different locales must map to different keys")
	}
	if !strings.HasSuffix(a, ":fr") {
		t.Errorf("key = %q, want locale suffix", a)
	}
}

func TestMemoryCache_RoundTrip(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()

	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("empty cache should miss")
	}
	if err := c.Set(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	if v, ok := c.Get(ctx, "k"); !ok || v != "v" {
		t.Errorf("get = %q ok=%v", v, ok)
	}

	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("len = %d after clear", c.Len())
	}
}

func TestRedisCache_GetHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	c := NewRedisFromClient(db, 3600, "test:")
	mock.ExpectGet("test:mykey").SetVal("myvalue")

	v, ok := c.Get(context.Background(), "mykey")
	if !ok || v != "myvalue" {
		t.Errorf("get = %q ok=%v", v, ok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRedisCache_GetMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	c := NewRedisFromClient(db, 3600, "test:")
	mock.ExpectGet("test:mykey").RedisNil()

	if _, ok := c.Get(context.Background(), "mykey"); ok {
		t.Error("expected miss")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRedisCache_SetWithTTL(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	c := NewRedisFromClient(db, 3600, "test:")
	mock.ExpectSet("test:mykey", "myvalue", 3600*time.Second).SetVal("OK")

	if err := c.Set(context.Background(), "mykey", "myvalue"); err != nil {
		t.Errorf("set failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRedisCache_SetNoTTL(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer db.Close()

	c := NewRedisFromClient(db, 0, "test:")
	mock.ExpectSet("test:mykey", "myvalue", time.Duration(0)).SetVal("OK")

	if err := c.Set(context.Background(), "mykey", "myvalue"); err != nil {
		t.Errorf("set failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLookup_UsesHashedKey(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	if err := c.Set(ctx, Key("Hello", "uk"), "Привіт"); err != nil {
		t.Fatal(err)
	}

	l := NewLookup(c)
	if l.Name() != "cache" {
		t.Errorf("name = %q", l.Name())
	}
	text, ok := l.Existing(ctx, "uk", "greeting", "Hello")
	if !ok || text != "Привіт" {
		t.Errorf("existing = %q ok=%v", text, ok)
	}
	if _, ok := l.Existing(ctx, "de", "greeting", "Hello"); ok {
		t.Error("wrong locale should miss")
	}
}
