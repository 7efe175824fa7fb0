package cache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestCache(t *testing.T) (*StateCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := NewStateCache("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("failed to create state cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func TestNewStateCache(t *testing.T) {
	c, _ := setupTestCache(t)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewStateCacheBadURL(t *testing.T) {
	if _, err := NewStateCache("not-a-url", 0); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestSaveAndLoad(t *testing.T) {
	c, s := setupTestCache(t)
	ctx := context.Background()
	state := bytes.Repeat([]byte("abcdefgh"), 512)

	if err := c.Save(ctx, "ws/p/doc", state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	raw, err := s.Get("docsync:state:ws/p/doc")
	if err != nil {
		t.Fatalf("raw key missing: %v", err)
	}
	if len(raw) >= len(state) {
		t.Errorf("expected compressed value, got %d bytes for %d", len(raw), len(state))
	}

	got, err := c.Load(ctx, "ws/p/doc")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(got, state) {
		t.Fatal("loaded state differs from saved state")
	}
}

func TestLoadMiss(t *testing.T) {
	c, _ := setupTestCache(t)
	if _, err := c.Load(context.Background(), "nope"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestStateExpires(t *testing.T) {
	c, s := setupTestCache(t)
	ctx := context.Background()
	if err := c.Save(ctx, "room", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.FastForward(2 * time.Hour)
	if _, err := c.Load(ctx, "room"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after ttl, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()
	if err := c.Save(ctx, "room", []byte{1}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := c.Delete(ctx, "room"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Load(ctx, "room"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after delete, got %v", err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	c, s := setupTestCache(t)
	if err := s.Set("docsync:state:room", "not zstd"); err != nil {
		t.Fatal(err)
	}
	_, err := c.Load(context.Background(), "room")
	if err == nil || errors.Is(err, ErrMiss) {
		t.Fatalf("expected decompression error, got %v", err)
	}
}
