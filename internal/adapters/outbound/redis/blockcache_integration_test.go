//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/archon-research/stl/stl-slots/internal/domain/entity"
	waitutil "github.com/archon-research/stl/stl-slots/internal/pkg/testutil"
	"github.com/archon-research/stl/stl-slots/internal/testutil"
)

func setupRedis(t *testing.T, ttl time.Duration) *BlockCache {
	t.Helper()

	addr, cleanup := testutil.StartRedis(t)
	t.Cleanup(cleanup)

	cache, err := NewBlockCache(Config{Addr: addr, TTL: ttl, KeyPrefix: "test"}, nil)
	if err != nil {
		t.Fatalf("failed to create block cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	ctx := context.Background()
	for i := 0; i < 30; i++ {
		if err := cache.Ping(ctx); err == nil {
			return cache
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("timed out waiting for redis")
	return nil
}

func TestBlockCache_SetAndGet(t *testing.T) {
	cache := setupRedis(t, time.Hour)
	ctx := context.Background()

	height := uint64(900)
	block := &entity.BlockRecord{
		Slot:              1000,
		ParentSlot:        999,
		BlockHeight:       &height,
		Blockhash:         "hash-1000",
		PreviousBlockhash: "hash-999",
		TransactionCount:  12,
	}
	if err := cache.SetBlock(ctx, block); err != nil {
		t.Fatalf("SetBlock failed: %v", err)
	}

	got, err := cache.GetBlock(ctx, 1000)
	if err != nil {
		t.Fatalf("GetBlock failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected cached block")
	}
	if got.ParentSlot != 999 || got.Blockhash != "hash-1000" || got.TransactionCount != 12 {
		t.Errorf("unexpected cached block: %+v", got)
	}
	if got.BlockHeight == nil || *got.BlockHeight != 900 {
		t.Errorf("unexpected block height: %v", got.BlockHeight)
	}
}

func TestBlockCache_MissReturnsNil(t *testing.T) {
	cache := setupRedis(t, time.Hour)

	got, err := cache.GetBlock(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetBlock failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestBlockCache_CorruptEntryIsMiss(t *testing.T) {
	cache := setupRedis(t, time.Hour)
	ctx := context.Background()

	if err := cache.client.Set(ctx, cache.key(5), "not-json", time.Hour).Err(); err != nil {
		t.Fatalf("raw set failed: %v", err)
	}

	got, err := cache.GetBlock(ctx, 5)
	if err != nil || got != nil {
		t.Fatalf("expected miss, got %+v (err=%v)", got, err)
	}
	if n, _ := cache.client.Exists(ctx, cache.key(5)).Result(); n != 0 {
		t.Error("expected corrupt entry to be deleted")
	}
}

func TestBlockCache_TTLExpires(t *testing.T) {
	cache := setupRedis(t, time.Second)
	ctx := context.Background()

	if err := cache.SetBlock(ctx, &entity.BlockRecord{Slot: 7, ParentSlot: 6}); err != nil {
		t.Fatalf("SetBlock failed: %v", err)
	}

	ok := waitutil.WaitFor(t, 5*time.Second, 100*time.Millisecond, func() bool {
		got, err := cache.GetBlock(ctx, 7)
		return err == nil && got == nil
	})
	if !ok {
		t.Fatal("expected block to expire")
	}
}

func TestBlockCache_DeleteBlock(t *testing.T) {
	cache := setupRedis(t, time.Hour)
	ctx := context.Background()

	if err := cache.SetBlock(ctx, &entity.BlockRecord{Slot: 8, ParentSlot: 7}); err != nil {
		t.Fatalf("SetBlock failed: %v", err)
	}
	if err := cache.DeleteBlock(ctx, 8); err != nil {
		t.Fatalf("DeleteBlock failed: %v", err)
	}
	if got, _ := cache.GetBlock(ctx, 8); got != nil {
		t.Error("expected block to be deleted")
	}
}
