package store

import (
	"sync"
	"testing"
	"time"

	"modelgate/pkg/domain"
)

func TestMemoryStoreIncrementIsLossless(t *testing.T) {
	s := NewMemoryStore()
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementUsage("u1", "2026-08", domain.KindText); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()
	row, ok, err := s.GetUsage("u1", "2026-08")
	if err != nil || !ok {
		t.Fatalf("get usage: ok=%v err=%v", ok, err)
	}
	if row.TextCount != n {
		t.Fatalf("text count = %d, want %d", row.TextCount, n)
	}
}

func TestMemoryStoreResetIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	s.Now = func() time.Time { return time.Date(2026, 8, 29, 11, 0, 0, 0, time.UTC) }
	if err := s.IncrementUsage("u1", "free", domain.KindImage); err != nil {
		t.Fatalf("increment: %v", err)
	}
	bucket := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := s.ResetUsage("u1", "free", bucket); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
	}
	row, _, _ := s.GetUsage("u1", "free")
	if row.ImageCount != 0 {
		t.Fatalf("image count = %d after reset", row.ImageCount)
	}
	if !row.LastResetAt.Equal(bucket) {
		t.Fatalf("last reset = %v, want %v", row.LastResetAt, bucket)
	}

	// A later increment must survive a retried reset for the same bucket.
	if err := s.IncrementUsage("u1", "free", domain.KindImage); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.ResetUsage("u1", "free", bucket); err != nil {
		t.Fatalf("reset: %v", err)
	}
	row, _, _ = s.GetUsage("u1", "free")
	if row.ImageCount != 1 {
		t.Fatalf("image count = %d, want 1", row.ImageCount)
	}
}

func TestMemoryStoreSubscriptionLookups(t *testing.T) {
	s := NewMemoryStore()
	s.PutSubscription(domain.Subscription{
		UserID: "u1", Tier: domain.TierPlus, Active: false,
		CurrentPeriodEnd: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	})
	s.PutSubscription(domain.Subscription{
		UserID: "u1", Tier: domain.TierPro, Active: false,
		CurrentPeriodEnd: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})

	if _, ok, _ := s.ActiveSubscription("u1"); ok {
		t.Fatal("expected no active subscription")
	}
	sub, ok, _ := s.LatestSubscription("u1")
	if !ok || sub.Tier != domain.TierPro {
		t.Fatalf("latest = %+v ok=%v", sub, ok)
	}
}

func TestMemoryStoreImageOwnership(t *testing.T) {
	s := NewMemoryStore()
	img := domain.StoredImage{ID: "img1", OwnerID: "u1", MIME: "image/png", CreatedAt: time.Now()}
	if err := s.SaveImage(img); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.GetImage("img1")
	if err != nil || !ok || got.OwnerID != "u1" {
		t.Fatalf("get = %+v ok=%v err=%v", got, ok, err)
	}
	list, err := s.ListImagesByOwner("u1", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v err=%v", list, err)
	}
}
