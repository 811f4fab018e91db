package store

import (
	"sort"
	"sync"
	"time"

	"modelgate/pkg/domain"
)

// MemoryStore is an in-memory implementation of UsageStore, ImageStore, and
// SubscriptionSource for tests and single-process development.
type MemoryStore struct {
	// Now is the row-creation time source. Test hook.
	Now func() time.Time

	mu            sync.Mutex
	usage         map[string]domain.UsagePeriod
	images        map[string]domain.StoredImage
	subscriptions map[string][]domain.Subscription
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:           time.Now,
		usage:         map[string]domain.UsagePeriod{},
		images:        map[string]domain.StoredImage{},
		subscriptions: map[string][]domain.Subscription{},
	}
}

func usageKey(userID, periodKey string) string { return userID + "\x00" + periodKey }

// GetUsage returns the counter row for a user and period.
func (s *MemoryStore) GetUsage(userID, periodKey string) (domain.UsagePeriod, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.usage[usageKey(userID, periodKey)]
	return row, ok, nil
}

// IncrementUsage adds one to a kind's counter under the store lock.
func (s *MemoryStore) IncrementUsage(userID, periodKey string, kind domain.UsageKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := usageKey(userID, periodKey)
	row, ok := s.usage[key]
	if !ok {
		// Stamp creation so a fresh row is never mistaken for one
		// belonging to an earlier reset window.
		row = domain.UsagePeriod{UserID: userID, PeriodKey: periodKey, LastResetAt: s.Now().UTC()}
	}
	switch kind {
	case domain.KindImage:
		row.ImageCount++
	case domain.KindVideo:
		row.VideoCount++
	default:
		row.TextCount++
	}
	s.usage[key] = row
	return nil
}

// ResetUsage zeroes counters of a row whose last reset predates bucketStart.
func (s *MemoryStore) ResetUsage(userID, periodKey string, bucketStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := usageKey(userID, periodKey)
	row, ok := s.usage[key]
	if !ok || !row.LastResetAt.Before(bucketStart) {
		return nil
	}
	row.TextCount = 0
	row.ImageCount = 0
	row.VideoCount = 0
	row.LastResetAt = bucketStart
	s.usage[key] = row
	return nil
}

// SaveImage stores or updates image metadata.
func (s *MemoryStore) SaveImage(img domain.StoredImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[img.ID] = img
	return nil
}

// GetImage retrieves image metadata by ID.
func (s *MemoryStore) GetImage(id string) (domain.StoredImage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	return img, ok, nil
}

// ListImagesByOwner returns an owner's images, newest first.
func (s *MemoryStore) ListImagesByOwner(ownerID string, limit int) ([]domain.StoredImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var images []domain.StoredImage
	for _, img := range s.images {
		if img.OwnerID == ownerID {
			images = append(images, img)
		}
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].CreatedAt.After(images[j].CreatedAt)
	})
	if len(images) > limit {
		images = images[:limit]
	}
	return images, nil
}

// PutSubscription records a subscription for lookup. Test helper.
func (s *MemoryStore) PutSubscription(sub domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.UserID] = append(s.subscriptions[sub.UserID], sub)
}

// ActiveSubscription returns the user's active subscription with the latest
// period end.
func (s *MemoryStore) ActiveSubscription(userID string) (domain.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best domain.Subscription
	found := false
	for _, sub := range s.subscriptions[userID] {
		if !sub.Active {
			continue
		}
		if !found || sub.CurrentPeriodEnd.After(best.CurrentPeriodEnd) {
			best = sub
			found = true
		}
	}
	return best, found, nil
}

// LatestSubscription returns the user's most recent subscription, active or
// not.
func (s *MemoryStore) LatestSubscription(userID string) (domain.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best domain.Subscription
	found := false
	for _, sub := range s.subscriptions[userID] {
		if !found || sub.CurrentPeriodEnd.After(best.CurrentPeriodEnd) {
			best = sub
			found = true
		}
	}
	return best, found, nil
}
