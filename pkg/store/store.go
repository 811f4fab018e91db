package store

import (
	"time"

	"modelgate/pkg/domain"
)

// UsageStore persists per-(user, period) generation counters.
type UsageStore interface {
	// GetUsage returns the counter row for a user and period key.
	GetUsage(userID, periodKey string) (domain.UsagePeriod, bool, error)
	// IncrementUsage adds one to the counter for a kind. The increment is a
	// single atomic statement at the data layer; concurrent callers for the
	// same row must not lose updates.
	IncrementUsage(userID, periodKey string, kind domain.UsageKind) error
	// ResetUsage zeroes all counters of a row whose last reset predates
	// bucketStart and stamps last_reset_at. Rows already reset at or after
	// bucketStart are left untouched, so concurrent resets are no-ops.
	ResetUsage(userID, periodKey string, bucketStart time.Time) error
}

// ImageStore persists stored-image metadata.
type ImageStore interface {
	SaveImage(domain.StoredImage) error
	GetImage(id string) (domain.StoredImage, bool, error)
	ListImagesByOwner(ownerID string, limit int) ([]domain.StoredImage, error)
}

// SubscriptionSource exposes externally owned billing state. The gateway
// reads it but never writes it.
type SubscriptionSource interface {
	// ActiveSubscription returns the user's currently active subscription.
	ActiveSubscription(userID string) (domain.Subscription, bool, error)
	// LatestSubscription returns the most recent subscription regardless of
	// state, used to decide grace-period eligibility after expiry.
	LatestSubscription(userID string) (domain.Subscription, bool, error)
}
