package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"modelgate/pkg/domain"
	"modelgate/pkg/store"
)

// freePeriodKey is the single counter row a free user accumulates into. The
// row is never keyed by bucket; instead BucketStart re-derives the current
// window on every read and the row is zeroed when its last reset predates it.
const freePeriodKey = "free"

// DefaultGracePeriod is how long a lapsed paid subscription keeps its
// allowance after expiry.
const DefaultGracePeriod = 3 * 24 * time.Hour

// UnlimitedRemaining marks a decision with no cap.
const UnlimitedRemaining = -1

// Plan carries the per-kind caps of one billing tier. A missing kind or a
// negative cap means unlimited.
type Plan struct {
	Tier   domain.PlanTier
	Limits map[domain.UsageKind]int
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool
	Remaining int
	Grace     bool
	Tier      domain.PlanTier
	PeriodKey string
}

// LimitError reports a denied quota check. Remaining is the unused quota at
// denial time, never negative.
type LimitError struct {
	Kind      domain.UsageKind
	Tier      domain.PlanTier
	Remaining int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("usage limit exceeded for %s on tier %s", e.Kind, e.Tier)
}

// Meter enforces tiered quotas per usage kind. The check and the subsequent
// increment are deliberately not one transaction: concurrent requests may
// both pass the check and both increment, a bounded overshoot accepted to
// avoid serializing all traffic. Lost updates are prevented at the data
// layer, where the increment is a single atomic statement.
type Meter struct {
	usage  store.UsageStore
	subs   store.SubscriptionSource
	plans  map[domain.PlanTier]Plan
	grace  time.Duration
	events EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// MeterOption configures a Meter.
type MeterOption func(*Meter)

// WithGracePeriod overrides the lapsed-subscription allowance window.
func WithGracePeriod(d time.Duration) MeterOption {
	return func(m *Meter) { m.grace = d }
}

// WithEventPublisher attaches a publisher for usage events.
func WithEventPublisher(p EventPublisher) MeterOption {
	return func(m *Meter) { m.events = p }
}

// WithClock overrides the meter's time source. Test hook.
func WithClock(now func() time.Time) MeterOption {
	return func(m *Meter) { m.now = now }
}

// NewMeter builds a quota meter over usage counters and subscription state.
func NewMeter(usage store.UsageStore, subs store.SubscriptionSource, plans []Plan, options ...MeterOption) *Meter {
	m := &Meter{
		usage:  usage,
		subs:   subs,
		plans:  make(map[domain.PlanTier]Plan, len(plans)),
		grace:  DefaultGracePeriod,
		events: NopPublisher{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, plan := range plans {
		m.plans[plan.Tier] = plan
	}
	for _, option := range options {
		if option != nil {
			option(m)
		}
	}
	return m
}

// BucketStart returns the start of the 12-hour UTC window containing t.
// Windows are anchored at 00:00 and 12:00 UTC regardless of host timezone.
func BucketStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if t.Hour() >= 12 {
		return day.Add(12 * time.Hour)
	}
	return day
}

// PeriodKey returns the counter-row key for a tier at time t: the calendar
// month for paid tiers, a fixed key for the free tier.
func PeriodKey(tier domain.PlanTier, t time.Time) string {
	if tier == domain.TierFree {
		return freePeriodKey
	}
	return t.UTC().Format("2006-01")
}

// CheckLimit decides whether one more generation of the given kind is
// allowed for the user right now. A user with no subscription record in any
// state is metered as free tier; an empty user ID is allowed without
// tracking so not-yet-synced accounts never hard-fail.
func (m *Meter) CheckLimit(ctx context.Context, userID string, kind domain.UsageKind) (Decision, error) {
	if userID == "" {
		return Decision{Allowed: true, Remaining: UnlimitedRemaining, Tier: domain.TierFree}, nil
	}

	tier, grace, err := m.resolveTier(userID)
	if err != nil {
		return Decision{}, err
	}
	now := m.now().UTC()
	periodKey := PeriodKey(tier, now)

	limit, limited := m.limitFor(tier, kind)
	if !limited {
		return Decision{Allowed: true, Remaining: UnlimitedRemaining, Grace: grace, Tier: tier, PeriodKey: periodKey}, nil
	}

	used, err := m.currentCount(userID, tier, periodKey, kind, now)
	if err != nil {
		return Decision{}, err
	}

	if used >= limit {
		if grace {
			m.logger.Warn("usage allowed during grace period",
				"userId", userID, "kind", string(kind), "tier", string(tier), "used", used, "limit", limit)
			m.publish(ctx, "usage.grace", Event{
				UserID: userID, Kind: kind, Tier: tier, PeriodKey: periodKey, Grace: true, At: now,
			})
			return Decision{Allowed: true, Remaining: 0, Grace: true, Tier: tier, PeriodKey: periodKey}, nil
		}
		return Decision{Allowed: false, Remaining: 0, Tier: tier, PeriodKey: periodKey}, nil
	}
	return Decision{Allowed: true, Remaining: limit - used, Grace: grace, Tier: tier, PeriodKey: periodKey}, nil
}

// TrackUsage records one completed generation. Failures are logged and
// swallowed so accounting problems never fail a request that already
// produced output.
func (m *Meter) TrackUsage(ctx context.Context, userID string, kind domain.UsageKind) {
	if userID == "" {
		return
	}
	tier, _, err := m.resolveTier(userID)
	if err != nil {
		m.logger.Error("resolve tier for tracking", "userId", userID, "error", err)
		return
	}
	now := m.now().UTC()
	periodKey := PeriodKey(tier, now)
	if err := m.usage.IncrementUsage(userID, periodKey, kind); err != nil {
		m.logger.Error("track usage", "userId", userID, "kind", string(kind), "error", err)
		return
	}
	m.publish(ctx, "usage.tracked", Event{
		UserID: userID, Kind: kind, Tier: tier, PeriodKey: periodKey, At: now,
	})
}

// CurrentUsage reports a user's counters and caps for the current period,
// applying the free-tier reset-on-read first.
func (m *Meter) CurrentUsage(userID string) (domain.UsagePeriod, Plan, error) {
	tier, _, err := m.resolveTier(userID)
	if err != nil {
		return domain.UsagePeriod{}, Plan{}, err
	}
	now := m.now().UTC()
	periodKey := PeriodKey(tier, now)
	if tier == domain.TierFree {
		if err := m.maybeResetFreeBucket(userID, now); err != nil {
			return domain.UsagePeriod{}, Plan{}, err
		}
	}
	row, ok, err := m.usage.GetUsage(userID, periodKey)
	if err != nil {
		return domain.UsagePeriod{}, Plan{}, err
	}
	if !ok {
		row = domain.UsagePeriod{UserID: userID, PeriodKey: periodKey}
	}
	return row, m.plans[tier], nil
}

func (m *Meter) resolveTier(userID string) (domain.PlanTier, bool, error) {
	sub, ok, err := m.subs.ActiveSubscription(userID)
	if err != nil {
		return "", false, fmt.Errorf("active subscription: %w", err)
	}
	if ok {
		return sub.Tier, false, nil
	}
	latest, ok, err := m.subs.LatestSubscription(userID)
	if err != nil {
		return "", false, fmt.Errorf("latest subscription: %w", err)
	}
	if ok && latest.Tier != domain.TierFree {
		lapsed := m.now().UTC().Sub(latest.CurrentPeriodEnd)
		if lapsed >= 0 && lapsed <= m.grace {
			return latest.Tier, true, nil
		}
	}
	return domain.TierFree, false, nil
}

func (m *Meter) limitFor(tier domain.PlanTier, kind domain.UsageKind) (int, bool) {
	plan, ok := m.plans[tier]
	if !ok {
		return 0, false
	}
	limit, ok := plan.Limits[kind]
	if !ok || limit < 0 {
		return 0, false
	}
	return limit, true
}

func (m *Meter) currentCount(userID string, tier domain.PlanTier, periodKey string, kind domain.UsageKind, now time.Time) (int, error) {
	if tier == domain.TierFree {
		if err := m.maybeResetFreeBucket(userID, now); err != nil {
			return 0, err
		}
	}
	row, ok, err := m.usage.GetUsage(userID, periodKey)
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return row.Count(kind), nil
}

// maybeResetFreeBucket zeroes the free row when a new 12-hour window has
// started. The store guard keeps a retried reset to zero a no-op, so
// concurrent readers crossing the boundary are safe.
func (m *Meter) maybeResetFreeBucket(userID string, now time.Time) error {
	bucket := BucketStart(now)
	row, ok, err := m.usage.GetUsage(userID, freePeriodKey)
	if err != nil {
		return fmt.Errorf("get usage: %w", err)
	}
	if !ok || !row.LastResetAt.Before(bucket) {
		return nil
	}
	if err := m.usage.ResetUsage(userID, freePeriodKey, bucket); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	return nil
}

func (m *Meter) publish(ctx context.Context, routingKey string, event Event) {
	if err := m.events.Publish(ctx, routingKey, event); err != nil {
		m.logger.Warn("publish usage event", "routingKey", routingKey, "error", err)
	}
}
