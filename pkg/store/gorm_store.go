package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"modelgate/pkg/domain"
)

const migrateLockID int64 = 52015201

// GormStore implements UsageStore, ImageStore, and SubscriptionSource using
// GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UsageModel{}, &StoredImageModel{}, &SubscriptionModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetUsage returns the counter row for a user and period.
func (s *GormStore) GetUsage(userID, periodKey string) (domain.UsagePeriod, bool, error) {
	var model UsageModel
	if err := s.db.First(&model, "user_id = ? AND period_key = ?", userID, periodKey).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.UsagePeriod{}, false, nil
		}
		return domain.UsagePeriod{}, false, err
	}
	return usageFromModel(model), true, nil
}

// IncrementUsage adds one to a kind's counter. The upsert pushes the
// increment into a single statement so concurrent requests for the same
// (user, period) never lose updates; a last-writer-wins column assignment
// would.
func (s *GormStore) IncrementUsage(userID, periodKey string, kind domain.UsageKind) error {
	column, err := usageColumn(kind)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	// LastResetAt is stamped on insert only, so a fresh row is never
	// mistaken for one belonging to an earlier reset window.
	model := UsageModel{
		UserID:      userID,
		PeriodKey:   periodKey,
		LastResetAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch kind {
	case domain.KindImage:
		model.ImageCount = 1
	case domain.KindVideo:
		model.VideoCount = 1
	default:
		model.TextCount = 1
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "period_key"}},
		DoUpdates: clause.Assignments(map[string]any{
			column:       gorm.Expr(fmt.Sprintf("usage_models.%s + 1", column)),
			"updated_at": now,
		}),
	}).Create(&model).Error
}

// ResetUsage zeroes a row's counters when its last reset predates
// bucketStart. The guard makes concurrent resets idempotent: the second
// writer matches zero rows.
func (s *GormStore) ResetUsage(userID, periodKey string, bucketStart time.Time) error {
	return s.db.Model(&UsageModel{}).
		Where("user_id = ? AND period_key = ?", userID, periodKey).
		Where("last_reset_at IS NULL OR last_reset_at < ?", bucketStart).
		Updates(map[string]any{
			"text_count":    0,
			"image_count":   0,
			"video_count":   0,
			"last_reset_at": bucketStart,
			"updated_at":    time.Now().UTC(),
		}).Error
}

func usageColumn(kind domain.UsageKind) (string, error) {
	switch kind {
	case domain.KindText:
		return "text_count", nil
	case domain.KindImage:
		return "image_count", nil
	case domain.KindVideo:
		return "video_count", nil
	}
	return "", fmt.Errorf("unknown usage kind %q", kind)
}

// SaveImage stores or updates image metadata.
func (s *GormStore) SaveImage(img domain.StoredImage) error {
	model := imageToModel(img)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "storage_key", "mime", "size_bytes", "attributes"}),
	}).Create(&model).Error
}

// GetImage retrieves image metadata by ID.
func (s *GormStore) GetImage(id string) (domain.StoredImage, bool, error) {
	var model StoredImageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.StoredImage{}, false, nil
		}
		return domain.StoredImage{}, false, err
	}
	return imageFromModel(model), true, nil
}

// ListImagesByOwner returns an owner's images, newest first.
func (s *GormStore) ListImagesByOwner(ownerID string, limit int) ([]domain.StoredImage, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []StoredImageModel
	if err := s.db.Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	images := make([]domain.StoredImage, 0, len(models))
	for _, model := range models {
		images = append(images, imageFromModel(model))
	}
	return images, nil
}

// ActiveSubscription returns the user's active subscription with the latest
// period end.
func (s *GormStore) ActiveSubscription(userID string) (domain.Subscription, bool, error) {
	var model SubscriptionModel
	if err := s.db.Where("user_id = ? AND active = ?", userID, true).
		Order("current_period_end DESC").
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Subscription{}, false, nil
		}
		return domain.Subscription{}, false, err
	}
	return subscriptionFromModel(model), true, nil
}

// LatestSubscription returns the user's most recent subscription, active or
// not.
func (s *GormStore) LatestSubscription(userID string) (domain.Subscription, bool, error) {
	var model SubscriptionModel
	if err := s.db.Where("user_id = ?", userID).
		Order("current_period_end DESC").
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Subscription{}, false, nil
		}
		return domain.Subscription{}, false, err
	}
	return subscriptionFromModel(model), true, nil
}

func usageFromModel(m UsageModel) domain.UsagePeriod {
	return domain.UsagePeriod{
		UserID:      m.UserID,
		PeriodKey:   m.PeriodKey,
		TextCount:   m.TextCount,
		ImageCount:  m.ImageCount,
		VideoCount:  m.VideoCount,
		LastResetAt: m.LastResetAt,
	}
}

func imageToModel(img domain.StoredImage) StoredImageModel {
	attrs, _ := json.Marshal(img.Attributes)
	return StoredImageModel{
		ID:         img.ID,
		OwnerID:    img.OwnerID,
		StorageKey: img.StorageKey,
		MIME:       img.MIME,
		SizeBytes:  img.SizeBytes,
		Attributes: attrs,
		CreatedAt:  img.CreatedAt,
	}
}

func imageFromModel(m StoredImageModel) domain.StoredImage {
	var attrs map[string]string
	if len(m.Attributes) > 0 {
		_ = json.Unmarshal(m.Attributes, &attrs)
	}
	return domain.StoredImage{
		ID:         m.ID,
		OwnerID:    m.OwnerID,
		StorageKey: m.StorageKey,
		MIME:       m.MIME,
		SizeBytes:  m.SizeBytes,
		Attributes: attrs,
		CreatedAt:  m.CreatedAt,
	}
}

func subscriptionFromModel(m SubscriptionModel) domain.Subscription {
	return domain.Subscription{
		UserID:           m.UserID,
		Tier:             domain.PlanTier(m.Tier),
		Active:           m.Active,
		CurrentPeriodEnd: m.CurrentPeriodEnd,
	}
}
