package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mathedit-labs/mathedit/internal/document"
)

// ErrUnknownAuthor indicates that no author record exists for the identifier.
var ErrUnknownAuthor = errors.New("users: unknown author")

// Author captures an author reference observed in revisions or cloud
// documents, kept so names render without a network dependency.
type Author struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string `gorm:"column:display_name;size:320;not null;default:''"`
	FirstSeenMs int64  `gorm:"column:first_seen_ms;not null"`
	LastSeenMs  int64  `gorm:"column:last_seen_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Author) TableName() string {
	return "document_authors"
}

// RegistryConfig describes the dependencies required by the author registry.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Registry records author references as they are observed.
type Registry struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewRegistry constructs the registry with validated configuration.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Remember upserts the author reference, refreshing the display name when the
// incoming reference carries one.
func (r *Registry) Remember(ctx context.Context, ref document.UserRef) error {
	if ref.ID == "" {
		return document.ErrInvalidUserRef
	}
	nowMs := r.now().UTC().UnixMilli()
	record := Author{
		UserID:      ref.ID,
		DisplayName: ref.Name,
		FirstSeenMs: nowMs,
		LastSeenMs:  nowMs,
	}
	assignments := []string{"last_seen_ms"}
	if ref.Name != "" {
		assignments = append(assignments, "display_name")
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(assignments),
	}).Create(&record).Error
	if err != nil {
		return err
	}
	if ref.Name != "" {
		r.cache.Store(ref.ID, document.UserRef{ID: ref.ID, Name: ref.Name})
	}
	return nil
}

// Lookup resolves a user id to the last reference remembered for it.
func (r *Registry) Lookup(ctx context.Context, userID string) (document.UserRef, error) {
	if cached, ok := r.cache.Load(userID); ok {
		if ref, ok := cached.(document.UserRef); ok {
			return ref, nil
		}
	}

	var record Author
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return document.UserRef{}, fmt.Errorf("%w: %s", ErrUnknownAuthor, userID)
	}
	if err != nil {
		return document.UserRef{}, err
	}

	ref := document.UserRef{ID: record.UserID, Name: record.DisplayName}
	r.cache.Store(userID, ref)
	return ref, nil
}
