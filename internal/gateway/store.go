package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabdoc/internal/models"
)

// OrganizationRecord is an organization row. Expert organizations have no
// author cap.
type OrganizationRecord struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Expert    bool
	CreatedAt time.Time
}

func (OrganizationRecord) TableName() string { return "organizations" }

// MemberRecord links a user to an organization.
type MemberRecord struct {
	UserID       string `gorm:"primaryKey"`
	Organization string `gorm:"primaryKey"`
	ReadOnly     bool
}

func (MemberRecord) TableName() string { return "organization_members" }

// ArticleRecord is the stored form of an article.
type ArticleRecord struct {
	ID            string   `gorm:"primaryKey"`
	Organization  string   `gorm:"index;not null"`
	Lang          string   `gorm:"index"`
	Title         string   `gorm:"size:100"`
	Content       string   `gorm:"type:text"`
	Tags          []string `gorm:"serializer:json"`
	RTL           bool
	AccessMode    int
	Access        []models.AccessEntry `gorm:"serializer:json"`
	ClientVisible bool
	Contributors  []string `gorm:"serializer:json"`
	Message       string
	WIP           bool
	UpdatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (ArticleRecord) TableName() string { return "articles" }

// Store is a database-backed gateway for deployments without the article
// backend.
type Store struct {
	DB *gorm.DB
}

// OpenStore connects with the named driver ("postgres" or "sqlite") and
// migrates the schema.
func OpenStore(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewStore(db)
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&OrganizationRecord{}, &MemberRecord{}, &ArticleRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Organization(ctx context.Context, p models.Principal) (models.Entitlement, error) {
	var org OrganizationRecord
	err := s.DB.WithContext(ctx).First(&org, "id = ?", p.Organization).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Entitlement{}, nil
	}
	if err != nil {
		return models.Entitlement{}, err
	}
	return models.Entitlement{Entitled: org.Expert}, nil
}

func (s *Store) LoadArticle(ctx context.Context, p models.Principal, ref models.DocRef) (*models.Snapshot, error) {
	q := s.DB.WithContext(ctx).Where("id = ? AND organization = ?", ref.ID, p.Organization)
	if ref.Lang != "" {
		q = q.Where("lang = ?", ref.Lang)
	}
	var rec ArticleRecord
	err := q.First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &models.Snapshot{
		ID:            rec.ID,
		Lang:          rec.Lang,
		Title:         rec.Title,
		Content:       []byte(rec.Content),
		Tags:          rec.Tags,
		RTL:           rec.RTL,
		AccessMode:    models.AccessMode(rec.AccessMode),
		Access:        rec.Access,
		ClientVisible: rec.ClientVisible,
	}, nil
}

// SaveArticle upserts the article, assigning an id to new ones.
func (s *Store) SaveArticle(ctx context.Context, p models.Principal, payload models.SavePayload) (models.SaveResult, error) {
	id := payload.ID
	if id == "" {
		id = uuid.NewString()
	}
	rec := ArticleRecord{
		ID:            id,
		Organization:  p.Organization,
		Lang:          payload.Lang,
		Title:         payload.Title,
		Content:       string(payload.Content),
		Tags:          payload.Tags,
		RTL:           payload.RTL,
		AccessMode:    int(payload.AccessMode),
		Access:        payload.Access,
		ClientVisible: payload.ClientVisible,
		Contributors:  payload.Contributors,
		Message:       payload.Message,
		WIP:           payload.WIP,
		UpdatedBy:     p.ID,
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"lang", "title", "content", "tags", "rtl", "access_mode", "access",
			"client_visible", "contributors", "message", "wip", "updated_by", "updated_at",
		}),
	}).Create(&rec).Error
	if err != nil {
		return models.SaveResult{}, err
	}
	return models.SaveResult{ID: id}, nil
}

func (s *Store) Member(ctx context.Context, p models.Principal) (models.Membership, error) {
	var m MemberRecord
	err := s.DB.WithContext(ctx).First(&m, "user_id = ? AND organization = ?", p.ID, p.Organization).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Membership{}, ErrNotMember
	}
	if err != nil {
		return models.Membership{}, err
	}
	return models.Membership{Member: true, ReadOnly: m.ReadOnly}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
