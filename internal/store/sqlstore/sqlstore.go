package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/suPer8Hu/nahara-chat/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Document is one persisted key/value row.
type Document struct {
	Key       string `gorm:"primaryKey;type:varchar(128)"`
	Data      []byte `gorm:"type:longblob;not null"`
	UpdatedAt time.Time
}

func (Document) TableName() string { return "kv_documents" }

type Repo struct {
	db *gorm.DB
}

// New migrates the documents table and returns the repo.
func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&Document{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Load(ctx context.Context, key string) ([]byte, error) {
	var d Document
	if err := r.db.WithContext(ctx).Where(&Document{Key: key}).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return d.Data, nil
}

// Save upserts the row for key.
func (r *Repo) Save(ctx context.Context, key string, data []byte) error {
	d := Document{Key: key, Data: data, UpdatedAt: time.Now()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&d).Error
}
