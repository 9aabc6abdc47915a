package sqlstore

import (
	"context"
	"fmt"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/nahara-chat/internal/store"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestRepo_LoadMissing(t *testing.T) {
	repo, err := New(openTestDB(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := repo.Load(context.Background(), "conversations"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepo_SaveUpserts(t *testing.T) {
	db := openTestDB(t)
	repo, err := New(db)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if err := repo.Save(ctx, "conversations", []byte("one")); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := repo.Save(ctx, "conversations", []byte("two")); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	got, err := repo.Load(ctx, "conversations")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "two" {
		t.Fatalf("unexpected data: %q", got)
	}

	var n int64
	if err := db.Model(&Document{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one row, got %d", n)
	}
}
