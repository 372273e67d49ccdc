package gormstore_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/jacentio/tally/aggregate"
	"github.com/jacentio/tally/gormstore"
)

type Post struct {
	ID           uint `gorm:"primaryKey"`
	Title        string
	CommentCount int
	RatingTotal  float64
	RatingAvg    float64
	RatingMin    float64
	RatingMax    float64
}

type Comment struct {
	ID        uint `gorm:"primaryKey"`
	PostID    uint
	Post      *Post
	Rating    float64
	Visible   bool
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

var ratingRule = aggregate.RuleSpec{
	Field: "rating",
	Model: "Post",
	Functions: map[aggregate.Function]string{
		aggregate.Count: "comment_count",
		aggregate.Sum:   "rating_total",
		aggregate.Avg:   "rating_avg",
		aggregate.Min:   "rating_min",
		aggregate.Max:   "rating_max",
	},
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openDB returns a migrated in-memory sqlite database. A single connection
// keeps every query on the same in-memory database.
func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gormstore.Open(":memory:", gormLogger.Default.LogMode(gormLogger.Silent))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Post{}, &Comment{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// setup installs the aggregate plugin with the given comment rules.
func setup(t *testing.T, specs ...aggregate.RuleSpec) *gorm.DB {
	t.Helper()
	db := openDB(t)
	rules := aggregate.NewRegistry()
	if err := rules.Register("comments", specs...); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := gormstore.Install(context.Background(), db, rules, discardLogger(), &Post{}, &Comment{}); err != nil {
		t.Fatalf("install: %v", err)
	}
	return db
}

func createPost(t *testing.T, db *gorm.DB, title string) Post {
	t.Helper()
	p := Post{Title: title}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("create post: %v", err)
	}
	return p
}

func createComment(t *testing.T, db *gorm.DB, postID uint, rating float64) Comment {
	t.Helper()
	c := Comment{PostID: postID, Rating: rating, Visible: true}
	if err := db.Create(&c).Error; err != nil {
		t.Fatalf("create comment: %v", err)
	}
	return c
}

func loadPost(t *testing.T, db *gorm.DB, id uint) Post {
	t.Helper()
	var p Post
	if err := db.First(&p, id).Error; err != nil {
		t.Fatalf("load post %d: %v", id, err)
	}
	return p
}
