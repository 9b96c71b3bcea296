package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormSink stores events in postgres when a database URL is configured and in
// a local sqlite file otherwise.
type GormSink struct {
	db     *gorm.DB
	logger *logrus.Entry
}

// Dialector picks the gorm driver for url, falling back to sqlite at path.
func Dialector(url, path string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return postgres.Open(url), nil
	case url != "":
		return nil, fmt.Errorf("unsupported database url scheme in %q", redact(url))
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return sqlite.Open(path), nil
}

func OpenGorm(url, path string, log *logrus.Logger) (*GormSink, error) {
	dialector, err := Dialector(url, path)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewGormSink(db, log)
}

func NewGormSink(db *gorm.DB, log *logrus.Logger) (*GormSink, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate event table: %w", err)
	}
	return &GormSink{
		db:     db,
		logger: log.WithField("component", "gorm_sink"),
	}, nil
}

func (g *GormSink) Write(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]Record, len(events))
	for i, ev := range events {
		records[i] = NewRecord(ev)
	}
	if err := g.db.WithContext(ctx).CreateInBatches(records, 100).Error; err != nil {
		return fmt.Errorf("failed to insert events: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (g *GormSink) Recent(ctx context.Context, kind models.EventKind, limit int) ([]Record, error) {
	var records []Record
	q := g.db.WithContext(ctx).Order("id desc").Limit(limit)
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (g *GormSink) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func redact(url string) string {
	if i := strings.Index(url, "@"); i >= 0 {
		if j := strings.Index(url, "://"); j >= 0 && j < i {
			return url[:j+3] + "***" + url[i:]
		}
	}
	return url
}
