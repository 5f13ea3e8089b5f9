package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore is a Repository backed by SQLite or Postgres through gorm.
type GormStore struct {
	db          *gorm.DB
	maxPageSize int
}

// Open builds the Repository selected by cfg.Driver.
func Open(cfg config.StoreConfig, maxPageSize int) (Repository, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(maxPageSize), nil
	case "sqlite", "postgres":
		return OpenGorm(cfg.Driver, cfg.DSN, maxPageSize)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// OpenGorm connects, migrates the scraping_jobs table and returns the store.
func OpenGorm(driver, dsn string, maxPageSize int) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported gorm driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY and
		// keeps ":memory:" databases shared.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("store: sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&models.Job{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &GormStore{db: db, maxPageSize: maxPageSize}, nil
}

func (s *GormStore) Create(ctx context.Context, spec models.JobSpec) (*models.Job, error) {
	job, err := newJob(spec, uuid.NewString(), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, repoError("create", err)
	}
	return job, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound(id)
	}
	if err != nil {
		return nil, repoError("get", err)
	}
	return &job, nil
}

func (s *GormStore) List(ctx context.Context, q ListQuery) ([]*models.Job, int64, error) {
	q, err := q.Normalize(s.maxPageSize)
	if err != nil {
		return nil, 0, err
	}

	base := s.db.WithContext(ctx).Model(&models.Job{})
	if q.Status != "" {
		base = base.Where("status = ?", q.Status)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, repoError("count", err)
	}

	jobs := make([]*models.Job, 0, q.Limit)
	err = base.Session(&gorm.Session{}).
		Order("created_at DESC").Order("id DESC").
		Offset(q.Offset()).Limit(q.Limit).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, repoError("list", err)
	}
	return jobs, total, nil
}

func (s *GormStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.Job, error) {
	var jobs []*models.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").Order("id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, repoError("list by status", err)
	}
	return jobs, nil
}

// CompareAndSetStatus is a single conditional UPDATE; RowsAffected tells
// whether this caller won the transition.
func (s *GormStore) CompareAndSetStatus(ctx context.Context, id string, expected, next models.Status, upd Update) (bool, error) {
	if err := checkTransition(expected, next); err != nil {
		return false, err
	}

	cols := upd.columns()
	cols["status"] = next
	cols["updated_at"] = time.Now().UTC()

	res := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(cols)
	if res.Error != nil {
		return false, repoError("compare and set", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, repoError("exists", err)
	}
	if n == 0 {
		return false, models.ErrNotFound(id)
	}
	return false, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
