package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/robfig/cron/v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// dataContextRow is the persisted form of a DataContext.
type dataContextRow struct {
	SessionID  string `gorm:"primaryKey;size:64"`
	Name       string `gorm:"size:255"`
	CSV        string `gorm:"type:text"`
	Rows       int
	Columns    string `gorm:"type:text"` // JSON-encoded column list.
	UploadedAt time.Time
	ExpiresAt  time.Time `gorm:"index"`
}

func (dataContextRow) TableName() string { return "data_contexts" }

// GormStore is a persistent data-context store backed by SQLite or
// PostgreSQL through GORM.
type GormStore struct {
	db     *gorm.DB
	driver string
	cron   *cron.Cron
	logger *slog.Logger
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	DSN              string
	MaxOpenConns     int // Default: 25.
	MaxIdleConns     int // Default: 5.
	ConnMaxLifetimeS int // Default: 1800.
}

// OpenSQLite creates a SQLite-backed store at the given path.
// Uses modernc sqlite (pure Go) through the glebarez GORM driver,
// with WAL mode for concurrent reads.
func OpenSQLite(path string, logger *slog.Logger) (*GormStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	return newGormStore(db, "sqlite", logger)
}

// OpenPostgres creates a PostgreSQL-backed store.
func OpenPostgres(cfg PostgresConfig, logger *slog.Logger) (*GormStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing connection pool: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetimeS
	if lifetime <= 0 {
		lifetime = 1800
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Duration(lifetime) * time.Second)

	return newGormStore(db, "postgres", logger)
}

func newGormStore(db *gorm.DB, driver string, logger *slog.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&dataContextRow{}); err != nil {
		return nil, fmt.Errorf("migrating data_contexts table: %w", err)
	}

	s := &GormStore{
		db:     db,
		driver: driver,
		cron:   cron.New(),
		logger: logger,
	}
	_, _ = s.cron.AddFunc(sweepSchedule, s.sweep)
	s.cron.Start()
	return s, nil
}

func (s *GormStore) Get(ctx context.Context, sessionID string) (*DataContext, error) {
	var row dataContextRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND expires_at > ?", sessionID, time.Now()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading data context: %w", err)
	}

	var columns []string
	if row.Columns != "" {
		if err := json.Unmarshal([]byte(row.Columns), &columns); err != nil {
			return nil, fmt.Errorf("decoding columns for session %s: %w", sessionID, err)
		}
	}

	return &DataContext{
		SessionID:  row.SessionID,
		Name:       row.Name,
		CSV:        row.CSV,
		Rows:       row.Rows,
		Columns:    columns,
		UploadedAt: row.UploadedAt,
	}, nil
}

func (s *GormStore) Put(ctx context.Context, dc *DataContext, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	columns, err := json.Marshal(dc.Columns)
	if err != nil {
		return fmt.Errorf("encoding columns: %w", err)
	}

	row := dataContextRow{
		SessionID:  dc.SessionID,
		Name:       dc.Name,
		CSV:        dc.CSV,
		Rows:       dc.Rows,
		Columns:    string(columns),
		UploadedAt: dc.UploadedAt,
		ExpiresAt:  time.Now().Add(ttl),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("storing data context: %w", err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Delete(&dataContextRow{}, "session_id = ?", sessionID).Error; err != nil {
		return fmt.Errorf("deleting data context: %w", err)
	}
	return nil
}

// Close stops the sweeper and closes the connection pool.
func (s *GormStore) Close() error {
	s.cron.Stop()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Driver() string { return s.driver }

// sweep deletes expired rows.
func (s *GormStore) sweep() {
	res := s.db.Delete(&dataContextRow{}, "expires_at <= ?", time.Now())
	if res.Error != nil {
		s.logger.Warn("data context sweep failed", slog.String("error", res.Error.Error()))
		return
	}
	if res.RowsAffected > 0 {
		s.logger.Debug("swept expired data contexts", slog.Int64("removed", res.RowsAffected))
	}
}
