// Package history keeps one summary row per processed month. The rows
// outlive month rollovers of the entity store, which starts empty every
// month.
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Month is the summary of one calendar month.
type Month struct {
	ID        uint   `gorm:"primaryKey"`
	Year      int    `gorm:"not null;uniqueIndex:idx_history_month"`
	Month     int    `gorm:"not null;uniqueIndex:idx_history_month"`
	FirstDay  int    `gorm:"not null"`
	LastDay   int    `gorm:"not null"`
	Hits      uint64 `gorm:"not null"`
	Files     uint64 `gorm:"not null"`
	Pages     uint64 `gorm:"not null"`
	Visits    uint64 `gorm:"not null"`
	Hosts     uint64 `gorm:"not null"`
	Xfer      uint64 `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Month) TableName() string {
	return "history"
}

// DBManager owns the history database connection.
type DBManager struct {
	path   string
	db     *gorm.DB
	logger *slog.Logger
}

func NewDBManager(path string, logger *slog.Logger) *DBManager {
	return &DBManager{path: path, logger: logger}
}

// Init opens the database and migrates the schema.
func (dm *DBManager) Init() error {
	dsn := dm.path
	inMemory := dsn == "" || dsn == ":memory:"
	if inMemory {
		dsn = "file::memory:"
	} else {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	if inMemory {
		// Every connection to an in-memory database sees its own copy.
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	dm.db = db
	return dm.MigrateDatabase()
}

// MigrateDatabase creates or updates the history table.
func (dm *DBManager) MigrateDatabase() error {
	db := dm.GetConnection()
	if db == nil {
		return gorm.ErrInvalidDB
	}
	if err := db.AutoMigrate(&Month{}); err != nil {
		dm.logger.Error("Failed to auto-migrate history database", slog.Any("error", err))
		return err
	}
	dm.logger.Debug("History database migration completed", slog.String("path", dm.path))
	return nil
}

func (dm *DBManager) GetConnection() *gorm.DB {
	return dm.db
}

// Update inserts the month or replaces its counters.
func (dm *DBManager) Update(m Month) error {
	if m.Month < 1 || m.Month > 12 {
		return fmt.Errorf("invalid history month %d-%d", m.Year, m.Month)
	}
	err := dm.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "year"}, {Name: "month"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"first_day", "last_day", "hits", "files", "pages", "visits", "hosts", "xfer", "updated_at",
		}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to update history for %d-%02d: %w", m.Year, m.Month, err)
	}
	return nil
}

// Get returns one month.
func (dm *DBManager) Get(year, month int) (Month, bool, error) {
	var m Month
	err := dm.db.Where("year = ? AND month = ?", year, month).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("failed to read history: %w", err)
	}
	return m, true, nil
}

// Recent returns up to limit months, newest first.
func (dm *DBManager) Recent(limit int) ([]Month, error) {
	var months []Month
	err := dm.db.Order("year DESC, month DESC").Limit(limit).Find(&months).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return months, nil
}

func (dm *DBManager) Close() error {
	if dm.db == nil {
		return nil
	}
	sqlDB, err := dm.db.DB()
	if err != nil {
		return err
	}
	dm.db = nil
	return sqlDB.Close()
}
