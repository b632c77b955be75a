package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"faultwatch/internal/models"
)

// OpenSQLite opens (creating if needed) the database at path. The pool is
// capped at one connection; SQLite serialises writers anyway and a single
// connection keeps ":memory:" databases coherent.
func OpenSQLite(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db.Exec("PRAGMA journal_mode = WAL")
	db.Exec("PRAGMA busy_timeout = 5000")

	return db, nil
}

// CloseSQLite closes the connection pool behind db.
func CloseSQLite(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type readingRow struct {
	ID          uint   `gorm:"primaryKey"`
	MachineID   string `gorm:"size:128;not null;index:idx_readings_machine_observed,priority:1"`
	Temperature float64
	Vibration   float64
	ObservedAt  int64 `gorm:"not null;index:idx_readings_machine_observed,priority:2"`
	CreatedAt   time.Time
}

func (readingRow) TableName() string { return "readings" }

// SQLHistory appends readings to a relational table.
type SQLHistory struct {
	db *gorm.DB
}

// NewSQLHistory migrates the readings table and returns a log over db.
// The database handle is owned by the caller.
func NewSQLHistory(db *gorm.DB) (*SQLHistory, error) {
	if err := db.AutoMigrate(&readingRow{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &SQLHistory{db: db}, nil
}

func (h *SQLHistory) Append(ctx context.Context, r models.Reading) error {
	row := readingRow{
		MachineID:   r.MachineID,
		Temperature: r.Temperature,
		Vibration:   r.Vibration,
		ObservedAt:  r.ObservedAt.UnixNano(),
	}
	if err := h.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("storage: append %q: %w", r.MachineID, err)
	}
	return nil
}

func (h *SQLHistory) Recent(ctx context.Context, machineID string, limit int) ([]models.Reading, error) {
	q := h.db.WithContext(ctx).
		Where("machine_id = ?", machineID).
		Order("observed_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []readingRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: recent %q: %w", machineID, err)
	}
	out := make([]models.Reading, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Reading{
			MachineID:   row.MachineID,
			Temperature: row.Temperature,
			Vibration:   row.Vibration,
			ObservedAt:  time.Unix(0, row.ObservedAt).UTC(),
		})
	}
	return out, nil
}

func (h *SQLHistory) Close() error { return nil }
