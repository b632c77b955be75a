package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"faultwatch/internal/models"
)

// machineStateRow is the relational form of a MachineState. Timestamps are
// stored as unix nanoseconds so the last-write-wins comparison is exact.
type machineStateRow struct {
	MachineID       string `gorm:"primaryKey;size:128"`
	Temperature     float64
	Vibration       float64
	Classification  string `gorm:"size:16;not null"`
	Confidence      float64
	ObservedAt      int64 `gorm:"not null;index"`
	LastAlertSentAt *int64
	UpdatedAt       time.Time
}

func (machineStateRow) TableName() string { return "machine_states" }

func toRow(st *models.MachineState) machineStateRow {
	row := machineStateRow{
		MachineID:      st.MachineID,
		Temperature:    st.Temperature,
		Vibration:      st.Vibration,
		Classification: string(st.Classification),
		Confidence:     st.Confidence,
		ObservedAt:     st.ObservedAt.UnixNano(),
	}
	if st.LastAlertSentAt != nil {
		ns := st.LastAlertSentAt.UnixNano()
		row.LastAlertSentAt = &ns
	}
	return row
}

func (r machineStateRow) toState() *models.MachineState {
	st := &models.MachineState{
		MachineID:      r.MachineID,
		Temperature:    r.Temperature,
		Vibration:      r.Vibration,
		Classification: models.Classification(r.Classification),
		Confidence:     r.Confidence,
		ObservedAt:     time.Unix(0, r.ObservedAt).UTC(),
	}
	if r.LastAlertSentAt != nil {
		t := time.Unix(0, *r.LastAlertSentAt).UTC()
		st.LastAlertSentAt = &t
	}
	return st
}

// SQLStore is a Store backed by a gorm database. The database handle is
// owned by the caller; Close does not close it.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore migrates the machine_states table and returns a store over db.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&machineStateRow{}); err != nil {
		return nil, fmt.Errorf("state: migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, machineID string) (*models.MachineState, error) {
	var row machineStateRow
	err := s.db.WithContext(ctx).Where("machine_id = ?", machineID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get %q: %w", machineID, err)
	}
	return row.toState(), nil
}

// latestStamp keeps the later of the stored and incoming alert stamps
const latestStamp = `CASE
	WHEN machine_states.last_alert_sent_at IS NULL THEN excluded.last_alert_sent_at
	WHEN excluded.last_alert_sent_at IS NULL THEN machine_states.last_alert_sent_at
	WHEN excluded.last_alert_sent_at > machine_states.last_alert_sent_at THEN excluded.last_alert_sent_at
	ELSE machine_states.last_alert_sent_at
END`

// Put upserts the record in a single statement. The conflict branch only
// fires when the incoming reading is not older than the stored one, so a
// zero row count means the write lost the race.
func (s *SQLStore) Put(ctx context.Context, st *models.MachineState) error {
	row := toRow(st)
	set := clause.AssignmentColumns([]string{
		"temperature", "vibration", "classification", "confidence",
		"observed_at", "updated_at",
	})
	set = append(set, clause.Assignment{
		Column: clause.Column{Name: "last_alert_sent_at"},
		Value:  gorm.Expr(latestStamp),
	})
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "machine_id"}},
		DoUpdates: set,
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "excluded.observed_at >= machine_states.observed_at"},
		}},
	}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("state: put %q: %w", st.MachineID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleWrite
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*models.MachineState, error) {
	var rows []machineStateRow
	if err := s.db.WithContext(ctx).Order("machine_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("state: list: %w", err)
	}
	out := make([]*models.MachineState, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toState())
	}
	return out, nil
}

func (s *SQLStore) Close() error { return nil }
