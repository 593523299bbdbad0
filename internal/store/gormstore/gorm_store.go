// Package gormstore persists indicator rows and checkpoints in SQLite via
// Gorm. All writes go through per-key upserts; a batch's rows and its
// checkpoint advance inside one transaction.
package gormstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"indicore/internal/store"
	storemodel "indicore/internal/store/model"
)

const upsertChunkSize = 500

// GormStore implements store.Store on SQLite.
type GormStore struct {
	db *gorm.DB
}

// New opens (or creates) the SQLite database at path. WAL keeps concurrent
// status reads cheap while batch writers hold the write lock.
func New(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path is required")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for status reads, low lock contention.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Migrate applies the schema. Idempotent; invoked once before any batch
// touches a new parameter set, never interleaved with row writes.
func (s *GormStore) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	err := s.db.WithContext(ctx).AutoMigrate(
		&storemodel.CheckpointModel{},
		&storemodel.IndicatorValueModel{},
	)
	return store.Classify(err)
}

func (s *GormStore) GetCheckpoint(ctx context.Context, key store.Key) (store.Checkpoint, error) {
	if s == nil || s.db == nil {
		return store.Checkpoint{}, fmt.Errorf("gorm store not initialized")
	}
	var m storemodel.CheckpointModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND indicator = ?", key.Symbol, key.Timeframe, key.Indicator).
		First(&m).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return store.Checkpoint{}, store.ErrNotFound
		}
		return store.Checkpoint{}, store.Classify(err)
	}
	return store.Checkpoint{LastTime: m.LastTime, State: []byte(m.State)}, nil
}

func (s *GormStore) ResetCheckpoint(ctx context.Context, key store.Key) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND indicator = ?", key.Symbol, key.Timeframe, key.Indicator).
		Delete(&storemodel.CheckpointModel{}).Error
	return store.Classify(err)
}

// CommitBatch upserts the batch's rows and advances the checkpoint in one
// transaction: either both land or neither does.
func (s *GormStore) CommitBatch(ctx context.Context, key store.Key, rows []store.Row, cp store.Checkpoint) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	now := time.Now()
	models := make([]storemodel.IndicatorValueModel, 0, len(rows))
	for _, r := range rows {
		models = append(models, storemodel.IndicatorValueModel{
			Symbol:    r.Key.Symbol,
			Timeframe: r.Key.Timeframe,
			Indicator: r.Key.Indicator,
			Field:     r.Field,
			BarTime:   r.BarTime,
			Value:     r.Value,
			UpdatedAt: now,
		})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(models) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "symbol"}, {Name: "timeframe"}, {Name: "indicator"},
					{Name: "field"}, {Name: "bar_time"},
				},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).CreateInBatches(&models, upsertChunkSize).Error; err != nil {
				return err
			}
		}
		ckpt := storemodel.CheckpointModel{
			Symbol:    key.Symbol,
			Timeframe: key.Timeframe,
			Indicator: key.Indicator,
			LastTime:  cp.LastTime,
			State:     datatypes.JSON(cp.State),
			UpdatedAt: now,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "symbol"}, {Name: "timeframe"}, {Name: "indicator"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"last_time", "state", "updated_at"}),
		}).Create(&ckpt).Error
	})
	return store.Classify(err)
}

func (s *GormStore) KeyStatus(ctx context.Context, key store.Key) (store.KeyStatus, error) {
	if s == nil || s.db == nil {
		return store.KeyStatus{}, fmt.Errorf("gorm store not initialized")
	}
	var out struct {
		FirstTime  *int64
		LastTime   *int64
		ValuedBars int64
	}
	err := s.db.WithContext(ctx).
		Model(&storemodel.IndicatorValueModel{}).
		Select("MIN(bar_time) AS first_time, MAX(bar_time) AS last_time, "+
			"COUNT(DISTINCT CASE WHEN value IS NOT NULL THEN bar_time END) AS valued_bars").
		Where("symbol = ? AND timeframe = ? AND indicator = ?", key.Symbol, key.Timeframe, key.Indicator).
		Scan(&out).Error
	if err != nil {
		return store.KeyStatus{}, store.Classify(err)
	}
	st := store.KeyStatus{ValuedBars: out.ValuedBars}
	if out.FirstTime != nil {
		st.FirstTime = *out.FirstTime
	}
	if out.LastTime != nil {
		st.LastTime = *out.LastTime
	}
	return st, nil
}

func (s *GormStore) LatestRows(ctx context.Context, key store.Key) ([]store.Row, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	newest := s.db.Model(&storemodel.IndicatorValueModel{}).
		Select("MAX(bar_time)").
		Where("symbol = ? AND timeframe = ? AND indicator = ?", key.Symbol, key.Timeframe, key.Indicator)
	var models []storemodel.IndicatorValueModel
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND indicator = ?", key.Symbol, key.Timeframe, key.Indicator).
		Where("bar_time = (?)", newest).
		Find(&models).Error
	if err != nil {
		return nil, store.Classify(err)
	}
	rows := make([]store.Row, 0, len(models))
	for _, m := range models {
		rows = append(rows, store.Row{Key: key, Field: m.Field, BarTime: m.BarTime, Value: m.Value})
	}
	return rows, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ store.Store = (*GormStore)(nil)
