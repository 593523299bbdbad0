package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// CheckpointModel is the durable resume record for one computation key:
// the last processed bar label plus the serialized recursion state as of
// that bar. One row per key; advanced atomically with each batch write.
type CheckpointModel struct {
	ID        uint           `gorm:"primaryKey"`
	Symbol    string         `gorm:"size:32;not null;uniqueIndex:idx_checkpoints_key"`
	Timeframe string         `gorm:"size:16;not null;uniqueIndex:idx_checkpoints_key"`
	Indicator string         `gorm:"size:64;not null;uniqueIndex:idx_checkpoints_key"`
	LastTime  int64          `gorm:"not null"`
	State     datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

func (CheckpointModel) TableName() string { return "checkpoints" }

// IndicatorValueModel is one stored output field for one bar. A null Value
// is the explicit "no value yet" marker and is distinct from a stored zero.
// Rows are upserted on the full key, never duplicated.
type IndicatorValueModel struct {
	ID        uint                `gorm:"primaryKey"`
	Symbol    string              `gorm:"size:32;not null;uniqueIndex:idx_indicator_values_key"`
	Timeframe string              `gorm:"size:16;not null;uniqueIndex:idx_indicator_values_key"`
	Indicator string              `gorm:"size:64;not null;uniqueIndex:idx_indicator_values_key"`
	Field     string              `gorm:"size:32;not null;uniqueIndex:idx_indicator_values_key"`
	BarTime   int64               `gorm:"not null;uniqueIndex:idx_indicator_values_key;index:idx_indicator_values_time"`
	Value     decimal.NullDecimal `gorm:"type:decimal(30,12)"`
	UpdatedAt time.Time
}

func (IndicatorValueModel) TableName() string { return "indicator_values" }
