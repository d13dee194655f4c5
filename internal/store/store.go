// Package store implements the gorm-backed snapshot mirror used for
// startup reconciliation. It is distinct from the WAL's own checkpoint/
// replay (internal/wal, internal/engine.Snapshot): the WAL is the
// authoritative durability mechanism, while the store is a queryable SQL
// mirror a reconciler compares the replayed state against, in the spirit
// of the teacher's storage.Database + execution.Reconciler pair.
package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/velozfi/veloz/internal/config"
	"github.com/velozfi/veloz/internal/engine"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
)

// OrderRecord mirrors one types.Order row.
type OrderRecord struct {
	ClientOrderID string `gorm:"primaryKey"`
	VenueOrderID  string
	Symbol        string
	Side          string
	Type          string
	OrderQty      decimal.Decimal `gorm:"type:numeric"`
	LimitPrice    decimal.Decimal `gorm:"type:numeric"`
	ExecutedQty   decimal.Decimal `gorm:"type:numeric"`
	AvgPrice      decimal.Decimal `gorm:"type:numeric"`
	State         string
	Reason        string
	CreatedNs     int64
	LastUpdateNs  int64
}

// BalanceRecord mirrors one types.Balance row.
type BalanceRecord struct {
	Account string `gorm:"primaryKey"`
	Asset   string `gorm:"primaryKey"`
	Free    decimal.Decimal `gorm:"type:numeric"`
	Locked  decimal.Decimal `gorm:"type:numeric"`
}

// PositionRecord mirrors one types.Position row.
type PositionRecord struct {
	Symbol        string `gorm:"primaryKey"`
	Side          string
	Qty           decimal.Decimal `gorm:"type:numeric"`
	AvgEntryPrice decimal.Decimal `gorm:"type:numeric"`
	RealizedPnL   decimal.Decimal `gorm:"type:numeric"`
}

// SnapshotMeta records the WAL sequence the last persisted mirror reflects.
type SnapshotMeta struct {
	ID       uint `gorm:"primaryKey"`
	Sequence uint64
	SavedAt  time.Time
}

// Store persists periodic Engine State snapshots for startup reconciliation.
// A Store without a database (what Open returns when cfg.Driver is empty),
// like a nil *Store, makes every method a no-op, mirroring the teacher's disabled-when-unconfigured Database.
type Store struct {
	rt *runtime.Runtime
	db *gorm.DB
}

// Open connects to the configured driver and migrates the mirror tables. A
// Store with cfg.Driver == "" runs fully disabled.
func Open(rt *runtime.Runtime, cfg config.StoreConfig) (*Store, error) {
	if cfg.Driver == "" {
		rt.Log.Warn().Msg("store: no driver configured, running without snapshot persistence")
		return &Store{rt: rt}, nil
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Driver, err)
	}

	if err := db.AutoMigrate(&OrderRecord{}, &BalanceRecord{}, &PositionRecord{}, &SnapshotMeta{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	rt.Log.Info().Str("driver", cfg.Driver).Msg("store: connected")
	return &Store{rt: rt, db: db}, nil
}

func (s *Store) enabled() bool { return s != nil && s.db != nil }

// SaveSnapshot replaces the mirror tables with snap's contents inside a
// single transaction, recording the WAL sequence it reflects.
func (s *Store) SaveSnapshot(snap engine.Snapshot) error {
	if !s.enabled() {
		return nil
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&OrderRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&BalanceRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&PositionRecord{}).Error; err != nil {
			return err
		}

		for _, o := range snap.Orders {
			rec := OrderRecord{
				ClientOrderID: o.ClientOrderID,
				VenueOrderID:  o.VenueOrderID,
				Symbol:        o.Symbol,
				Side:          string(o.Side),
				Type:          string(o.Type),
				OrderQty:      o.OrderQty,
				LimitPrice:    o.LimitPrice,
				ExecutedQty:   o.ExecutedQty,
				AvgPrice:      o.AvgPrice,
				State:         string(o.State),
				Reason:        string(o.Reason),
				CreatedNs:     o.CreatedNs,
				LastUpdateNs:  o.LastUpdateNs,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}
		for _, b := range snap.Balances {
			rec := BalanceRecord{Account: b.Account, Asset: b.Asset, Free: b.Free, Locked: b.Locked}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}
		for _, p := range snap.Positions {
			rec := PositionRecord{
				Symbol:        p.Symbol,
				Side:          string(p.Side),
				Qty:           p.Qty,
				AvgEntryPrice: p.AvgEntryPrice,
				RealizedPnL:   p.RealizedPnL,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}

		return tx.Create(&SnapshotMeta{Sequence: snap.Sequence}).Error
	})
}

// LoadSnapshot returns the most recently saved mirror, or (Snapshot{}, false)
// if the store is disabled or empty.
func (s *Store) LoadSnapshot() (engine.Snapshot, bool) {
	if !s.enabled() {
		return engine.Snapshot{}, false
	}

	var meta SnapshotMeta
	if err := s.db.Order("id desc").First(&meta).Error; err != nil {
		return engine.Snapshot{}, false
	}

	var orderRecs []OrderRecord
	var balanceRecs []BalanceRecord
	var positionRecs []PositionRecord
	s.db.Find(&orderRecs)
	s.db.Find(&balanceRecs)
	s.db.Find(&positionRecs)

	snap := engine.Snapshot{Sequence: meta.Sequence}
	for _, r := range orderRecs {
		snap.Orders = append(snap.Orders, types.Order{
			ClientOrderID: r.ClientOrderID,
			VenueOrderID:  r.VenueOrderID,
			Symbol:        r.Symbol,
			Side:          types.Side(r.Side),
			Type:          types.OrderType(r.Type),
			OrderQty:      r.OrderQty,
			LimitPrice:    r.LimitPrice,
			ExecutedQty:   r.ExecutedQty,
			AvgPrice:      r.AvgPrice,
			State:         types.OrderState(r.State),
			Reason:        types.Reason(r.Reason),
			CreatedNs:     r.CreatedNs,
			LastUpdateNs:  r.LastUpdateNs,
		})
	}
	for _, r := range balanceRecs {
		snap.Balances = append(snap.Balances, types.Balance{Account: r.Account, Asset: r.Asset, Free: r.Free, Locked: r.Locked})
	}
	for _, r := range positionRecs {
		snap.Positions = append(snap.Positions, types.Position{
			Symbol:        r.Symbol,
			Side:          types.PositionSide(r.Side),
			Qty:           r.Qty,
			AvgEntryPrice: r.AvgEntryPrice,
			RealizedPnL:   r.RealizedPnL,
		})
	}

	return snap, true
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if !s.enabled() {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
