// Package store persists settlement records. The store is the enforcement
// point for at-most-once settlement: record creation is insert-if-absent on
// the request id and every state change is a compare-and-set on the previous
// state, so concurrent coordinators and process restarts race safely.
package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
)

// GormStore is the SQL-backed settlement ledger.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore wraps a gorm connection.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger}
}

// Migrate creates the settlement_records table.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&interfaces.SettlementRecord{})
}

// Create implements interfaces.SettlementStore. The insert is conflict-free:
// a second coordinator inserting the same request id affects zero rows and
// observes DuplicateRequest without ever reaching the broadcast path.
func (s *GormStore) Create(ctx context.Context, rec *interfaces.SettlementRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return interfaces.Errorf(interfaces.KindDuplicateRequest,
			"settlement record already exists for request %s", rec.RequestID)
	}
	return nil
}

// Get implements interfaces.SettlementStore.
func (s *GormStore) Get(ctx context.Context, requestID string) (*interfaces.SettlementRecord, error) {
	var rec interfaces.SettlementRecord
	err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Transition implements interfaces.SettlementStore. The update is guarded by
// the previous state in the WHERE clause; zero affected rows means another
// writer moved the record first.
func (s *GormStore) Transition(ctx context.Context, rec *interfaces.SettlementRecord, from interfaces.SettlementState) error {
	if !interfaces.CanTransition(from, rec.State) {
		return interfaces.Errorf(interfaces.KindInternal,
			"illegal transition %s -> %s for request %s", from, rec.State, rec.RequestID)
	}
	rec.UpdatedAt = time.Now()

	res := s.db.WithContext(ctx).
		Model(&interfaces.SettlementRecord{}).
		Where("request_id = ? AND state = ?", rec.RequestID, from).
		Updates(map[string]interface{}{
			"state":         rec.State,
			"tx_hash":       rec.TxHash,
			"confirmations": rec.Confirmations,
			"error_kind":    rec.ErrorKind,
			"last_error":    rec.LastError,
			"attempts":      rec.Attempts,
			"seqno":         rec.Seqno,
			"updated_at":    rec.UpdatedAt,
			"finalized_at":  rec.FinalizedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.logger.Warn("settlement transition lost compare-and-set race",
			zap.String("request_id", rec.RequestID),
			zap.String("from", string(from)),
			zap.String("to", string(rec.State)),
		)
		return interfaces.ErrStaleState
	}
	return nil
}
