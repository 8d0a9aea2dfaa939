package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tse-signature-mux/internal/model"
)

// ErrNotPending is returned when a result write targets a row that is no
// longer in status pending (e.g. it was swept by a restart in between).
var ErrNotPending = errors.New("queue row is not pending")

// Store defines the interface for all database operations of the multiplexer.
type Store interface {
	DB() *gorm.DB

	// Device records.
	GetTSEByName(ctx context.Context, name string) (*model.TSE, error)
	ActivateTSE(ctx context.Context, id uint64, md TSEMasterData) error
	MarkTSEFailed(ctx context.Context, name string) error
	DisableTSE(ctx context.Context, name string, force bool) error
	ListTSEOverview(ctx context.Context) ([]TSEOverview, error)

	// Tills and registration history.
	TillNamesForTSE(ctx context.Context, tseID uint64) ([]string, error)
	AppendHistory(ctx context.Context, tillName string, tseID uint64, what string) error
	FeralTills(ctx context.Context) ([]model.Till, error)
	AssignTill(ctx context.Context, tillID int64, tseID uint64) error
	UnassignTills(ctx context.Context, tseID uint64) (int64, error)
	CountTillsForTSE(ctx context.Context, tseID uint64) (int64, error)
	ActiveTSEs(ctx context.Context) ([]model.TSE, error)

	// Signing queue.
	ClaimNext(ctx context.Context, tseID uint64) (*Job, error)
	SetSignatureRequest(ctx context.Context, orderID uint64, processType, processData string) error
	CompleteSignature(ctx context.Context, orderID uint64, res SignatureResult) error
	FailSignature(ctx context.Context, orderID uint64, message string) error
	ReleaseSignature(ctx context.Context, orderID uint64) error
	ResetPending(ctx context.Context, message string) (int64, error)
	PendingCount(ctx context.Context, tseID uint64) (int64, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB { return s.db }

func (s *gormStore) GetTSEByName(ctx context.Context, name string) (*model.TSE, error) {
	var tse model.TSE
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&tse).Error; err != nil {
		return nil, fmt.Errorf("failed to load tse %q: %w", name, err)
	}
	return &tse, nil
}

// ActivateTSE writes the master data of a freshly connected device and
// advances its status from new to active in one transaction.
func (s *gormStore) ActivateTSE(ctx context.Context, id uint64, md TSEMasterData) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.TSE{}).
			Where("id = ? AND status = ?", id, model.TSEStatusNew).
			Updates(map[string]any{
				"status":                model.TSEStatusActive,
				"serial":                md.Serial,
				"hash_algo":             md.HashAlgo,
				"time_format":           md.TimeFormat,
				"public_key":            md.PublicKey,
				"certificate":           md.Certificate,
				"process_data_encoding": md.ProcessDataEncoding,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("tse %d is not in status new", id)
		}
		return nil
	})
}

func (s *gormStore) MarkTSEFailed(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Model(&model.TSE{}).
		Where("name = ? AND status = ?", name, model.TSEStatusActive).
		Update("status", model.TSEStatusFailed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("tse %q is not in status active", name)
	}
	return nil
}

// DisableTSE moves a device to disabled. Without force this only succeeds
// from status failed.
func (s *gormStore) DisableTSE(ctx context.Context, name string, force bool) error {
	q := s.db.WithContext(ctx).Model(&model.TSE{}).Where("name = ?", name)
	if !force {
		q = q.Where("status = ?", model.TSEStatusFailed)
	}
	res := q.Update("status", model.TSEStatusDisabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if force {
			return fmt.Errorf("tse %q not found", name)
		}
		return fmt.Errorf("tse %q is not in status failed (use force to override)", name)
	}
	return nil
}

func (s *gormStore) ListTSEOverview(ctx context.Context) ([]TSEOverview, error) {
	var tses []model.TSE
	if err := s.db.WithContext(ctx).Order("id").Find(&tses).Error; err != nil {
		return nil, err
	}

	overview := make([]TSEOverview, 0, len(tses))
	for _, t := range tses {
		pending, err := s.PendingCount(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		tills, err := s.CountTillsForTSE(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		overview = append(overview, TSEOverview{TSE: t, PendingCount: pending, TillCount: tills})
	}
	return overview, nil
}

func (s *gormStore) TillNamesForTSE(ctx context.Context, tseID uint64) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&model.Till{}).
		Where("tse_id = ?", tseID).
		Order("name").
		Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load tills for tse %d: %w", tseID, err)
	}
	return names, nil
}

func (s *gormStore) AppendHistory(ctx context.Context, tillName string, tseID uint64, what string) error {
	row := model.TillTSEHistory{
		TillName: tillName,
		TSEID:    tseID,
		What:     what,
		Ts:       time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *gormStore) FeralTills(ctx context.Context) ([]model.Till, error) {
	var tills []model.Till
	err := s.db.WithContext(ctx).Where("tse_id IS NULL").Order("id").Find(&tills).Error
	return tills, err
}

func (s *gormStore) AssignTill(ctx context.Context, tillID int64, tseID uint64) error {
	return s.db.WithContext(ctx).Model(&model.Till{}).
		Where("id = ?", tillID).
		Update("tse_id", tseID).Error
}

func (s *gormStore) UnassignTills(ctx context.Context, tseID uint64) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Till{}).
		Where("tse_id = ?", tseID).
		Update("tse_id", nil)
	return res.RowsAffected, res.Error
}

func (s *gormStore) CountTillsForTSE(ctx context.Context, tseID uint64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Till{}).Where("tse_id = ?", tseID).Count(&n).Error
	return n, err
}

func (s *gormStore) ActiveTSEs(ctx context.Context) ([]model.TSE, error) {
	var tses []model.TSE
	err := s.db.WithContext(ctx).
		Where("status = ?", model.TSEStatusActive).
		Order("id").Find(&tses).Error
	return tses, err
}

// ClaimNext selects the oldest todo row belonging to a till of the given TSE
// that has no other pending row for the same till, marks it pending and
// returns it with the order's line items. Returns (nil, nil) when nothing is
// eligible. Runs under serializable isolation; concurrent wrappers target
// disjoint tills so conflicts are rare and simply retried on the next wake.
func (s *gormStore) ClaimNext(ctx context.Context, tseID uint64) (*Job, error) {
	var job *Job

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sig model.TSESignature
		err := tx.Model(&model.TSESignature{}).
			Select("tse_signature.*").
			Joins("JOIN ordr ON ordr.id = tse_signature.order_id").
			Joins("JOIN till ON till.id = ordr.till_id").
			Where("tse_signature.status = ?", model.SignatureStatusTodo).
			Where("till.tse_id = ?", tseID).
			Where(`NOT EXISTS (
				SELECT 1 FROM tse_signature p
				JOIN ordr po ON po.id = p.order_id
				WHERE p.status = ? AND po.till_id = ordr.till_id)`, model.SignatureStatusPending).
			Order("tse_signature.order_id ASC").
			Limit(1).
			Take(&sig).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var order model.Order
		if err := tx.Preload("LineItems").First(&order, sig.OrderID).Error; err != nil {
			return fmt.Errorf("failed to load order %d: %w", sig.OrderID, err)
		}
		var till model.Till
		if err := tx.First(&till, order.TillID).Error; err != nil {
			return fmt.Errorf("failed to load till %d: %w", order.TillID, err)
		}

		res := tx.Model(&model.TSESignature{}).
			Where("order_id = ? AND status = ?", sig.OrderID, model.SignatureStatusTodo).
			Updates(map[string]any{
				"status": model.SignatureStatusPending,
				"tse_id": tseID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another wrapper got there first.
			return nil
		}

		job = &Job{
			OrderID:       sig.OrderID,
			TillID:        till.ID,
			TillName:      till.Name,
			PaymentMethod: order.PaymentMethod,
			Items:         order.LineItems,
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})

	if err != nil {
		return nil, fmt.Errorf("claim for tse %d failed: %w", tseID, err)
	}
	return job, nil
}

// SetSignatureRequest persists the encoded receipt on the claimed row.
func (s *gormStore) SetSignatureRequest(ctx context.Context, orderID uint64, processType, processData string) error {
	res := s.db.WithContext(ctx).Model(&model.TSESignature{}).
		Where("order_id = ? AND status = ?", orderID, model.SignatureStatusPending).
		Updates(map[string]any{
			"transaction_process_type": processType,
			"transaction_process_data": processData,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *gormStore) CompleteSignature(ctx context.Context, orderID uint64, r SignatureResult) error {
	res := s.db.WithContext(ctx).Model(&model.TSESignature{}).
		Where("order_id = ? AND status = ?", orderID, model.SignatureStatusPending).
		Updates(map[string]any{
			"status":                   model.SignatureStatusDone,
			"transaction_process_type": r.ProcessType,
			"transaction_process_data": r.ProcessData,
			"tse_transaction":          r.Transaction,
			"tse_signaturenr":          r.SignatureNr,
			"tse_start":                r.Start,
			"tse_end":                  r.End,
			"tse_signature":            r.SignatureB64,
			"result_message":           "success",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// FailSignature marks a claimed row as failure. Guarded on pending so a late
// write cannot overwrite a row the restart sweep already stamped.
func (s *gormStore) FailSignature(ctx context.Context, orderID uint64, message string) error {
	res := s.db.WithContext(ctx).Model(&model.TSESignature{}).
		Where("order_id = ? AND status = ?", orderID, model.SignatureStatusPending).
		Updates(map[string]any{
			"status":         model.SignatureStatusFailure,
			"result_message": message,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// ReleaseSignature puts a cleanly aborted row back into todo so the next
// wake-up retries it.
func (s *gormStore) ReleaseSignature(ctx context.Context, orderID uint64) error {
	return s.db.WithContext(ctx).Model(&model.TSESignature{}).
		Where("order_id = ? AND status = ?", orderID, model.SignatureStatusPending).
		Updates(map[string]any{
			"status": model.SignatureStatusTodo,
			"tse_id": nil,
		}).Error
}

// ResetPending is the crash-recovery sweep: after an unclean shutdown the
// multiplexer cannot know whether the device completed an in-flight
// signature, so re-attempting could produce a duplicate. The rows are marked
// failure for manual operator recovery.
func (s *gormStore) ResetPending(ctx context.Context, message string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.TSESignature{}).
		Where("status = ?", model.SignatureStatusPending).
		Updates(map[string]any{
			"status":         model.SignatureStatusFailure,
			"result_message": message,
		})
	return res.RowsAffected, res.Error
}

func (s *gormStore) PendingCount(ctx context.Context, tseID uint64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.TSESignature{}).
		Where("tse_id = ? AND status = ?", tseID, model.SignatureStatusPending).
		Count(&n).Error
	return n, err
}
