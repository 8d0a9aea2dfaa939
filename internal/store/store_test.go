package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tse-signature-mux/internal/db"
	"tse-signature-mux/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Migrate(gdb))
	return NewGormStore(gdb)
}

func seedTSE(t *testing.T, s Store, name string, status model.TSEStatus) uint64 {
	t.Helper()
	rec := model.TSE{Name: name, Status: status}
	require.NoError(t, s.DB().Create(&rec).Error)
	return rec.ID
}

func seedTill(t *testing.T, s Store, name string, tseID *uint64) int64 {
	t.Helper()
	rec := model.Till{Name: name, TSEID: tseID}
	require.NoError(t, s.DB().Create(&rec).Error)
	return rec.ID
}

func seedOrder(t *testing.T, s Store, orderID uint64, tillID int64) {
	t.Helper()
	rec := model.Order{ID: orderID, TillID: tillID, PaymentMethod: model.PaymentMethodCash}
	require.NoError(t, s.DB().Create(&rec).Error)
	item := model.LineItem{
		OrderID:    orderID,
		TotalPrice: decimal.RequireFromString("3.00"),
		TaxRateKey: model.TaxRateUST,
	}
	require.NoError(t, s.DB().Create(&item).Error)
}

func seedTodo(t *testing.T, s Store, orderID uint64, tillID int64) {
	t.Helper()
	seedOrder(t, s, orderID, tillID)
	sig := model.TSESignature{OrderID: orderID, Status: model.SignatureStatusTodo}
	require.NoError(t, s.DB().Create(&sig).Error)
}

func loadSignature(t *testing.T, s Store, orderID uint64) model.TSESignature {
	t.Helper()
	var sig model.TSESignature
	require.NoError(t, s.DB().First(&sig, "order_id = ?", orderID).Error)
	return sig
}

func TestClaimNext_OldestFirstAndSerialized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tseID := seedTSE(t, s, "tse1", model.TSEStatusActive)
	tillID := seedTill(t, s, "POS001", &tseID)
	seedTodo(t, s, 10, tillID)
	seedTodo(t, s, 11, tillID)

	job, err := s.ClaimNext(ctx, tseID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, uint64(10), job.OrderID)
	assert.Equal(t, "POS001", job.TillName)
	assert.Equal(t, model.PaymentMethodCash, job.PaymentMethod)
	require.Len(t, job.Items, 1)

	sig := loadSignature(t, s, 10)
	assert.Equal(t, model.SignatureStatusPending, sig.Status)
	require.NotNil(t, sig.TSEID)
	assert.Equal(t, tseID, *sig.TSEID)

	// Order 11 belongs to the same till and must wait for order 10.
	job, err = s.ClaimNext(ctx, tseID)
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, s.CompleteSignature(ctx, 10, SignatureResult{
		ProcessType:  "Kassenbeleg-V1",
		ProcessData:  "Beleg^3.00_0.00_0.00_0.00_0.00^3.00:Bar",
		Transaction:  1,
		SignatureNr:  1,
		Start:        "2026-08-30T10:00:00.000Z",
		End:          "2026-08-30T10:00:01.000Z",
		SignatureB64: "c2ln",
	}))

	job, err = s.ClaimNext(ctx, tseID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, uint64(11), job.OrderID)
}

func TestClaimNext_BlockedTillDoesNotBlockOthers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tseID := seedTSE(t, s, "tse1", model.TSEStatusActive)
	tillA := seedTill(t, s, "POS001", &tseID)
	tillB := seedTill(t, s, "POS002", &tseID)
	seedTodo(t, s, 10, tillA)
	seedTodo(t, s, 11, tillA)
	seedTodo(t, s, 12, tillB)

	jobA, err := s.ClaimNext(ctx, tseID)
	require.NoError(t, err)
	require.NotNil(t, jobA)
	assert.Equal(t, uint64(10), jobA.OrderID)

	// Till A is blocked by its pending row, till B is still eligible.
	jobB, err := s.ClaimNext(ctx, tseID)
	require.NoError(t, err)
	require.NotNil(t, jobB)
	assert.Equal(t, uint64(12), jobB.OrderID)

	job, err := s.ClaimNext(ctx, tseID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNext_OnlyOwnTills(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tse1 := seedTSE(t, s, "tse1", model.TSEStatusActive)
	tse2 := seedTSE(t, s, "tse2", model.TSEStatusActive)
	tillOther := seedTill(t, s, "POS002", &tse2)
	seedTill(t, s, "POS003", nil)
	seedTodo(t, s, 20, tillOther)

	job, err := s.ClaimNext(ctx, tse1)
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = s.ClaimNext(ctx, tse2)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, uint64(20), job.OrderID)
}

func TestClaimNext_UnassignedTillIsIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tseID := seedTSE(t, s, "tse1", model.TSEStatusActive)
	feral := seedTill(t, s, "POS009", nil)
	seedTodo(t, s, 30, feral)

	job, err := s.ClaimNext(ctx, tseID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestReleaseSignature(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tseID := seedTSE(t, s, "tse1", model.TSEStatusActive)
	tillID := seedTill(t, s, "POS001", &tseID)
	seedTodo(t, s, 40, tillID)

	job, err := s.ClaimNext(ctx, tseID)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, s.ReleaseSignature(ctx, 40))
	sig := loadSignature(t, s, 40)
	assert.Equal(t, model.SignatureStatusTodo, sig.Status)
	assert.Nil(t, sig.TSEID)

	// The released row is immediately claimable again.
	job, err = s.ClaimNext(ctx, tseID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, uint64(40), job.OrderID)
}

func TestCompleteSignature_RequiresPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tseID := seedTSE(t, s, "tse1", model.TSEStatusActive)
	tillID := seedTill(t, s, "POS001", &tseID)
	seedTodo(t, s, 50, tillID)

	err := s.CompleteSignature(ctx, 50, SignatureResult{})
	assert.ErrorIs(t, err, ErrNotPending)

	err = s.SetSignatureRequest(ctx, 50, "Kassenbeleg-V1", "x")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestCompleteSignature_WritesResultFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tseID := seedTSE(t, s, "tse1", model.TSEStatusActive)
	tillID := seedTill(t, s, "POS001", &tseID)
	seedTodo(t, s, 60, tillID)

	_, err := s.ClaimNext(ctx, tseID)
	require.NoError(t, err)

	require.NoError(t, s.SetSignatureRequest(ctx, 60, "Kassenbeleg-V1", "Beleg^3.00_0.00_0.00_0.00_0.00^3.00:Bar"))
	require.NoError(t, s.CompleteSignature(ctx, 60, SignatureResult{
		ProcessType:  "Kassenbeleg-V1",
		ProcessData:  "Beleg^3.00_0.00_0.00_0.00_0.00^3.00:Bar",
		Transaction:  7,
		SignatureNr:  12,
		Start:        "2026-08-30T10:00:00.000Z",
		End:          "2026-08-30T10:00:01.000Z",
		SignatureB64: "c2lnbmF0dXJl",
	}))

	sig := loadSignature(t, s, 60)
	assert.Equal(t, model.SignatureStatusDone, sig.Status)
	require.NotNil(t, sig.TSETransaction)
	assert.Equal(t, uint64(7), *sig.TSETransaction)
	require.NotNil(t, sig.TSESignatureNr)
	assert.Equal(t, uint64(12), *sig.TSESignatureNr)
	require.NotNil(t, sig.TSESignature)
	assert.Equal(t, "c2lnbmF0dXJl", *sig.TSESignature)
	require.NotNil(t, sig.ResultMessage)
	assert.Equal(t, "success", *sig.ResultMessage)
}

func TestFailSignature(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tseID := seedTSE(t, s, "tse1", model.TSEStatusActive)
	tillID := seedTill(t, s, "POS001", &tseID)
	seedTodo(t, s, 70, tillID)

	// Unclaimed rows cannot be failed.
	assert.ErrorIs(t, s.FailSignature(ctx, 70, "x"), ErrNotPending)

	_, err := s.ClaimNext(ctx, tseID)
	require.NoError(t, err)

	require.NoError(t, s.FailSignature(ctx, 70, "till POS001 is not registered"))
	sig := loadSignature(t, s, 70)
	assert.Equal(t, model.SignatureStatusFailure, sig.Status)
	require.NotNil(t, sig.ResultMessage)
	assert.Contains(t, *sig.ResultMessage, "POS001")

	// A late write cannot overwrite the terminal state.
	assert.ErrorIs(t, s.FailSignature(ctx, 70, "late write"), ErrNotPending)
	sig = loadSignature(t, s, 70)
	assert.Contains(t, *sig.ResultMessage, "POS001")
}

func TestResetPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tseID := seedTSE(t, s, "tse1", model.TSEStatusActive)
	tillA := seedTill(t, s, "POS001", &tseID)
	tillB := seedTill(t, s, "POS002", &tseID)
	seedTodo(t, s, 80, tillA)
	seedTodo(t, s, 81, tillB)
	seedTodo(t, s, 82, tillA)

	_, err := s.ClaimNext(ctx, tseID)
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, tseID)
	require.NoError(t, err)

	const msg = "pending signature was not completed due to signature processor restart"
	n, err := s.ResetPending(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, orderID := range []uint64{80, 81} {
		sig := loadSignature(t, s, orderID)
		assert.Equal(t, model.SignatureStatusFailure, sig.Status)
		require.NotNil(t, sig.ResultMessage)
		assert.Equal(t, msg, *sig.ResultMessage)
	}
	// The row that was never claimed stays untouched.
	sig := loadSignature(t, s, 82)
	assert.Equal(t, model.SignatureStatusTodo, sig.Status)

	n, err = s.ResetPending(ctx, msg)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestActivateTSE(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := seedTSE(t, s, "tse1", model.TSEStatusNew)
	md := TSEMasterData{
		Serial:              "TSE-0001",
		HashAlgo:            "ecdsa-plain-SHA384",
		TimeFormat:          "unixTime",
		PublicKey:           "cHVibGlj",
		Certificate:         "Y2VydA==",
		ProcessDataEncoding: "UTF-8",
	}
	require.NoError(t, s.ActivateTSE(ctx, id, md))

	rec, err := s.GetTSEByName(ctx, "tse1")
	require.NoError(t, err)
	assert.Equal(t, model.TSEStatusActive, rec.Status)
	assert.Equal(t, "TSE-0001", rec.Serial)
	assert.Equal(t, "ecdsa-plain-SHA384", rec.HashAlgo)

	// Master data is written exactly once.
	assert.Error(t, s.ActivateTSE(ctx, id, md))
}

func TestTSEStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedTSE(t, s, "tse1", model.TSEStatusActive)

	// disable only succeeds from failed unless forced
	assert.Error(t, s.DisableTSE(ctx, "tse1", false))

	require.NoError(t, s.MarkTSEFailed(ctx, "tse1"))
	assert.Error(t, s.MarkTSEFailed(ctx, "tse1"))

	require.NoError(t, s.DisableTSE(ctx, "tse1", false))
	rec, err := s.GetTSEByName(ctx, "tse1")
	require.NoError(t, err)
	assert.Equal(t, model.TSEStatusDisabled, rec.Status)

	seedTSE(t, s, "tse2", model.TSEStatusActive)
	require.NoError(t, s.DisableTSE(ctx, "tse2", true))
}

func TestTillAssignment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tse1 := seedTSE(t, s, "tse1", model.TSEStatusActive)
	seedTill(t, s, "POS002", &tse1)
	seedTill(t, s, "POS001", &tse1)
	feralID := seedTill(t, s, "POS003", nil)

	names, err := s.TillNamesForTSE(ctx, tse1)
	require.NoError(t, err)
	assert.Equal(t, []string{"POS001", "POS002"}, names)

	feral, err := s.FeralTills(ctx)
	require.NoError(t, err)
	require.Len(t, feral, 1)
	assert.Equal(t, "POS003", feral[0].Name)

	require.NoError(t, s.AssignTill(ctx, feralID, tse1))
	feral, err = s.FeralTills(ctx)
	require.NoError(t, err)
	assert.Empty(t, feral)

	n, err := s.CountTillsForTSE(ctx, tse1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	unassigned, err := s.UnassignTills(ctx, tse1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), unassigned)

	n, err = s.CountTillsForTSE(ctx, tse1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppendHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tseID := seedTSE(t, s, "tse1", model.TSEStatusActive)
	require.NoError(t, s.AppendHistory(ctx, "POS001", tseID, model.HistoryRegister))
	require.NoError(t, s.AppendHistory(ctx, "POS001", tseID, model.HistoryDeregister))

	var rows []model.TillTSEHistory
	require.NoError(t, s.DB().Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, model.HistoryRegister, rows[0].What)
	assert.Equal(t, model.HistoryDeregister, rows[1].What)
	assert.Equal(t, "POS001", rows[0].TillName)
}

func TestListTSEOverview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tse1 := seedTSE(t, s, "tse1", model.TSEStatusActive)
	seedTSE(t, s, "tse2", model.TSEStatusNew)
	tillID := seedTill(t, s, "POS001", &tse1)
	seedTodo(t, s, 90, tillID)

	_, err := s.ClaimNext(ctx, tse1)
	require.NoError(t, err)

	overview, err := s.ListTSEOverview(ctx)
	require.NoError(t, err)
	require.Len(t, overview, 2)
	assert.Equal(t, "tse1", overview[0].Name)
	assert.Equal(t, int64(1), overview[0].PendingCount)
	assert.Equal(t, int64(1), overview[0].TillCount)
	assert.Zero(t, overview[1].PendingCount)
	assert.Zero(t, overview[1].TillCount)
}

func TestActiveTSEs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedTSE(t, s, "tse1", model.TSEStatusActive)
	seedTSE(t, s, "tse2", model.TSEStatusFailed)
	seedTSE(t, s, "tse3", model.TSEStatusActive)

	active, err := s.ActiveTSEs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "tse1", active[0].Name)
	assert.Equal(t, "tse3", active[1].Name)
}
