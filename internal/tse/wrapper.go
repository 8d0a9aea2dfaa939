package tse

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tse-signature-mux/config"
	"tse-signature-mux/internal/model"
	"tse-signature-mux/internal/receipt"
	"tse-signature-mux/internal/store"
)

// WrapperState is the coarse lifecycle state exposed to the monitor API.
type WrapperState string

const (
	StateDisconnected WrapperState = "disconnected"
	StateMasterData   WrapperState = "master_data"
	StateReady        WrapperState = "ready"
	StateSigning      WrapperState = "signing"
	StateStopped      WrapperState = "stopped"
)

// errWrapperShutdown signals that the wrapper must stop permanently because
// its device record is disabled or failed.
var errWrapperShutdown = errors.New("wrapper shut down by device status")

// shutdownGrace is how long a stopping wrapper waits for an in-flight device
// response before returning the row to todo.
const shutdownGrace = 2 * time.Second

// Alerter receives operator-facing events. Implemented by the alert worker
// pool; may be nil.
type Alerter interface {
	DeviceFailure(tseName, message string)
	BacklogWarning(tseName string, pending int64)
}

// Wrapper owns exactly one signing device: its driver, the set of client IDs
// currently registered there, and a single-threaded claim/sign loop. At most
// one signature is in flight per wrapper.
type Wrapper struct {
	name         string
	store        store.Store
	newDriver    func() Driver
	policy       config.PolicyConfig
	wakeInterval time.Duration
	alerter      Alerter

	wake chan struct{}

	mu         sync.Mutex
	state      WrapperState
	tseID      uint64
	live       map[string]struct{}
	warned     bool
	failStreak int
}

// deviceFailureThreshold is how many consecutive failed sessions it takes
// before operators get alerted. A single reconnect is routine noise.
const deviceFailureThreshold = 3

// NewWrapper creates a wrapper for the named device. newDriver is invoked on
// every (re)connect so a fresh session is used after failures.
func NewWrapper(name string, st store.Store, newDriver func() Driver, policy config.PolicyConfig, wakeInterval time.Duration, alerter Alerter) *Wrapper {
	if wakeInterval <= 0 {
		wakeInterval = 5 * time.Second
	}
	return &Wrapper{
		name:         name,
		store:        st,
		newDriver:    newDriver,
		policy:       policy,
		wakeInterval: wakeInterval,
		alerter:      alerter,
		wake:         make(chan struct{}, 1),
		state:        StateDisconnected,
		live:         make(map[string]struct{}),
	}
}

func (w *Wrapper) Name() string { return w.name }

// Wake nudges the claim loop. Never blocks; a wake that arrives while one is
// already queued is folded into it.
func (w *Wrapper) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Wrapper) State() WrapperState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Wrapper) TSEID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tseID
}

func (w *Wrapper) setState(s WrapperState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run drives the wrapper until ctx is cancelled or the device record turns
// disabled/failed. Session errors reconnect with backoff; startup errors
// keep reconnecting indefinitely without taking the process down.
func (w *Wrapper) Run(ctx context.Context) {
	defer w.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return
		}

		err := w.session(ctx)
		if errors.Is(err, errWrapperShutdown) {
			log.Printf("tse %s: device is disabled or failed, wrapper exiting", w.name)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("tse %s: session ended: %v; reconnecting in %s", w.name, err, w.policy.ReconnectBackoff)
			w.mu.Lock()
			w.failStreak++
			streak := w.failStreak
			w.mu.Unlock()
			if streak == deviceFailureThreshold && w.alerter != nil {
				w.alerter.DeviceFailure(w.name, err.Error())
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.policy.ReconnectBackoff):
		}
	}
}

// session runs one driver connection from handshake to failure or shutdown.
func (w *Wrapper) session(ctx context.Context) error {
	w.setState(StateDisconnected)
	w.mu.Lock()
	w.warned = false
	w.mu.Unlock()

	drv := w.newDriver()
	if err := drv.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := dbContext()
		defer cancel()
		if err := drv.Stop(stopCtx); err != nil {
			log.Printf("tse %s: driver stop: %v", w.name, err)
		}
	}()

	w.setState(StateMasterData)
	if err := w.syncMasterData(ctx, drv); err != nil {
		return err
	}
	if err := w.reconcile(ctx, drv); err != nil {
		return err
	}

	w.setState(StateReady)
	log.Printf("tse %s: ready", w.name)
	w.mu.Lock()
	w.failStreak = 0
	w.mu.Unlock()

	timer := time.NewTimer(w.wakeInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		case <-timer.C:
		}

		if err := w.drainQueue(ctx, drv); err != nil {
			return err
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.wakeInterval)
	}
}

// syncMasterData loads the device record and brings it in line with the
// connected hardware. A record in status new is activated with the device's
// master data in one transaction.
func (w *Wrapper) syncMasterData(ctx context.Context, drv Driver) error {
	rec, err := w.store.GetTSEByName(ctx, w.name)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.tseID = rec.ID
	w.mu.Unlock()

	switch rec.Status {
	case model.TSEStatusDisabled, model.TSEStatusFailed:
		return errWrapperShutdown

	case model.TSEStatusNew:
		md, err := drv.GetMasterData(ctx)
		if err != nil {
			return fmt.Errorf("master data read failed: %w", err)
		}
		if err := w.store.ActivateTSE(ctx, rec.ID, store.TSEMasterData{
			Serial:              md.Serial,
			HashAlgo:            md.HashAlgo,
			TimeFormat:          md.TimeFormat,
			PublicKey:           md.PublicKeyB64,
			Certificate:         md.CertificateB64,
			ProcessDataEncoding: md.ProcessDataEncoding,
		}); err != nil {
			return err
		}
		log.Printf("tse %s: master data written, device is now active (serial %s)", w.name, md.Serial)

	case model.TSEStatusActive:
		md, err := drv.GetMasterData(ctx)
		if err != nil {
			return fmt.Errorf("master data read failed: %w", err)
		}
		if md.Serial != rec.Serial {
			// Hard operator error: the configured name points at different
			// hardware than the record was activated with.
			log.Printf("tse %s: MASTER DATA MISMATCH: db serial %q, device serial %q; check the device wiring",
				w.name, rec.Serial, md.Serial)
		}
	}
	return nil
}

// reconcile forces the database's view of registered tills onto the device.
// Every actual register/deregister is recorded in the till-tse history.
func (w *Wrapper) reconcile(ctx context.Context, drv Driver) error {
	liveClients, err := drv.ListClients(ctx)
	if err != nil {
		return fmt.Errorf("list clients failed: %w", err)
	}
	dbClients, err := w.store.TillNamesForTSE(ctx, w.tseID)
	if err != nil {
		return err
	}

	liveSet := make(map[string]struct{}, len(liveClients))
	for _, c := range liveClients {
		liveSet[c] = struct{}{}
	}
	dbSet := make(map[string]struct{}, len(dbClients))
	for _, c := range dbClients {
		dbSet[c] = struct{}{}
	}

	newLive := make(map[string]struct{}, len(dbClients))

	for _, name := range dbClients {
		if _, ok := liveSet[name]; ok {
			newLive[name] = struct{}{}
			continue
		}
		if err := w.registerTill(ctx, drv, name); err != nil {
			return fmt.Errorf("reconcile register %q: %w", name, err)
		}
		newLive[name] = struct{}{}
	}

	for _, name := range liveClients {
		if _, ok := dbSet[name]; ok {
			continue
		}
		if err := drv.DeregisterClient(ctx, name); err != nil {
			if IsKind(err, KindHasOpenTx) {
				// The device refuses while transactions are open. Nothing
				// reconciliation can do; the till stays on the device.
				log.Printf("tse %s: inconsistent state: client %q has open transactions, cannot deregister", w.name, name)
				newLive[name] = struct{}{}
				continue
			}
			return fmt.Errorf("reconcile deregister %q: %w", name, err)
		}
		log.Printf("tse %s: deregistered stale client %q", w.name, name)
		if err := w.store.AppendHistory(ctx, name, w.tseID, model.HistoryDeregister); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.live = newLive
	w.mu.Unlock()
	return nil
}

// registerTill registers a client on the device and records it in the
// history. A duplicate answer means the device already knows the till.
func (w *Wrapper) registerTill(ctx context.Context, drv Driver, name string) error {
	if err := drv.RegisterClient(ctx, name); err != nil {
		if !IsKind(err, KindDuplicate) {
			return err
		}
		log.Printf("tse %s: client %q was already registered on the device", w.name, name)
		return nil
	}
	log.Printf("tse %s: registered client %q", w.name, name)
	return w.store.AppendHistory(ctx, name, w.tseID, model.HistoryRegister)
}

// drainQueue claims and signs eligible rows until the queue has nothing left
// for this device.
func (w *Wrapper) drainQueue(ctx context.Context, drv Driver) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		claimed, err := w.processOne(ctx, drv)
		if err != nil || !claimed {
			return err
		}
	}
}

// processOne claims at most one row and runs it to a terminal state. The
// returned bool reports whether a row was claimed.
func (w *Wrapper) processOne(ctx context.Context, drv Driver) (bool, error) {
	pending, err := w.store.PendingCount(ctx, w.TSEID())
	if err != nil {
		return false, err
	}
	if pending >= int64(w.policy.BacklogReject) {
		log.Printf("tse %s: backlog: %d rows pending (cap %d), refusing new work", w.name, pending, w.policy.BacklogReject)
		return false, nil
	}
	if pending >= int64(w.policy.BacklogWarn) {
		w.mu.Lock()
		first := !w.warned
		w.warned = true
		w.mu.Unlock()
		if first {
			log.Printf("tse %s: backlog warning: %d rows pending", w.name, pending)
			if w.alerter != nil {
				w.alerter.BacklogWarning(w.name, pending)
			}
		}
	}

	job, err := w.store.ClaimNext(ctx, w.TSEID())
	if err != nil {
		// Serialization conflicts land here; the next wake retries.
		return false, err
	}
	if job == nil {
		return false, nil
	}

	w.setState(StateSigning)
	defer w.setState(StateReady)

	items := make([]receipt.LineItem, len(job.Items))
	for i, it := range job.Items {
		items[i] = receipt.LineItem{TotalPrice: it.TotalPrice, TaxRateKey: it.TaxRateKey}
	}
	processType, processData, err := receipt.Encode(job.PaymentMethod, items, "EUR")
	if err != nil {
		// Invalid input never reaches the device and is never retried.
		msg := fmt.Sprintf("could not build receipt: %v", err)
		log.Printf("tse %s: order %d: %s", w.name, job.OrderID, msg)
		return true, w.fail(ctx, job.OrderID, msg)
	}
	if err := w.store.SetSignatureRequest(ctx, job.OrderID, processType, processData); err != nil {
		w.release(job.OrderID)
		return false, err
	}

	w.mu.Lock()
	_, registered := w.live[job.TillName]
	w.mu.Unlock()
	if !registered {
		if err := w.registerTill(ctx, drv, job.TillName); err != nil {
			if IsKind(err, KindCapacity) || IsKind(err, KindInvalidName) {
				msg := fmt.Sprintf("till %q could not be registered: %v", job.TillName, err)
				return true, w.fail(ctx, job.OrderID, msg)
			}
			w.release(job.OrderID)
			return false, err
		}
		w.mu.Lock()
		w.live[job.TillName] = struct{}{}
		w.mu.Unlock()
	}

	res, err := w.signWithGrace(ctx, drv, SignRequest{
		OrderID:     job.OrderID,
		TillName:    job.TillName,
		ProcessType: processType,
		ProcessData: processData,
	})

	switch {
	case err == nil:
		dbCtx, cancel := dbContext()
		defer cancel()
		if err := w.store.CompleteSignature(dbCtx, job.OrderID, store.SignatureResult{
			ProcessType:  processType,
			ProcessData:  processData,
			Transaction:  res.Transaction,
			SignatureNr:  res.SignatureNr,
			Start:        res.Start,
			End:          res.End,
			SignatureB64: res.SignatureB64,
		}); err != nil {
			return false, err
		}
		log.Printf("tse %s: order %d signed (transaction %d, counter %d)", w.name, job.OrderID, res.Transaction, res.SignatureNr)
		return true, nil

	case ctx.Err() != nil:
		// Clean abort: the wrapper is stopping and no response arrived
		// within the grace period.
		w.release(job.OrderID)
		return false, nil

	case IsKind(err, KindTimeout) || IsKind(err, KindConnectFailed):
		// Transient: the row goes back to todo and the session reconnects.
		w.release(job.OrderID)
		return false, err

	case IsKind(err, KindNotRegistered):
		// The device lost the registration behind our back; reconciliation
		// on reconnect restores it.
		w.mu.Lock()
		delete(w.live, job.TillName)
		w.mu.Unlock()
		w.release(job.OrderID)
		return false, err

	default:
		msg := fmt.Sprintf("device rejected signature: %v", err)
		log.Printf("tse %s: order %d: %s", w.name, job.OrderID, msg)
		return true, w.fail(ctx, job.OrderID, msg)
	}
}

// signWithGrace runs the sign call under the overall per-signature deadline.
// When the wrapper is told to stop mid-sign, a response that still arrives
// within shutdownGrace is honored; afterwards the call is abandoned.
func (w *Wrapper) signWithGrace(ctx context.Context, drv Driver, req SignRequest) (*SignResult, error) {
	signCtx, cancel := context.WithTimeout(context.Background(), w.policy.SignTimeout)
	defer cancel()

	type outcome struct {
		res *SignResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := drv.Sign(signCtx, req)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		select {
		case out := <-ch:
			return out.res, out.err
		case <-time.After(shutdownGrace):
			cancel()
			return nil, fmt.Errorf("sign aborted by shutdown: %w", ctx.Err())
		}
	}
}

// fail marks a claimed row as failure. A row that is no longer pending was
// already stamped by the restart sweep; there is nothing left to record.
func (w *Wrapper) fail(ctx context.Context, orderID uint64, message string) error {
	err := w.store.FailSignature(ctx, orderID, message)
	if errors.Is(err, store.ErrNotPending) {
		return nil
	}
	return err
}

// release returns a claimed row to todo, using a fresh context so the write
// also succeeds during shutdown. A row must never stay pending after the
// wrapper stopped.
func (w *Wrapper) release(orderID uint64) {
	dbCtx, cancel := dbContext()
	defer cancel()
	if err := w.store.ReleaseSignature(dbCtx, orderID); err != nil {
		log.Printf("tse %s: failed to release order %d back to todo: %v", w.name, orderID, err)
	}
}

func dbContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
