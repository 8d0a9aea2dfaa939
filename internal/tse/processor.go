package tse

import (
	"context"
	"log"
	"sync"
	"time"

	"tse-signature-mux/config"
	"tse-signature-mux/internal/model"
	"tse-signature-mux/internal/store"
)

// RestartSweepMessage is written on every queue row the crash-recovery sweep
// marks as failure. Operators grep for it when reconciling device logs.
const RestartSweepMessage = "pending signature was not completed due to signature processor restart"

// DriverFactory creates a fresh driver session for a configured device.
type DriverFactory func(cfg config.TSEConfig) Driver

// WrapperStatus is one wrapper's state for the monitor API.
type WrapperStatus struct {
	Name  string       `json:"name"`
	State WrapperState `json:"state"`
	TSEID uint64       `json:"tseId"`
}

// Processor is the process-wide singleton. It performs the crash-recovery
// sweep, owns one wrapper per configured device, fans notification wake-ups
// out to all wrappers and assigns feral tills to active devices.
type Processor struct {
	cfg      *config.Config
	store    store.Store
	wrappers []*Wrapper
	listen   func(ctx context.Context)
}

// NewProcessor builds the processor and its wrappers. listen, when non-nil,
// is run as the notification subscription (it must call WakeAll via the
// callback it was constructed with). alerter may be nil.
func NewProcessor(cfg *config.Config, st store.Store, alerter Alerter, drivers DriverFactory) *Processor {
	p := &Processor{cfg: cfg, store: st}
	for _, tcfg := range cfg.TSEs {
		tcfg := tcfg
		p.wrappers = append(p.wrappers, NewWrapper(
			tcfg.Name,
			st,
			func() Driver { return drivers(tcfg) },
			cfg.Policy,
			cfg.Processor.WakeInterval,
			alerter,
		))
	}
	return p
}

// SetListener attaches the notification subscription task.
func (p *Processor) SetListener(listen func(ctx context.Context)) {
	p.listen = listen
}

// WakeAll sets the wake event on every wrapper. Called for each DB
// notification; the payload is ignored, wrappers always re-query.
func (p *Processor) WakeAll() {
	for _, w := range p.wrappers {
		w.Wake()
	}
}

// Snapshot returns the current state of all wrappers.
func (p *Processor) Snapshot() []WrapperStatus {
	out := make([]WrapperStatus, 0, len(p.wrappers))
	for _, w := range p.wrappers {
		out = append(out, WrapperStatus{Name: w.Name(), State: w.State(), TSEID: w.TSEID()})
	}
	return out
}

// Run executes the processor until ctx is cancelled. The crash-recovery
// sweep happens before any wrapper starts claiming.
func (p *Processor) Run(ctx context.Context) error {
	swept, err := p.store.ResetPending(ctx, RestartSweepMessage)
	if err != nil {
		return err
	}
	if swept > 0 {
		log.Printf("crash recovery: marked %d stuck pending signature(s) as failure", swept)
	}

	var wg sync.WaitGroup

	if p.listen != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.listen(ctx)
		}()
	}

	if p.cfg.Processor.ReassignEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.reassignLoop(ctx)
		}()
	}

	for _, w := range p.wrappers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	log.Printf("signature processor running with %d wrapper(s)", len(p.wrappers))

	<-ctx.Done()
	log.Println("signature processor stopping...")
	wg.Wait()
	return nil
}

// reassignLoop periodically hands tills without a device to an active TSE.
func (p *Processor) reassignLoop(ctx context.Context) {
	timer := time.NewTimer(p.cfg.Processor.ReassignInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := p.ReassignOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("till reassignment failed: %v", err)
		}
		timer.Reset(p.cfg.Processor.ReassignInterval)
	}
}

// ReassignOnce assigns every feral till to the eligible active TSE with the
// shortest pending queue. Eligible means fewer registered clients than the
// device limit.
func (p *Processor) ReassignOnce(ctx context.Context) error {
	tills, err := p.store.FeralTills(ctx)
	if err != nil {
		return err
	}
	if len(tills) == 0 {
		return nil
	}

	tses, err := p.store.ActiveTSEs(ctx)
	if err != nil {
		return err
	}

	assigned := 0
	for _, till := range tills {
		best, err := p.pickTSE(ctx, tses)
		if err != nil {
			return err
		}
		if best == nil {
			log.Printf("till %q cannot be assigned: no active TSE with free capacity", till.Name)
			continue
		}
		if err := p.store.AssignTill(ctx, till.ID, best.ID); err != nil {
			return err
		}
		log.Printf("assigned till %q to tse %q", till.Name, best.Name)
		assigned++
	}

	if assigned > 0 {
		// Registration on the device happens lazily on the wrapper's next
		// claim, so nudge them.
		p.WakeAll()
	}
	return nil
}

func (p *Processor) pickTSE(ctx context.Context, tses []model.TSE) (*model.TSE, error) {
	var best *model.TSE
	var bestPending int64

	for i := range tses {
		t := &tses[i]
		clients, err := p.store.CountTillsForTSE(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if clients >= int64(p.cfg.Policy.MaxClientsPerTSE) {
			continue
		}
		pending, err := p.store.PendingCount(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if best == nil || pending < bestPending {
			best = t
			bestPending = pending
		}
	}
	return best, nil
}
