package tse

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// DummyDriver is the file-backed driver variant used in tests and local
// setups without hardware. Registered clients and counters survive restarts
// when a state path is configured, mirroring a real device's persistence.
type DummyDriver struct {
	path string

	mu       sync.Mutex
	started  bool
	clients  map[string]struct{}
	lastTx   uint64
	lastSig  uint64
	maxConns int

	// Test hooks.
	SignDelay time.Duration
	SignErr   error
	StartErr  error
	SignCalls int
}

type dummyState struct {
	Clients         []string `json:"clients"`
	LastTransaction uint64   `json:"last_transaction"`
	LastSignature   uint64   `json:"last_signature"`
}

// NewDummyDriver creates a dummy driver. path may be empty for a purely
// in-memory device.
func NewDummyDriver(path string) *DummyDriver {
	return &DummyDriver{
		path:     path,
		clients:  make(map[string]struct{}),
		maxConns: 100,
	}
}

func (d *DummyDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StartErr != nil {
		return d.StartErr
	}
	if d.path != "" {
		if err := d.loadLocked(); err != nil {
			return &Error{Kind: KindConnectFailed, Message: fmt.Sprintf("load dummy state: %v", err)}
		}
	}
	d.started = true
	return nil
}

func (d *DummyDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

func (d *DummyDriver) RegisterClient(ctx context.Context, name string) error {
	if !ValidClientName(name) {
		return &Error{Kind: KindInvalidName, Message: fmt.Sprintf("invalid client name %q", name)}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readyLocked(); err != nil {
		return err
	}
	if _, exists := d.clients[name]; exists {
		return &Error{Kind: KindDuplicate, Message: fmt.Sprintf("client %q is already registered", name)}
	}
	if len(d.clients) >= d.maxConns {
		return &Error{Kind: KindCapacity, Code: codeCapacity, Message: "client limit reached"}
	}
	d.clients[name] = struct{}{}
	return d.saveLocked()
}

func (d *DummyDriver) DeregisterClient(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readyLocked(); err != nil {
		return err
	}
	if _, exists := d.clients[name]; !exists {
		return &Error{Kind: KindNotRegistered, Code: codeNotRegistered, Message: fmt.Sprintf("client %q is not registered", name)}
	}
	delete(d.clients, name)
	return d.saveLocked()
}

func (d *DummyDriver) Sign(ctx context.Context, req SignRequest) (*SignResult, error) {
	d.mu.Lock()
	if err := d.readyLocked(); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.SignCalls++
	if d.SignErr != nil {
		err := d.SignErr
		d.mu.Unlock()
		return nil, err
	}
	if _, exists := d.clients[req.TillName]; !exists {
		d.mu.Unlock()
		return nil, &Error{Kind: KindNotRegistered, Code: codeNotRegistered, Message: fmt.Sprintf("client %q is not registered", req.TillName)}
	}
	delay := d.SignDelay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &Error{Kind: KindTimeout, Message: "sign cancelled"}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTx++
	d.lastSig++

	now := time.Now().UTC()
	digest := sha256.Sum256(fmt.Appendf(nil, "%d:%s:%s:%d", req.OrderID, req.TillName, req.ProcessData, d.lastSig))

	res := &SignResult{
		Transaction:  d.lastTx,
		SignatureNr:  d.lastSig,
		Start:        now.Format("2006-01-02T15:04:05.000Z"),
		End:          now.Format("2006-01-02T15:04:05.000Z"),
		SignatureB64: base64.StdEncoding.EncodeToString(digest[:]),
	}
	if err := d.saveLocked(); err != nil {
		return nil, err
	}
	return res, nil
}

func (d *DummyDriver) ListClients(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readyLocked(); err != nil {
		return nil, err
	}
	clients := make([]string, 0, len(d.clients))
	for c := range d.clients {
		clients = append(clients, c)
	}
	sort.Strings(clients)
	return clients, nil
}

func (d *DummyDriver) GetMasterData(ctx context.Context) (*MasterData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.readyLocked(); err != nil {
		return nil, err
	}
	return &MasterData{
		Serial:              "DUMMY-0001",
		HashAlgo:            "ecdsa-plain-SHA256",
		TimeFormat:          "unixTime",
		PublicKeyB64:        base64.StdEncoding.EncodeToString([]byte("dummy public key")),
		CertificateB64:      base64.StdEncoding.EncodeToString([]byte("dummy certificate")),
		ProcessDataEncoding: "UTF-8",
	}, nil
}

func (d *DummyDriver) readyLocked() error {
	if !d.started {
		return &Error{Kind: KindConnectFailed, Message: "dummy driver is not started"}
	}
	return nil
}

func (d *DummyDriver) loadLocked() error {
	raw, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var state dummyState
	if err := json.Unmarshal(raw, &state); err != nil {
		return err
	}
	d.clients = make(map[string]struct{}, len(state.Clients))
	for _, c := range state.Clients {
		d.clients[c] = struct{}{}
	}
	d.lastTx = state.LastTransaction
	d.lastSig = state.LastSignature
	return nil
}

func (d *DummyDriver) saveLocked() error {
	if d.path == "" {
		return nil
	}
	state := dummyState{
		LastTransaction: d.lastTx,
		LastSignature:   d.lastSig,
	}
	for c := range d.clients {
		state.Clients = append(state.Clients, c)
	}
	sort.Strings(state.Clients)
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(d.path, raw, 0o644)
}
