package tse

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDriver speaks the websocket device protocol: JSON payloads framed with
// STX/ETX, matched to outstanding requests by a monotonic correlation id the
// device echoes back as PingPong.
type WSDriver struct {
	url      string
	password string
	timeout  time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan deviceResponse

	done    chan struct{}
	readErr error
}

// NewWSDriver creates a driver for the device at url. timeout is the
// per-request deadline.
func NewWSDriver(url, password string, timeout time.Duration) *WSDriver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WSDriver{
		url:      url,
		password: password,
		timeout:  timeout,
		pending:  make(map[uint64]chan deviceResponse),
	}
}

type deviceRequest struct {
	Command           string `json:"Command"`
	PingPong          uint64 `json:"PingPong"`
	ClientID          string `json:"ClientID,omitempty"`
	Password          string `json:"Password,omitempty"`
	TransactionNumber uint64 `json:"TransactionNumber,omitempty"`
	ProcessType       string `json:"ProcessType,omitempty"`
	ProcessData       string `json:"ProcessData,omitempty"`
}

type deviceResponse struct {
	Command  string `json:"Command"`
	PingPong uint64 `json:"PingPong"`
	Status   string `json:"Status"`
	Code     int    `json:"Code"`
	Desc     string `json:"Desc"`

	// GetDeviceInfo
	SerialNumber        string `json:"SerialNumber"`
	SignatureAlgorithm  string `json:"SignatureAlgorithm"`
	LogTimeFormat       string `json:"LogTimeFormat"`
	ProcessDataEncoding string `json:"ProcessDataEncoding"`

	// GetDeviceData
	PublicKey   string `json:"PublicKey"`
	Certificate string `json:"Certificate"`

	// GetDeviceStatus
	ClientIDs []string `json:"ClientIDs"`

	// StartTransaction / FinishTransaction
	TransactionNumber uint64 `json:"TransactionNumber"`
	SignatureCounter  uint64 `json:"SignatureCounter"`
	Signature         string `json:"Signature"` // hex on the wire
	LogTime           int64  `json:"LogTime"`   // unix seconds, UTC
}

// Numeric device error codes of interest.
const (
	codeNotRegistered = 19
	codeCapacity      = 21
	codeHasOpenTx     = 24
	codeBadPassword   = 30
)

func mapDeviceError(code int, desc string) *Error {
	kind := KindDeviceError
	switch code {
	case codeNotRegistered:
		kind = KindNotRegistered
	case codeCapacity:
		kind = KindCapacity
	case codeHasOpenTx:
		kind = KindHasOpenTx
	case codeBadPassword:
		kind = KindBadPassword
	}
	return &Error{Kind: kind, Code: code, Message: desc}
}

// Start dials the device and verifies it is ready to accept requests.
func (d *WSDriver) Start(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return &Error{Kind: KindConnectFailed, Message: fmt.Sprintf("dial %s: %v", d.url, err)}
	}

	d.mu.Lock()
	d.conn = conn
	d.done = make(chan struct{})
	d.pending = make(map[uint64]chan deviceResponse)
	d.readErr = nil
	d.mu.Unlock()

	go d.readPump(conn)

	if _, err := d.roundTrip(ctx, deviceRequest{Command: "GetDeviceStatus"}); err != nil {
		_ = d.Stop(context.Background())
		return &Error{Kind: KindConnectFailed, Message: fmt.Sprintf("device not ready: %v", err)}
	}
	return nil
}

// Stop closes the session gracefully.
func (d *WSDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (d *WSDriver) readPump(conn *websocket.Conn) {
	var readErr error
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		payload, err := unframeMessage(raw)
		if err != nil {
			// Skip garbage; the waiting request will hit its timeout.
			continue
		}
		var resp deviceResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}

		d.mu.Lock()
		ch, ok := d.pending[resp.PingPong]
		if ok {
			delete(d.pending, resp.PingPong)
		}
		d.mu.Unlock()
		if ok {
			ch <- resp
		}
	}

	d.mu.Lock()
	d.readErr = readErr
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
	close(d.done)
	d.mu.Unlock()
}

// roundTrip sends one framed request and waits for the response with the
// matching correlation id.
func (d *WSDriver) roundTrip(ctx context.Context, req deviceRequest) (*deviceResponse, error) {
	d.mu.Lock()
	conn := d.conn
	if conn == nil {
		d.mu.Unlock()
		return nil, &Error{Kind: KindConnectFailed, Message: "driver is not started"}
	}
	d.nextID++
	req.PingPong = d.nextID
	ch := make(chan deviceResponse, 1)
	d.pending[req.PingPong] = ch
	done := d.done
	d.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", req.Command, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frameMessage(payload)); err != nil {
		d.dropPending(req.PingPong)
		return nil, &Error{Kind: KindConnectFailed, Message: fmt.Sprintf("write %s: %v", req.Command, err)}
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &Error{Kind: KindConnectFailed, Message: "connection closed while waiting for response"}
		}
		if resp.Status == "error" || resp.Code != 0 {
			return nil, mapDeviceError(resp.Code, resp.Desc)
		}
		return &resp, nil
	case <-timer.C:
		d.dropPending(req.PingPong)
		return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("%s timed out after %s", req.Command, d.timeout)}
	case <-ctx.Done():
		// The caller's deadline covers the whole signature; expiry here is
		// the same transient condition as the per-request timer.
		d.dropPending(req.PingPong)
		return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("%s aborted: %v", req.Command, ctx.Err())}
	case <-done:
		d.mu.Lock()
		readErr := d.readErr
		d.mu.Unlock()
		return nil, &Error{Kind: KindConnectFailed, Message: fmt.Sprintf("connection lost: %v", readErr)}
	}
}

func (d *WSDriver) dropPending(id uint64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *WSDriver) RegisterClient(ctx context.Context, name string) error {
	if !ValidClientName(name) {
		return &Error{Kind: KindInvalidName, Message: fmt.Sprintf("invalid client name %q", name)}
	}
	_, err := d.roundTrip(ctx, deviceRequest{
		Command:  "RegisterClientID",
		ClientID: name,
		Password: d.password,
	})
	return err
}

func (d *WSDriver) DeregisterClient(ctx context.Context, name string) error {
	_, err := d.roundTrip(ctx, deviceRequest{
		Command:  "DeregisterClientID",
		ClientID: name,
		Password: d.password,
	})
	return err
}

// Sign runs one transaction on the device: StartTransaction opens it,
// FinishTransaction carries the process data and yields the signature.
func (d *WSDriver) Sign(ctx context.Context, req SignRequest) (*SignResult, error) {
	start, err := d.roundTrip(ctx, deviceRequest{
		Command:  "StartTransaction",
		ClientID: req.TillName,
		Password: d.password,
	})
	if err != nil {
		return nil, err
	}

	finish, err := d.roundTrip(ctx, deviceRequest{
		Command:           "FinishTransaction",
		ClientID:          req.TillName,
		Password:          d.password,
		TransactionNumber: start.TransactionNumber,
		ProcessType:       req.ProcessType,
		ProcessData:       req.ProcessData,
	})
	if err != nil {
		return nil, err
	}

	// The device reports the signature hex-encoded; it is persisted base64.
	rawSig, err := hex.DecodeString(finish.Signature)
	if err != nil {
		return nil, &Error{Kind: KindDeviceError, Message: fmt.Sprintf("signature is not valid hex: %v", err)}
	}

	return &SignResult{
		Transaction:  start.TransactionNumber,
		SignatureNr:  finish.SignatureCounter,
		Start:        formatLogTime(start.LogTime),
		End:          formatLogTime(finish.LogTime),
		SignatureB64: base64.StdEncoding.EncodeToString(rawSig),
	}, nil
}

func (d *WSDriver) ListClients(ctx context.Context) ([]string, error) {
	resp, err := d.roundTrip(ctx, deviceRequest{Command: "GetDeviceStatus"})
	if err != nil {
		return nil, err
	}
	clients := make([]string, 0, len(resp.ClientIDs))
	for _, c := range resp.ClientIDs {
		// The device lists internal reserved clients; they are not tills.
		if strings.HasPrefix(c, "DN ") || !ValidClientName(c) {
			continue
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func (d *WSDriver) GetMasterData(ctx context.Context) (*MasterData, error) {
	info, err := d.roundTrip(ctx, deviceRequest{Command: "GetDeviceInfo"})
	if err != nil {
		return nil, err
	}
	data, err := d.roundTrip(ctx, deviceRequest{Command: "GetDeviceData"})
	if err != nil {
		return nil, err
	}
	return &MasterData{
		Serial:              info.SerialNumber,
		HashAlgo:            info.SignatureAlgorithm,
		TimeFormat:          info.LogTimeFormat,
		ProcessDataEncoding: info.ProcessDataEncoding,
		PublicKeyB64:        data.PublicKey,
		CertificateB64:      data.Certificate,
	}, nil
}

// formatLogTime renders a device log time as UTC ISO-8601 with millisecond
// precision.
func formatLogTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2006-01-02T15:04:05.000Z")
}
