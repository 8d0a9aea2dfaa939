// Package tse multiplexes signing requests from the queue onto a pool of
// hardware signing devices. Each device is owned by exactly one Wrapper; the
// Processor supervises the wrappers and performs crash recovery.
package tse

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrorKind classifies driver and device failures so the wrapper can decide
// between retrying, reconnecting and failing the queue row.
type ErrorKind string

const (
	KindConnectFailed ErrorKind = "connect-failed"
	KindDeviceError   ErrorKind = "device-error"
	KindTimeout       ErrorKind = "timeout"
	KindNotRegistered ErrorKind = "not-registered"
	KindDuplicate     ErrorKind = "duplicate"
	KindCapacity      ErrorKind = "capacity"
	KindHasOpenTx     ErrorKind = "has-open-tx"
	KindBadPassword   ErrorKind = "bad-password"
	KindInvalidName   ErrorKind = "invalid-name"
)

// Error is a classified driver error. Code carries the device's numeric
// error code when one was reported.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tse %s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("tse %s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is a driver error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

// SignRequest is one signing request handed to a driver.
type SignRequest struct {
	OrderID     uint64
	TillName    string
	ProcessType string
	ProcessData string
}

// SignResult is the device's answer to a sign request. Start and End are UTC
// ISO-8601 with millisecond precision; the signature is base64.
type SignResult struct {
	Transaction  uint64
	SignatureNr  uint64
	Start        string
	End          string
	SignatureB64 string
}

// MasterData identifies the device. Valid only after a successful Start.
type MasterData struct {
	Serial              string
	HashAlgo            string
	TimeFormat          string
	PublicKeyB64        string
	CertificateB64      string
	ProcessDataEncoding string
}

// Driver is the capability set the wrapper depends on. Every variant
// (production websocket driver, dummy file-backed driver) satisfies it.
type Driver interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	RegisterClient(ctx context.Context, name string) error
	DeregisterClient(ctx context.Context, name string) error
	Sign(ctx context.Context, req SignRequest) (*SignResult, error)
	ListClients(ctx context.Context) ([]string, error)
	GetMasterData(ctx context.Context) (*MasterData, error)
}

// Till names double as TSE client IDs, which restricts them to a 30 char
// ASCII subset.
var clientNameRe = regexp.MustCompile(`^[a-zA-Z0-9()+,\-.:? ]{1,30}$`)

// ValidClientName reports whether name is usable as a TSE client ID.
func ValidClientName(name string) bool {
	return clientNameRe.MatchString(name)
}
