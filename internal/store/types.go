package store

import (
	"tse-signature-mux/internal/model"
)

// Job is one claimed queue row together with everything the wrapper needs to
// build and persist the signature.
type Job struct {
	OrderID       uint64
	TillID        int64
	TillName      string
	PaymentMethod model.PaymentMethod
	Items         []model.LineItem
}

// TSEMasterData carries the device-identifying fields written on the first
// successful handshake.
type TSEMasterData struct {
	Serial              string
	HashAlgo            string
	TimeFormat          string
	PublicKey           string
	Certificate         string
	ProcessDataEncoding string
}

// SignatureResult carries the result fields of a completed signature.
type SignatureResult struct {
	ProcessType  string
	ProcessData  string
	Transaction  uint64
	SignatureNr  uint64
	Start        string
	End          string
	SignatureB64 string
}

// TSEOverview is one row of the monitor API's device listing.
type TSEOverview struct {
	model.TSE
	PendingCount int64 `json:"pendingCount"`
	TillCount    int64 `json:"tillCount"`
}
