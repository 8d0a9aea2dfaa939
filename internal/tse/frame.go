package tse

import (
	"bytes"
	"fmt"
)

// Wire framing of the device protocol: each text message is the payload
// prefixed with STX and suffixed with ETX LF.
const (
	frameSTX = 0x02
	frameETX = 0x03
	frameLF  = 0x0A
)

// frameMessage wraps a JSON payload for the wire.
func frameMessage(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+3)
	out = append(out, frameSTX)
	out = append(out, payload...)
	out = append(out, frameETX, frameLF)
	return out
}

// unframeMessage strips the framing and returns the payload.
func unframeMessage(raw []byte) ([]byte, error) {
	if len(raw) < 3 || raw[0] != frameSTX {
		return nil, fmt.Errorf("malformed frame: missing STX")
	}
	rest := raw[1:]
	// Some firmware revisions omit the trailing LF.
	rest = bytes.TrimSuffix(rest, []byte{frameLF})
	if len(rest) == 0 || rest[len(rest)-1] != frameETX {
		return nil, fmt.Errorf("malformed frame: missing ETX")
	}
	return rest[:len(rest)-1], nil
}
