package tse

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"Command":"GetDeviceStatus","PingPong":7}`)
	framed := frameMessage(payload)

	assert.Equal(t, byte(frameSTX), framed[0])
	assert.Equal(t, byte(frameETX), framed[len(framed)-2])
	assert.Equal(t, byte(frameLF), framed[len(framed)-1])

	out, err := unframeMessage(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestUnframeMessage_MissingTrailingLF(t *testing.T) {
	// Some firmware revisions omit the LF after ETX.
	raw := []byte{frameSTX, 'h', 'i', frameETX}
	out, err := unframeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), out)
}

func TestUnframeMessage_Malformed(t *testing.T) {
	testCases := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"no stx", []byte("hi\x03\x0a")},
		{"no etx", []byte{frameSTX, 'h', 'i', frameLF}},
		{"stx only", []byte{frameSTX}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := unframeMessage(tc.raw)
			assert.Error(t, err)
		})
	}
}

func TestMapDeviceError(t *testing.T) {
	testCases := []struct {
		code     int
		expected ErrorKind
	}{
		{19, KindNotRegistered},
		{21, KindCapacity},
		{24, KindHasOpenTx},
		{30, KindBadPassword},
		{99, KindDeviceError},
	}
	for _, tc := range testCases {
		err := mapDeviceError(tc.code, "desc")
		assert.Equal(t, tc.expected, err.Kind, "code %d", tc.code)
		assert.Equal(t, tc.code, err.Code)
		assert.True(t, IsKind(err, tc.expected))
	}
}

func TestIsKind_Wrapped(t *testing.T) {
	inner := &Error{Kind: KindTimeout, Message: "sign timed out"}
	wrapped := fmt.Errorf("session: %w", inner)
	assert.True(t, IsKind(wrapped, KindTimeout))
	assert.False(t, IsKind(wrapped, KindCapacity))
	assert.False(t, IsKind(fmt.Errorf("plain"), KindTimeout))
	assert.False(t, IsKind(nil, KindTimeout))
}

func TestErrorString(t *testing.T) {
	withCode := &Error{Kind: KindNotRegistered, Code: 19, Message: "unknown client"}
	assert.Equal(t, "tse not-registered (code 19): unknown client", withCode.Error())

	withoutCode := &Error{Kind: KindTimeout, Message: "no answer"}
	assert.Equal(t, "tse timeout: no answer", withoutCode.Error())
}

func TestValidClientName(t *testing.T) {
	valid := []string{"POS001", "Till 1", "a", "K:1 (Haupt)", "x-y.z?", "123456789012345678901234567890"}
	for _, name := range valid {
		assert.True(t, ValidClientName(name), "expected %q to be valid", name)
	}

	invalid := []string{"", "Käse", "till\n1", "x/1", "1234567890123456789012345678901"}
	for _, name := range invalid {
		assert.False(t, ValidClientName(name), "expected %q to be invalid", name)
	}
}

func TestFormatLogTime(t *testing.T) {
	// 2026-08-30 10:15:30 UTC
	assert.Equal(t, "2026-08-30T10:15:30.000Z", formatLogTime(1788084930))
}
