package router

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sessionPair runs Noise XX in memory and returns the initiator's and the
// responder's sessions.
func sessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	newState := func(initiator bool) *noise.HandshakeState {
		key, err := cipherSuite.GenerateKeypair(rand.Reader)
		require.NoError(t, err)
		hs, err := noise.NewHandshakeState(noise.Config{
			CipherSuite:   cipherSuite,
			Random:        rand.Reader,
			Pattern:       noise.HandshakeXX,
			Initiator:     initiator,
			Prologue:      []byte(prologue),
			StaticKeypair: key,
		})
		require.NoError(t, err)
		return hs
	}
	ini, res := newState(true), newState(false)

	msg, _, _, err := ini.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, _, _, err = res.ReadMessage(nil, msg)
	require.NoError(t, err)
	msg, _, _, err = res.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, _, _, err = ini.ReadMessage(nil, msg)
	require.NoError(t, err)
	msg, i0, i1, err := ini.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, r0, r1, err := res.ReadMessage(nil, msg)
	require.NoError(t, err)

	return &Session{enc: i0, dec: i1}, &Session{enc: r1, dec: r0}
}

func TestFramesOverEncryptedSession(t *testing.T) {
	ini, res := sessionPair(t)
	var wire bytes.Buffer
	w := newFrameWriter(&wire, ini)
	r := newFrameReader(&wire, res)

	large := bytes.Repeat([]byte("block data "), 10_000)
	sent := []*Message{
		{Type: MsgData, Payload: []byte("hello")},
		{Type: MsgData, Payload: large},
		{Type: MsgPing, Payload: []byte{1}},
	}
	for _, m := range sent {
		require.NoError(t, w.WriteMessage(m))
	}
	assert.NotContains(t, wire.String(), "hello", "frames are encrypted")

	for _, want := range sent {
		got, err := r.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFramesWithoutSession(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, newFrameWriter(&wire, nil).WriteMessage(&Message{Type: MsgData, Payload: []byte("plain")}))

	got, err := newFrameReader(&wire, nil).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), got.(*Message).Payload)
}

func TestTamperedFrameIsRejected(t *testing.T) {
	ini, res := sessionPair(t)
	var wire bytes.Buffer
	require.NoError(t, newFrameWriter(&wire, ini).WriteMessage(&Message{Type: MsgData, Payload: []byte("x")}))
	raw := wire.Bytes()
	raw[len(raw)-1] ^= 0xff

	_, err := newFrameReader(&wire, res).ReadMessage()
	assert.Error(t, err)
}

func TestEncodeFrameCompressesLargeMessages(t *testing.T) {
	small, err := encodeFrame(&Message{Type: MsgData, Payload: []byte("tiny")})
	require.NoError(t, err)
	assert.Zero(t, small[0]&flagCompressed)

	payload := bytes.Repeat([]byte{7}, 64*1024)
	big, err := encodeFrame(&Message{Type: MsgData, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, flagCompressed, big[0])
	assert.Less(t, len(big), len(payload))

	m, err := decodeFrame(big)
	require.NoError(t, err)
	assert.Equal(t, payload, m.Payload)
}

func TestDecodeFrameErrors(t *testing.T) {
	_, err := decodeFrame(nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)
	_, err = decodeFrame([]byte{flagCompressed, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformedFrame)
	_, err = decodeFrame([]byte{0, 1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestWriteUnknownValue(t *testing.T) {
	err := newFrameWriter(&bytes.Buffer{}, nil).WriteMessage("not a message")
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}
