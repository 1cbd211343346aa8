package router

import (
	"fmt"
	"io"

	"github.com/flynn/noise"
	"github.com/klauspost/compress/s2"
	"github.com/libp2p/go-msgio"
)

const (
	// maxFrameSize bounds a single frame, compressed or not.
	maxFrameSize = 8 << 20
	// compressThreshold is the encoded size above which a frame is s2
	// compressed.
	compressThreshold = 1024

	flagCompressed byte = 1 << 0
)

// Session is what the handshake negotiated for one connection.
type Session struct {
	Peer       PeerID
	NodeType   NodeType
	ListenAddr string

	// enc is used only by the connection's writer and dec only by its
	// reader, so neither needs a lock.
	enc *noise.CipherState
	dec *noise.CipherState
}

// encodeFrame turns m into a frame body: one flag byte followed by the gob
// encoding, s2 compressed when large.
func encodeFrame(m *Message) ([]byte, error) {
	body, err := toBytes(m)
	if err != nil {
		return nil, err
	}
	if len(body) > compressThreshold {
		return append([]byte{flagCompressed}, s2.Encode(nil, body)...), nil
	}
	return append([]byte{0}, body...), nil
}

func decodeFrame(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	body := frame[1:]
	if frame[0]&flagCompressed != 0 {
		n, err := s2.DecodedLen(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if n > maxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes decompressed", ErrFrameTooLarge, n)
		}
		if body, err = s2.Decode(nil, body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
	}
	var m Message
	if err := fromBytes(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &m, nil
}

// frameReader reads length-prefixed frames, decrypting them when a session
// is present.
type frameReader struct {
	r       msgio.ReadCloser
	session *Session
}

func newFrameReader(r io.Reader, s *Session) *frameReader {
	return &frameReader{r: msgio.NewReaderSize(r, maxFrameSize), session: s}
}

func (fr *frameReader) ReadMessage() (any, error) {
	raw, err := fr.r.ReadMsg()
	if err != nil {
		return nil, err
	}
	defer fr.r.ReleaseMsg(raw)

	frame := raw
	if fr.session != nil {
		if frame, err = fr.session.dec.Decrypt(nil, nil, raw); err != nil {
			return nil, fmt.Errorf("failed to decrypt frame: %w", err)
		}
	}
	return decodeFrame(frame)
}

// frameWriter is the counterpart of frameReader.
type frameWriter struct {
	w       msgio.WriteCloser
	session *Session
}

func newFrameWriter(w io.Writer, s *Session) *frameWriter {
	return &frameWriter{w: msgio.NewWriter(w), session: s}
}

func (fw *frameWriter) WriteMessage(msg any) error {
	m, ok := msg.(*Message)
	if !ok {
		return fmt.Errorf("%w: cannot write %T", ErrUnknownMessageType, msg)
	}
	frame, err := encodeFrame(m)
	if err != nil {
		return err
	}
	if fw.session != nil {
		if frame, err = fw.session.enc.Encrypt(nil, nil, frame); err != nil {
			return fmt.Errorf("failed to encrypt frame: %w", err)
		}
	}
	if len(frame) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	return fw.w.WriteMsg(frame)
}
