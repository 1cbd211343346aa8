package router

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

// cipherSuite is the Noise suite used for every handshake.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// PeerID identifies a node independently of the address it connects from.
// It is the BLAKE3 hash of the node's static Noise key.
type PeerID [32]byte

// PeerIDFromPublicKey derives the PeerID of a static public key.
func PeerIDFromPublicKey(pub []byte) PeerID {
	return blake3.Sum256(pub)
}

// ParsePeerID decodes the base58 form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	raw, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidPeerID, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id PeerID) String() string { return base58.Encode(id[:]) }

// Less orders peer IDs bytewise.
func (id PeerID) Less(other PeerID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// ShortString is the first characters of String, for logs.
func (id PeerID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Identity is a node's static Noise keypair and the PeerID derived from it.
type Identity struct {
	key noise.DHKey
	id  PeerID
}

// GenerateIdentity creates a fresh random identity.
func GenerateIdentity() (*Identity, error) {
	key, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &Identity{key: key, id: PeerIDFromPublicKey(key.Public)}, nil
}

// IdentityFromPrivateKey rebuilds an identity from a 32-byte Curve25519
// private key.
func IdentityFromPrivateKey(priv []byte) (*Identity, error) {
	if len(priv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, curve25519.ScalarSize, len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key := noise.DHKey{Private: append([]byte(nil), priv...), Public: pub}
	return &Identity{key: key, id: PeerIDFromPublicKey(pub)}, nil
}

func (i *Identity) ID() PeerID { return i.id }

// PublicKey returns a copy of the static public key.
func (i *Identity) PublicKey() []byte { return append([]byte(nil), i.key.Public...) }

// PrivateKey returns a copy of the static private key.
func (i *Identity) PrivateKey() []byte { return append([]byte(nil), i.key.Private...) }
