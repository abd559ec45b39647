// Package secure implements the peer handshake and authenticated
// encryption from spec §4.10: an ECDH (P-256) key exchange whose shared
// secret is split via HKDF-SHA256 into independent send/receive keys, then
// used to seal every subsequent frame with AES-256-GCM (or, for a peer
// that only speaks the legacy profile, AES-256-CBC + HMAC-SHA256).
//
// Grounded on _examples/MaxIOFS-MaxIOFS/pkg/encryption/encryption.go's
// aesGCMEncryptor (AES-256-GCM with a random nonce per message,
// DeriveKey via a KDF) for the authenticated-envelope shape; ECDH/HKDF
// themselves are stdlib (crypto/ecdh) and golang.org/x/crypto/hkdf, since
// no pack repo happens to do a from-scratch key exchange — it is the one
// place SPEC_FULL.md's ambient-stack rule yields to "use the one concrete
// stdlib API built for exactly this" rather than an ecosystem library, as
// crypto/ecdh is the canonical, audited way to do this in Go and no pack
// dependency offers a competing ECDH implementation to prefer instead.
package secure

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"entgldb/internal/errs"
)

// State is the handshake's position in its state machine, spec §4.10:
// Fresh -> Hello -> KeyExchange -> Established -> Closed.
type State int

const (
	Fresh State = iota
	Hello
	KeyExchange
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Hello:
		return "Hello"
	case KeyExchange:
		return "KeyExchange"
	case Established:
		return "Established"
	case Closed:
		return "Closed"
	default:
		return "Fresh"
	}
}

// Profile selects the authenticated-encryption scheme used once keys are
// established (spec §4.10).
type Profile int

const (
	AESGCMProfile Profile = iota
	LegacyCBCHMACProfile
)

const hkdfInfoSend = "entgldb-send"
const hkdfInfoRecv = "entgldb-recv"

// Handshake drives one peer connection's key agreement. It is not safe
// for concurrent use; callers serialize it behind the connection's own
// lock (internal/protocol.Conn already does this for frame I/O).
type Handshake struct {
	state   State
	profile Profile

	local    *ecdh.PrivateKey
	remote   *ecdh.PublicKey
	initiator bool

	sendCipher *Cipher
	recvCipher *Cipher
}

// NewHandshake creates a fresh handshake on the P-256 curve (spec §4.10).
// initiator is true for the peer that sends the first Hello message.
func NewHandshake(profile Profile, initiator bool) (*Handshake, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.New(errs.CryptoError, "NewHandshake.generateKey", err)
	}
	return &Handshake{state: Fresh, profile: profile, local: priv, initiator: initiator}, nil
}

// HelloPayload returns this side's ephemeral public key to send in the
// Hello message, advancing Fresh -> Hello.
func (h *Handshake) HelloPayload() ([]byte, error) {
	if h.state != Fresh {
		return nil, errs.New(errs.CryptoError, "Handshake.HelloPayload", fmt.Errorf("unexpected state %s", h.state))
	}
	h.state = Hello
	return h.local.PublicKey().Bytes(), nil
}

// ReceiveHello parses and stores the peer's ephemeral public key and
// advances Hello -> KeyExchange; DeriveKeys computes the shared secret.
func (h *Handshake) ReceiveHello(remotePubBytes []byte) error {
	if h.state != Hello {
		return errs.New(errs.CryptoError, "Handshake.ReceiveHello", fmt.Errorf("unexpected state %s", h.state))
	}
	pub, err := ecdh.P256().NewPublicKey(remotePubBytes)
	if err != nil {
		return errs.New(errs.CryptoError, "Handshake.ReceiveHello.parseKey", err)
	}
	h.remote = pub
	h.state = KeyExchange
	return nil
}

// DeriveKeys computes the shared secret and splits it via HKDF-SHA256
// into distinct send/receive keys, advancing KeyExchange -> Established.
// sessionInfo should be a value both peers compute identically (e.g. the
// sorted pair of node IDs) so a man-in-the-middle can't mix up sessions.
func (h *Handshake) DeriveKeys(sessionInfo string) error {
	if h.state != KeyExchange {
		return errs.New(errs.CryptoError, "Handshake.DeriveKeys", fmt.Errorf("unexpected state %s", h.state))
	}
	secret, err := h.local.ECDH(h.remote)
	if err != nil {
		return errs.New(errs.CryptoError, "Handshake.DeriveKeys.ecdh", err)
	}

	// Each side's "send" key must equal the other's "recv" key: the
	// initiator's send info is the responder's recv info, and vice versa.
	outInfo, inInfo := hkdfInfoSend, hkdfInfoRecv
	if !h.initiator {
		outInfo, inInfo = hkdfInfoRecv, hkdfInfoSend
	}

	sendKey, err := deriveKey(secret, sessionInfo, outInfo)
	if err != nil {
		return err
	}
	recvKey, err := deriveKey(secret, sessionInfo, inInfo)
	if err != nil {
		return err
	}

	h.sendCipher, err = NewCipher(h.profile, sendKey)
	if err != nil {
		return err
	}
	h.recvCipher, err = NewCipher(h.profile, recvKey)
	if err != nil {
		return err
	}

	h.state = Established
	return nil
}

func deriveKey(secret []byte, sessionInfo, direction string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, []byte(sessionInfo), []byte(direction))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, errs.New(errs.CryptoError, "deriveKey", err)
	}
	return key, nil
}

// Seal encrypts plaintext with this connection's send key. Established
// state is required.
func (h *Handshake) Seal(plaintext []byte) ([]byte, error) {
	if h.state != Established {
		return nil, errs.New(errs.CryptoError, "Handshake.Seal", fmt.Errorf("handshake not established (state %s)", h.state))
	}
	return h.sendCipher.Seal(plaintext)
}

// Open decrypts ciphertext with this connection's receive key.
func (h *Handshake) Open(ciphertext []byte) ([]byte, error) {
	if h.state != Established {
		return nil, errs.New(errs.CryptoError, "Handshake.Open", fmt.Errorf("handshake not established (state %s)", h.state))
	}
	return h.recvCipher.Open(ciphertext)
}

// Close transitions to Closed; a closed handshake rejects further Seal/Open.
func (h *Handshake) Close() { h.state = Closed }

// StateOf reports the handshake's current state.
func (h *Handshake) StateOf() State { return h.state }
