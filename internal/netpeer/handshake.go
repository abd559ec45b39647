package netpeer

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"entgldb/internal/discovery"
	"entgldb/internal/errs"
	"entgldb/internal/protocol"
	"entgldb/internal/secure"
)

// PerformHandshake runs internal/secure's ECDH handshake over conn's
// Hello/HelloAck frames, both sides' session_info pinned to the sorted
// pair of node ids so a man-in-the-middle can't splice sessions (spec
// §4.10).
//
// Every Hello/HelloAck also carries auth_token_hash, protocol_version,
// and supports_encryption (spec §4.8). authToken is hashed with the same
// discovery.HashAuthToken the UDP beacon already uses, so a peer
// configured with the wrong shared token is rejected with
// errs.AuthFailed and a peer speaking an incompatible wire version is
// rejected with errs.VersionMismatch — both checked immediately on
// receipt and before DeriveKeys ever runs. The responder validates its
// inbound Hello before sending any HelloAck back, so a rejected
// handshake never exchanges more than that one frame (spec §8
// scenario 6).
//
// The remote node id is taken from the wire (the Hello/HelloAck
// "node_id" field), not from the expectRemoteID argument alone: a
// listening node accepting an inbound connection rarely knows who is
// dialing in before the handshake starts. When expectRemoteID is
// non-empty, the wire value is checked against it and a mismatch fails
// the handshake (spec §4.10's peer-identity pinning for already-known
// peers, e.g. a dial initiated from the discovery table). On success it
// returns a *secure.Handshake in the Established state whose Seal/Open
// wrap every subsequent frame's payload behind a SecureEnv envelope.
//
// deadline, if non-zero, bounds the whole Hello/HelloAck exchange (spec
// §5's "connection establishment default 5s"); callers derive it from
// NetworkConfig.HandshakeTimeoutS.
func PerformHandshake(conn *protocol.Conn, localNodeID, authToken, expectRemoteID string, initiator bool, deadline time.Duration) (*secure.Handshake, error) {
	if deadline > 0 {
		conn.SetDeadline(time.Now().Add(deadline))
		defer conn.SetDeadline(time.Time{})
	}

	hs, err := secure.NewHandshake(secure.AESGCMProfile, initiator)
	if err != nil {
		return nil, err
	}

	authHash := discovery.HashAuthToken(authToken)

	var remoteNodeID string
	if initiator {
		pub, err := hs.HelloPayload()
		if err != nil {
			return nil, err
		}
		if err := conn.Send(protocol.Hello, helloFields(localNodeID, authHash, pub)); err != nil {
			return nil, errs.New(errs.Network, "PerformHandshake.sendHello", err)
		}

		typ, fields, err := conn.Receive()
		if err != nil {
			return nil, errs.New(errs.Network, "PerformHandshake.recvHelloAck", err)
		}
		if typ != protocol.HelloAck {
			return nil, errs.New(errs.CryptoError, "PerformHandshake", fmt.Errorf("expected HelloAck, got %s", typ))
		}
		if err := checkHelloFields(fields, authHash); err != nil {
			return nil, err
		}
		remoteNodeID = toString(fields["node_id"])
		remotePub, err := decodeKey(toString(fields["pub"]))
		if err != nil {
			return nil, err
		}
		if err := hs.ReceiveHello(remotePub); err != nil {
			return nil, err
		}
	} else {
		typ, fields, err := conn.Receive()
		if err != nil {
			return nil, errs.New(errs.Network, "PerformHandshake.recvHello", err)
		}
		if typ != protocol.Hello {
			return nil, errs.New(errs.CryptoError, "PerformHandshake", fmt.Errorf("expected Hello, got %s", typ))
		}
		// Validate before touching hs or replying: a bad Hello must be
		// rejected without ever sending a HelloAck back.
		if err := checkHelloFields(fields, authHash); err != nil {
			return nil, err
		}
		remoteNodeID = toString(fields["node_id"])
		remotePub, err := decodeKey(toString(fields["pub"]))
		if err != nil {
			return nil, err
		}
		pub, err := hs.HelloPayload()
		if err != nil {
			return nil, err
		}
		if err := hs.ReceiveHello(remotePub); err != nil {
			return nil, err
		}
		if err := conn.Send(protocol.HelloAck, helloFields(localNodeID, authHash, pub)); err != nil {
			return nil, errs.New(errs.Network, "PerformHandshake.sendHelloAck", err)
		}
	}

	if expectRemoteID != "" && remoteNodeID != expectRemoteID {
		return nil, errs.New(errs.SecurityModeMismatch, "PerformHandshake", fmt.Errorf("remote node id %q does not match expected %q", remoteNodeID, expectRemoteID))
	}

	if err := hs.DeriveKeys(sessionInfoFor(localNodeID, remoteNodeID)); err != nil {
		return nil, err
	}
	return hs, nil
}

// helloFields builds a Hello/HelloAck payload carrying the fields spec
// §4.8 requires beyond the ECDH public key: node_id, auth_token_hash,
// protocol_version, and supports_encryption (always true here — a
// connection only reaches PerformHandshake when the caller has already
// opted into the secure transport).
func helloFields(nodeID, authHash string, pub []byte) map[string]any {
	return map[string]any{
		"node_id":             nodeID,
		"pub":                 encodeKey(pub),
		"auth_token_hash":     authHash,
		"protocol_version":    float64(discovery.ProtocolVersion),
		"supports_encryption": true,
	}
}

// checkHelloFields validates a peer's Hello/HelloAck payload, per spec
// §4.8: "Auth mismatch → Closed{AuthFailed}; version incompatible →
// Closed{VersionMismatch}." A peer that claims it can't do encryption has
// no business being in PerformHandshake at all, so that's treated as a
// security mode mismatch rather than an auth or version failure.
func checkHelloFields(fields map[string]any, wantAuthHash string) error {
	if toString(fields["auth_token_hash"]) != wantAuthHash {
		return errs.New(errs.AuthFailed, "PerformHandshake", fmt.Errorf("auth token hash mismatch"))
	}
	if int(toFloat(fields["protocol_version"])) != discovery.ProtocolVersion {
		return errs.New(errs.VersionMismatch, "PerformHandshake", fmt.Errorf("peer protocol version %v incompatible with %d", fields["protocol_version"], discovery.ProtocolVersion))
	}
	if supports, _ := fields["supports_encryption"].(bool); !supports {
		return errs.New(errs.SecurityModeMismatch, "PerformHandshake", fmt.Errorf("peer does not support encryption"))
	}
	return nil
}

func sessionInfoFor(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

func encodeKey(pub []byte) string { return base64.StdEncoding.EncodeToString(pub) }

func decodeKey(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.New(errs.CryptoError, "decodeKey", err)
	}
	return b, nil
}

// SecureConn wraps a *protocol.Conn so every Send/Receive passes through
// an established secure.Handshake's Seal/Open, carried as opaque
// SecureEnv frames (spec §4.10's "SecureEnv carries an already-encrypted
// opaque payload").
type SecureConn struct {
	conn *protocol.Conn
	hs   *secure.Handshake
}

// NewSecureConn wraps conn with an already-established handshake.
func NewSecureConn(conn *protocol.Conn, hs *secure.Handshake) *SecureConn {
	return &SecureConn{conn: conn, hs: hs}
}

// Send encrypts fields and writes them as a SecureEnv frame.
func (s *SecureConn) Send(msgType protocol.MessageType, fields map[string]any) error {
	plain, err := protocol.EncodeFields(fields)
	if err != nil {
		return errs.New(errs.Network, "SecureConn.Send.encode", err)
	}
	cipher, err := s.hs.Seal(plain)
	if err != nil {
		return err
	}
	return s.conn.SendRaw(protocol.SecureEnv, append([]byte{byte(msgType)}, cipher...))
}

// Receive reads a SecureEnv frame, decrypts it, and returns the original
// message type and field map.
func (s *SecureConn) Receive() (protocol.MessageType, map[string]any, error) {
	typ, fields, err := s.conn.Receive()
	if err != nil {
		return protocol.Unknown, nil, err
	}
	if typ != protocol.SecureEnv {
		return protocol.Unknown, nil, errs.New(errs.SecurityModeMismatch, "SecureConn.Receive", fmt.Errorf("expected SecureEnv, got %s", typ))
	}
	raw, _ := fields["_raw"].([]byte)
	if len(raw) < 1 {
		return protocol.Unknown, nil, errs.New(errs.CryptoError, "SecureConn.Receive", fmt.Errorf("empty secure envelope"))
	}
	inner, cipher := protocol.MessageType(raw[0]), raw[1:]
	plain, err := s.hs.Open(cipher)
	if err != nil {
		return protocol.Unknown, nil, err
	}
	decoded, err := protocol.DecodeFields(plain)
	if err != nil {
		return protocol.Unknown, nil, errs.New(errs.Network, "SecureConn.Receive.decode", err)
	}
	return inner, decoded, nil
}
