// Package protocol implements the wire framer from spec §4.9: every
// message on a peer connection is a length-prefixed frame
// (u32 LE length | u8 type | u8 compression | payload), with the payload
// above a size threshold Brotli-compressed and, outside of the
// SecureEnv envelope type, carried as a protobuf body so both peers
// share one schema for every message kind.
//
// Grounded on the teacher's length-prefixed binary helpers in
// _examples/ppriyankuu-godkv/internal/cluster/ring.go (binary.BigEndian
// hashing) for the framing style, and on
// _examples/MaxIOFS-MaxIOFS/pkg/s3compat/aws_chunked.go for the general
// shape of a streaming length-prefixed chunk reader/writer — generalized
// from MaxIOFS's S3 chunk format to EntglDb's fixed 6-byte frame header.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"entgldb/internal/errs"
)

// MessageType identifies a frame's payload schema, per spec §4.9.
type MessageType uint8

const (
	Unknown MessageType = iota
	Hello
	HelloAck
	KeyExchange
	OplogRequest
	OplogResponse
	DocumentRequest
	DocumentResponse
	ChangesPush
	Ack
	DiscoveryBeacon
	ElectionMessage
	// SecureEnv carries an already-encrypted opaque payload (internal/secure's
	// CipherEnvelope) and is never itself compressed — compressing
	// ciphertext wastes CPU for no size benefit.
	SecureEnv MessageType = 255
)

func (t MessageType) String() string {
	switch t {
	case Hello:
		return "Hello"
	case HelloAck:
		return "HelloAck"
	case KeyExchange:
		return "KeyExchange"
	case OplogRequest:
		return "OplogRequest"
	case OplogResponse:
		return "OplogResponse"
	case DocumentRequest:
		return "DocumentRequest"
	case DocumentResponse:
		return "DocumentResponse"
	case ChangesPush:
		return "ChangesPush"
	case Ack:
		return "Ack"
	case DiscoveryBeacon:
		return "DiscoveryBeacon"
	case ElectionMessage:
		return "ElectionMessage"
	case SecureEnv:
		return "SecureEnv"
	default:
		return "Unknown"
	}
}

// CompressionKind marks whether a frame's payload bytes were Brotli
// compressed before being written.
type CompressionKind uint8

const (
	NoCompression CompressionKind = iota
	BrotliCompression
)

// CompressionThreshold is the minimum raw payload size, in bytes, before
// the framer bothers compressing it (spec §4.9) — small payloads rarely
// compress well enough to be worth the CPU.
const CompressionThreshold = 256

// BrotliQuality is the compression level used; 5 trades a little ratio
// for materially lower latency versus the library's max level 11, which
// matters on every sync round-trip.
const BrotliQuality = 5

// Frame is one on-wire message: a 4-byte little-endian length prefix
// (covering everything after itself), a type byte, a compression byte,
// and the (possibly compressed) payload.
type Frame struct {
	Type        MessageType
	Compression CompressionKind
	Payload     []byte // always the on-wire bytes — compressed if Compression != NoCompression
}

// WriteFrame compresses payload (if eligible) and writes the full frame
// to w.
func WriteFrame(w io.Writer, msgType MessageType, rawPayload []byte) error {
	compression := NoCompression
	payload := rawPayload

	if msgType != SecureEnv && len(rawPayload) > CompressionThreshold {
		var buf bytes.Buffer
		bw := brotli.NewWriterLevel(&buf, BrotliQuality)
		if _, err := bw.Write(rawPayload); err != nil {
			return errs.New(errs.Network, "WriteFrame.compress", err)
		}
		if err := bw.Close(); err != nil {
			return errs.New(errs.Network, "WriteFrame.compress", err)
		}
		if buf.Len() < len(rawPayload) {
			payload = buf.Bytes()
			compression = BrotliCompression
		}
	}

	body := make([]byte, 2+len(payload))
	body[0] = byte(msgType)
	body[1] = byte(compression)
	copy(body[2:], payload)

	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(body)))

	if _, err := w.Write(header); err != nil {
		return errs.New(errs.Network, "WriteFrame.header", err)
	}
	if _, err := w.Write(body); err != nil {
		return errs.New(errs.Network, "WriteFrame.body", err)
	}
	return nil
}

// MaxFrameBytes bounds a single frame's body to guard against a
// malformed or hostile length prefix forcing an unbounded allocation.
const MaxFrameBytes = 64 * 1024 * 1024

// ReadFrame reads one frame from r and decompresses its payload if
// needed, returning the raw (decompressed) payload bytes.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err // EOF propagates as-is so callers can detect a closed connection
	}
	length := binary.LittleEndian.Uint32(header)
	if length < 2 || length > MaxFrameBytes {
		return Frame{}, errs.New(errs.Network, "ReadFrame", fmt.Errorf("invalid frame length %d", length))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, errs.New(errs.Network, "ReadFrame.body", err)
	}

	msgType := MessageType(body[0])
	compression := CompressionKind(body[1])
	payload := body[2:]

	if compression == BrotliCompression {
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(payload)))
		if err != nil {
			return Frame{}, errs.New(errs.Network, "ReadFrame.decompress", err)
		}
		payload = decoded
	}

	return Frame{Type: msgType, Compression: compression, Payload: payload}, nil
}

// Conn serializes frame writes and reads independently (one mutex each,
// so a write in progress never blocks a concurrent read) over an
// underlying io.ReadWriter, per spec §4.9's "framer serializes
// reads/writes per connection".
type Conn struct {
	rw          io.ReadWriter
	readMu      sync.Mutex
	writeMu     sync.Mutex
	idleTimeout time.Duration
}

// NewConn wraps rw (typically a net.Conn) with frame-level read/write
// serialization.
func NewConn(rw io.ReadWriter) *Conn { return &Conn{rw: rw} }

// deadliner is satisfied by net.Conn (and net.Pipe's Conn); rw that
// doesn't support deadlines (e.g. a plain bytes.Buffer in a test) simply
// never gets one set.
type deadliner interface {
	SetDeadline(t time.Time) error
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// SetDeadline bounds every subsequent read and write on the underlying
// connection until cleared with a zero time.Time, when rw supports
// deadlines. Used to bound the handshake's whole Hello/HelloAck exchange
// (spec §5's connection-establishment timeout).
func (c *Conn) SetDeadline(t time.Time) {
	if d, ok := c.rw.(deadliner); ok {
		_ = d.SetDeadline(t)
	}
}

// SetIdleTimeout bounds how long Receive may block waiting for the next
// frame (spec §5's "per-message read default session-wide idle 30s");
// zero disables it.
func (c *Conn) SetIdleTimeout(d time.Duration) { c.idleTimeout = d }

// Send encodes fields as a protobuf structpb.Struct body and writes it as
// one frame, whatever msgType is; already-encrypted SecureEnv bytes are
// written verbatim with SendRaw instead.
func (c *Conn) Send(msgType MessageType, fields map[string]any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	payload, err := EncodeFields(fields)
	if err != nil {
		return errs.New(errs.Network, "Conn.Send.encode", err)
	}
	return WriteFrame(c.rw, msgType, payload)
}

// SendRaw writes msgType with pre-encoded bytes, uncompressed and
// unwrapped — used for SecureEnv frames, whose payload is already an
// opaque ciphertext envelope.
func (c *Conn) SendRaw(msgType MessageType, raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.rw, msgType, raw)
}

// Receive reads the next frame and, unless it is SecureEnv, decodes its
// protobuf body back into a field map.
func (c *Conn) Receive() (MessageType, map[string]any, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.idleTimeout > 0 {
		if d, ok := c.rw.(readDeadliner); ok {
			_ = d.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
	}

	frame, err := ReadFrame(c.rw)
	if err != nil {
		return Unknown, nil, err
	}
	if frame.Type == SecureEnv {
		return frame.Type, map[string]any{"_raw": frame.Payload}, nil
	}
	fields, err := DecodeFields(frame.Payload)
	if err != nil {
		return frame.Type, nil, errs.New(errs.Network, "Conn.Receive.decode", err)
	}
	return frame.Type, fields, nil
}

// EncodeFields marshals a message body as a protobuf structpb.Struct —
// the schema every message type shares, avoiding a codegen step while
// still putting real protobuf bytes on the wire (spec §4.9).
func EncodeFields(fields map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// DecodeFields reverses EncodeFields.
func DecodeFields(data []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}
