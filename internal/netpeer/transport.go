package netpeer

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"entgldb/internal/errs"
	"entgldb/internal/hlc"
	"entgldb/internal/model"
	"entgldb/internal/protocol"
	"entgldb/internal/store"
)

// frameConn is what Transport needs from a connection: *protocol.Conn
// satisfies it directly (plaintext), *SecureConn satisfies it once a
// handshake is Established (every frame sealed behind SecureEnv).
type frameConn interface {
	Send(msgType protocol.MessageType, fields map[string]any) error
	Receive() (protocol.MessageType, map[string]any, error)
}

// Transport implements syncengine.PeerTransport over one connection. A
// single connection is used for both request and response, so calls are
// serialized behind mu — spec §4.9's "within a connection, reads and
// writes are serialized", applied one level up at the request/response
// pair.
type Transport struct {
	conn frameConn
	mu   sync.Mutex
}

// NewTransport wraps an already-connected frame connection (plaintext or
// secure — both satisfy frameConn).
func NewTransport(conn frameConn) *Transport {
	return &Transport{conn: conn}
}

func (t *Transport) RequestOplogAfter(ctx context.Context, cursor hlc.Timestamp, limit int) ([]model.OplogEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.Send(protocol.OplogRequest, map[string]any{
		"cursor": encodeTimestamp(cursor),
		"limit":  float64(limit),
	}); err != nil {
		return nil, errs.New(errs.Network, "RequestOplogAfter.send", err)
	}
	typ, fields, err := t.conn.Receive()
	if err != nil {
		return nil, errs.New(errs.Network, "RequestOplogAfter.receive", err)
	}
	if typ != protocol.OplogResponse {
		return nil, errs.New(errs.Sync, "RequestOplogAfter", fmt.Errorf("unexpected response type %s", typ))
	}
	return decodeEntries(asSlice(fields["entries"])), nil
}

func (t *Transport) RequestDocuments(ctx context.Context, keys []model.DocKey) ([]model.Document, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.Send(protocol.DocumentRequest, map[string]any{"keys": encodeDocKeys(keys)}); err != nil {
		return nil, errs.New(errs.Network, "RequestDocuments.send", err)
	}
	typ, fields, err := t.conn.Receive()
	if err != nil {
		return nil, errs.New(errs.Network, "RequestDocuments.receive", err)
	}
	if typ != protocol.DocumentResponse {
		return nil, errs.New(errs.Sync, "RequestDocuments", fmt.Errorf("unexpected response type %s", typ))
	}
	return decodeDocuments(asSlice(fields["docs"])), nil
}

func (t *Transport) PushChanges(ctx context.Context, docs []model.Document, entries []model.OplogEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.conn.Send(protocol.ChangesPush, map[string]any{
		"docs":    encodeDocuments(docs),
		"entries": encodeEntries(entries),
	}); err != nil {
		return errs.New(errs.Network, "PushChanges.send", err)
	}
	typ, _, err := t.conn.Receive()
	if err != nil {
		return errs.New(errs.Network, "PushChanges.receive", err)
	}
	if typ != protocol.Ack {
		return errs.New(errs.Sync, "PushChanges", fmt.Errorf("unexpected response type %s", typ))
	}
	return nil
}

// Server answers incoming requests against a local PeerStore, the
// counterpart of Transport's outgoing requests — grounded on the
// teacher's internal/api.Handler (one handler method per request kind
// against the local Store).
type Server struct {
	local store.PeerStore
	log   zerolog.Logger
}

// NewServer builds a request dispatcher over local.
func NewServer(local store.PeerStore, log zerolog.Logger) *Server {
	return &Server{local: local, log: log.With().Str("component", "netpeer").Logger()}
}

// Serve reads and answers requests on conn until it errors or the
// connection closes (EOF), which is the normal way a session ends.
func (s *Server) Serve(ctx context.Context, conn frameConn) error {
	for {
		typ, fields, err := conn.Receive()
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, conn, typ, fields); err != nil {
			s.log.Warn().Err(err).Str("message_type", typ.String()).Msg("request handling failed")
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn frameConn, typ protocol.MessageType, fields map[string]any) error {
	switch typ {
	case protocol.OplogRequest:
		cursor := decodeTimestamp(asMap(fields["cursor"]))
		limit := int(toFloat(fields["limit"]))
		entries, err := s.local.GetOplogAfter(ctx, cursor, limit)
		if err != nil {
			return err
		}
		return conn.Send(protocol.OplogResponse, map[string]any{"entries": encodeEntries(entries)})

	case protocol.DocumentRequest:
		keys := decodeDocKeys(asSlice(fields["keys"]))
		docs := make([]model.Document, 0, len(keys))
		for _, k := range keys {
			doc, err := s.local.GetDocumentRaw(ctx, k.Collection, k.Key)
			if err == store.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return conn.Send(protocol.DocumentResponse, map[string]any{"docs": encodeDocuments(docs)})

	case protocol.ChangesPush:
		docs := decodeDocuments(asSlice(fields["docs"]))
		entries := decodeEntries(asSlice(fields["entries"]))
		if _, err := s.local.ApplyBatch(ctx, docs, entries); err != nil {
			return err
		}
		return conn.Send(protocol.Ack, map[string]any{"ok": true})

	default:
		return conn.Send(protocol.Ack, map[string]any{"ok": false, "error": "unsupported message type"})
	}
}
