package netpeer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"entgldb/internal/discovery"
	"entgldb/internal/errs"
	"entgldb/internal/hlc"
	"entgldb/internal/model"
	"entgldb/internal/protocol"
	"entgldb/internal/secure"
	"entgldb/internal/store"
)

func newStore(t *testing.T, nodeID string) store.PeerStore {
	t.Helper()
	s, err := store.NewMemStore(t.TempDir(), nodeID, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pipeConns(t *testing.T) (client *protocol.Conn, server *protocol.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return protocol.NewConn(a), protocol.NewConn(b)
}

func TestTransportRequestOplogAfter(t *testing.T) {
	remote := newStore(t, "node-b")
	_, err := remote.SaveDocument(context.Background(), "todos", "t1", map[string]any{"n": 1})
	require.NoError(t, err)

	clientConn, serverConn := pipeConns(t)
	srv := NewServer(remote, zerolog.Nop())
	go func() { _ = srv.Serve(context.Background(), serverConn) }()

	transport := NewTransport(clientConn)
	entries, err := transport.RequestOplogAfter(context.Background(), hlc.Timestamp{}, 100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "t1", entries[0].Key)
}

func TestTransportRequestDocuments(t *testing.T) {
	remote := newStore(t, "node-b")
	_, err := remote.SaveDocument(context.Background(), "todos", "t1", map[string]any{"title": "x"})
	require.NoError(t, err)

	clientConn, serverConn := pipeConns(t)
	srv := NewServer(remote, zerolog.Nop())
	go func() { _ = srv.Serve(context.Background(), serverConn) }()

	transport := NewTransport(clientConn)
	docs, err := transport.RequestDocuments(context.Background(), []model.DocKey{{Collection: "todos", Key: "t1"}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "x", docs[0].Content["title"])
}

func TestTransportPushChanges(t *testing.T) {
	remote := newStore(t, "node-b")
	local := newStore(t, "node-a")
	doc, err := local.SaveDocument(context.Background(), "todos", "t1", map[string]any{"n": float64(1)})
	require.NoError(t, err)
	entries, err := local.GetOplogAfter(context.Background(), hlc.Timestamp{}, 100)
	require.NoError(t, err)

	clientConn, serverConn := pipeConns(t)
	srv := NewServer(remote, zerolog.Nop())
	go func() { _ = srv.Serve(context.Background(), serverConn) }()

	transport := NewTransport(clientConn)
	require.NoError(t, transport.PushChanges(context.Background(), []model.Document{doc}, entries))

	got, err := remote.GetDocument(context.Background(), "todos", "t1")
	require.NoError(t, err)
	require.Equal(t, float64(1), got.Content["n"])
}

func TestPerformHandshakeAndSecureRoundTrip(t *testing.T) {
	clientConn, serverConn := pipeConns(t)

	type result struct {
		hs  *secure.Handshake
		err error
	}
	serverDone := make(chan result, 1)
	go func() {
		hs, err := PerformHandshake(serverConn, "node-b", "shared-secret", "node-a", false, 2*time.Second)
		serverDone <- result{hs, err}
	}()

	clientHS, err := PerformHandshake(clientConn, "node-a", "shared-secret", "node-b", true, 2*time.Second)
	require.NoError(t, err)

	var serverResult result
	select {
	case serverResult = <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake did not complete")
	}
	require.NoError(t, serverResult.err)

	clientSecure := NewSecureConn(clientConn, clientHS)
	serverSecure := NewSecureConn(serverConn, serverResult.hs)

	sendDone := make(chan error, 1)
	go func() { sendDone <- clientSecure.Send(protocol.OplogRequest, map[string]any{"limit": float64(10)}) }()

	typ, fields, err := serverSecure.Receive()
	require.NoError(t, err)
	require.NoError(t, <-sendDone)
	require.Equal(t, protocol.OplogRequest, typ)
	require.Equal(t, float64(10), fields["limit"])
}

func TestPerformHandshakeRejectsWrongAuthToken(t *testing.T) {
	clientConn, serverConn := pipeConns(t)

	type result struct {
		hs  *secure.Handshake
		err error
	}
	serverDone := make(chan result, 1)
	go func() {
		hs, err := PerformHandshake(serverConn, "node-b", "correct-secret", "node-a", false, 2*time.Second)
		serverDone <- result{hs, err}
	}()

	_, clientErr := PerformHandshake(clientConn, "node-a", "wrong", "node-b", true, 2*time.Second)
	require.Error(t, clientErr)

	var serverResult result
	select {
	case serverResult = <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake did not complete")
	}
	require.Error(t, serverResult.err)
	require.Equal(t, "AUTH_FAILED", errs.CodeOf(serverResult.err))
}

func TestPerformHandshakeRejectsIncompatibleProtocolVersion(t *testing.T) {
	clientConn, serverConn := pipeConns(t)

	serverDone := make(chan error, 1)
	go func() {
		_, err := PerformHandshake(serverConn, "node-b", "shared-secret", "node-a", false, 2*time.Second)
		serverDone <- err
	}()

	// Hand-roll the initiator side of Hello so the wire protocol_version
	// can be forced to something this build doesn't speak.
	hs, err := secure.NewHandshake(secure.AESGCMProfile, true)
	require.NoError(t, err)
	pub, err := hs.HelloPayload()
	require.NoError(t, err)
	require.NoError(t, clientConn.Send(protocol.Hello, map[string]any{
		"node_id":             "node-a",
		"pub":                 encodeKey(pub),
		"auth_token_hash":     discovery.HashAuthToken("shared-secret"),
		"protocol_version":    float64(discovery.ProtocolVersion + 1),
		"supports_encryption": true,
	}))

	var serverErr error
	select {
	case serverErr = <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake did not complete")
	}
	require.Error(t, serverErr)
	require.Equal(t, "VERSION_MISMATCH", errs.CodeOf(serverErr))
}
