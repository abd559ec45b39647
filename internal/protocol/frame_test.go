package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameSmallPayloadUncompressed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Ack, []byte("ok")))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, Ack, frame.Type)
	require.Equal(t, NoCompression, frame.Compression)
	require.Equal(t, []byte("ok"), frame.Payload)
}

func TestWriteReadFrameLargePayloadCompresses(t *testing.T) {
	var buf bytes.Buffer
	big := []byte(strings.Repeat("entgldb-sync-payload-", 100))
	require.NoError(t, WriteFrame(&buf, OplogResponse, big))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, BrotliCompression, frame.Compression)
	require.Equal(t, big, frame.Payload, "ReadFrame must transparently decompress")
}

func TestSecureEnvNeverCompressed(t *testing.T) {
	var buf bytes.Buffer
	big := bytes.Repeat([]byte{0xAB}, 1000) // highly compressible on purpose: shows SecureEnv skips compression anyway
	require.NoError(t, WriteFrame(&buf, SecureEnv, big))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, NoCompression, frame.Compression)
	require.Equal(t, big, frame.Payload)
}

func TestConnSendReceiveFields(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)

	require.NoError(t, conn.Send(Hello, map[string]any{"node_id": "a", "protocol_version": 1.0}))

	msgType, fields, err := conn.Receive()
	require.NoError(t, err)
	require.Equal(t, Hello, msgType)
	require.Equal(t, "a", fields["node_id"])
	require.Equal(t, 1.0, fields["protocol_version"])
}

func TestConnSendRawSecureEnv(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf)

	require.NoError(t, conn.SendRaw(SecureEnv, []byte{1, 2, 3, 4}))

	msgType, fields, err := conn.Receive()
	require.NoError(t, err)
	require.Equal(t, SecureEnv, msgType)
	require.Equal(t, []byte{1, 2, 3, 4}, fields["_raw"])
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	require.Error(t, err)
}
