package localkv

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	in := Frame{Seq: 42, Cmd: CmdControl, Payload: []byte(`{"dps":{"1":true}}`)}
	require.NoError(t, WriteFrame(&buf, in))

	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Seq: 1, Cmd: CmdHeartbeat}))
	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, CmdHeartbeat, out.Cmd)
	require.Empty(t, out.Payload)
}

func TestFrameCRCMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Seq: 7, Cmd: CmdQuery, Payload: []byte("abc")}))
	raw := buf.Bytes()
	raw[headerLen+1] ^= 0xFF // corrupt the payload

	_, err := ReadFrame(bytes.NewReader(raw))
	require.ErrorContains(t, err, "crc mismatch")
}

func TestFrameBadPrefix(t *testing.T) {
	raw := make([]byte, 32)
	_, err := ReadFrame(bytes.NewReader(raw))
	require.ErrorContains(t, err, "bad frame prefix")
}

// A frame arriving in arbitrarily small chunks must still parse.
func TestFrameSplitReads(t *testing.T) {
	var buf bytes.Buffer
	in := Frame{Seq: 3, Cmd: CmdStatus, Payload: []byte(`{"dps":{"1":false}}`)}
	require.NoError(t, WriteFrame(&buf, in))

	out, err := ReadFrame(iotest{r: &buf})
	require.NoError(t, err)
	require.Equal(t, in, out)
}

// iotest yields at most one byte per Read.
type iotest struct{ r io.Reader }

func (o iotest) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestPayloadCryptoRoundtrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	plain := []byte(`{"devId":"x","dps":{"2":42}}`)

	enc, err := encryptPayload(key, plain)
	require.NoError(t, err)
	require.NotEqual(t, plain, enc)
	require.Zero(t, len(enc)%16)

	dec, err := decryptPayload(key, enc)
	require.NoError(t, err)
	require.Equal(t, plain, dec)
}

func TestPayloadCryptoWrongKey(t *testing.T) {
	enc, err := encryptPayload([]byte("0123456789abcdef"), []byte(`{"a":1}`))
	require.NoError(t, err)
	dec, err := decryptPayload([]byte("fedcba9876543210"), enc)
	if err == nil {
		require.NotEqual(t, []byte(`{"a":1}`), dec)
	}
}
