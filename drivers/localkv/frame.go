// frame.go
package localkv

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Wire framing of the local key-value device protocol. Every message is
//
//	prefix(4) seq(4) cmd(4) length(4) payload(length-8) crc(4) suffix(4)
//
// where length covers payload+crc+suffix and crc is IEEE CRC-32 over the
// header and payload.

const (
	framePrefix uint32 = 0x000055AA
	frameSuffix uint32 = 0x0000AA55

	headerLen  = 16
	trailerLen = 8

	// maxPayload guards against a corrupt length field.
	maxPayload = 1 << 16
)

// Command codes understood by the devices.
const (
	CmdControl   uint32 = 7  // set datapoints
	CmdStatus    uint32 = 8  // unsolicited datapoint report
	CmdHeartbeat uint32 = 9
	CmdQuery     uint32 = 10 // request a full datapoint report
)

type Frame struct {
	Seq     uint32
	Cmd     uint32
	Payload []byte
}

// ReadFrame reads and validates one frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != framePrefix {
		return Frame{}, fmt.Errorf("localkv: bad frame prefix %x", hdr[0:4])
	}
	seq := binary.BigEndian.Uint32(hdr[4:8])
	cmd := binary.BigEndian.Uint32(hdr[8:12])
	length := binary.BigEndian.Uint32(hdr[12:16])
	if length < trailerLen || length > maxPayload {
		return Frame{}, fmt.Errorf("localkv: implausible frame length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	payload := body[:length-trailerLen]
	gotCRC := binary.BigEndian.Uint32(body[length-trailerLen : length-4])
	if binary.BigEndian.Uint32(body[length-4:]) != frameSuffix {
		return Frame{}, fmt.Errorf("localkv: bad frame suffix")
	}

	crc := crc32.NewIEEE()
	crc.Write(hdr[:])
	crc.Write(payload)
	if crc.Sum32() != gotCRC {
		return Frame{}, fmt.Errorf("localkv: crc mismatch on seq %d", seq)
	}
	return Frame{Seq: seq, Cmd: cmd, Payload: payload}, nil
}

// WriteFrame encodes and writes one frame.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxPayload-trailerLen {
		return fmt.Errorf("localkv: frame too large: %d", len(f.Payload))
	}
	buf := make([]byte, headerLen+len(f.Payload)+trailerLen)
	binary.BigEndian.PutUint32(buf[0:4], framePrefix)
	binary.BigEndian.PutUint32(buf[4:8], f.Seq)
	binary.BigEndian.PutUint32(buf[8:12], f.Cmd)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(f.Payload)+trailerLen))
	copy(buf[headerLen:], f.Payload)

	crc := crc32.NewIEEE()
	crc.Write(buf[:headerLen+len(f.Payload)])
	binary.BigEndian.PutUint32(buf[headerLen+len(f.Payload):], crc.Sum32())
	binary.BigEndian.PutUint32(buf[headerLen+len(f.Payload)+4:], frameSuffix)

	_, err := w.Write(buf)
	return err
}
