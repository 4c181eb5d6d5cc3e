// Package protocol implements the binary frame protocol between uebridge and the engine.
//
// It solves TCP's sticky packet problem by using a fixed-size 18-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6                  14        18
//	┌──────┬──┬──┬──┬──────────────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│       seq        │ bodyLen │    body ...    │
//	│ ueb  │01│  │  │      uint64      │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──────────────────┴─────────┴───────────────┘
//
// seq is the call id of the request the frame belongs to; a response frame
// echoes the seq of its request.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "ueb".
// Used to reject non-protocol peers early (e.g. an HTTP client on the wrong port).
const (
	MagicNumber byte   = 0x75 // 'u'
	MagicByte2  byte   = 0x65 // 'e'
	MagicByte3  byte   = 0x62 // 'b'
	Version     byte   = 0x01
	HeaderSize  int    = 18 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 8 (seq) + 4 (bodyLen)
	MaxBodySize uint32 = 64 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Engine
	MsgTypeResponse  MsgType = 1 // Engine → Client
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 18-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response, or Heartbeat
	Seq       uint64  // Call id: matches request ↔ response
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w in a single Write.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodySize) {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint64(buf[6:14], h.Seq)
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body size.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	seq := binary.BigEndian.Uint64(headerBuf[6:14])
	bodyLen := binary.BigEndian.Uint32(headerBuf[14:18])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
