// Package protocol implements the binary frame that carries envelopes over
// byte streams and message transports.
//
// A fixed-size 14-byte header is followed by a variable-length body. Stream
// receivers read the header first to learn the body length, then read exactly
// that many bytes. Message transports (WebSocket, MQTT) put one whole frame in
// each message.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ arp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// Seq is the call ID the client engine assigned to the envelope in the body.
// Servers echo it, so transports can match responses to calls without looking
// inside the envelope.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"anyrpc/codec"
)

// Magic bytes "arp" identify a frame and reject stray connections (e.g. HTTP
// clients hitting the wrong port).
const (
	MagicNumber byte = 0x61 // 'a'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodySize bounds the allocation a peer can force with one header.
	MaxBodySize uint32 = 16 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // client → server
	MsgTypeResponse  MsgType = 1 // server → client
	MsgTypeHeartbeat MsgType = 2 // keepalive, no body
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic number")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnsupportedCodec   = errors.New("protocol: unsupported codec type")
	ErrUnsupportedMsgType = errors.New("protocol: unsupported message type")
	ErrBodyTooLarge       = errors.New("protocol: body too large")
)

// Header is the fixed 14-byte frame header.
type Header struct {
	CodecType codec.CodecType
	MsgType   MsgType
	Seq       uint32 // call ID of the envelope in the body
	BodyLen   uint32 // set by Encode from the body
}

// Encode writes a complete frame (header + body) to w as one write.
// The caller must hold a write lock if multiple goroutines share w.
func Encode(w io.Writer, h *Header, body []byte) error {
	frame, err := Marshal(h, body)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Marshal returns a complete frame (header + body) in one buffer.
func Marshal(h *Header, body []byte) ([]byte, error) {
	if uint64(len(body)) > uint64(MaxBodySize) {
		return nil, errors.Wrapf(ErrBodyTooLarge, "%d bytes", len(body))
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.CodecType)
	buf[5] = byte(h.MsgType)
	// big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Decode reads a complete frame (header + body) from r.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	h, err := parseHeader(headerBuf)
	if err != nil {
		return nil, nil, err
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, errors.Wrap(err, "read frame body")
	}
	return h, body, nil
}

// Unmarshal parses one frame held in a single message. Trailing bytes are an
// error.
func Unmarshal(data []byte) (*Header, []byte, error) {
	r := bytes.NewReader(data)
	h, body, err := Decode(r)
	if err != nil {
		return nil, nil, err
	}
	if r.Len() != 0 {
		return nil, nil, errors.Errorf("protocol: %d trailing bytes after frame", r.Len())
	}
	return h, body, nil
}

func parseHeader(buf []byte) (*Header, error) {
	if buf[0] != MagicNumber || buf[1] != MagicByte2 || buf[2] != MagicByte3 {
		return nil, errors.Wrapf(ErrInvalidMagic, "%x", buf[0:3])
	}
	if buf[3] != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "%d", buf[3])
	}
	if !codec.Valid(codec.CodecType(buf[4])) {
		return nil, errors.Wrapf(ErrUnsupportedCodec, "%d", buf[4])
	}

	msgType := MsgType(buf[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, errors.Wrapf(ErrUnsupportedMsgType, "%d", buf[5])
	}

	bodyLen := binary.BigEndian.Uint32(buf[10:14])
	if bodyLen > MaxBodySize {
		return nil, errors.Wrapf(ErrBodyTooLarge, "%d bytes", bodyLen)
	}

	return &Header{
		CodecType: codec.CodecType(buf[4]),
		MsgType:   msgType,
		Seq:       binary.BigEndian.Uint32(buf[6:10]),
		BodyLen:   bodyLen,
	}, nil
}
