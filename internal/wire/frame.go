package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
)

// Op identifies an operation on the task service.
type Op uint8

const (
	OpCreate Op = iota + 1
	OpGetByID
	OpList
	OpListStream
	OpUpdateByID
	OpDeleteByID
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "Create"
	case OpGetByID:
		return "GetById"
	case OpList:
		return "List"
	case OpListStream:
		return "ListStream"
	case OpUpdateByID:
		return "UpdateById"
	case OpDeleteByID:
		return "DeleteById"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Frame flag bits.
const (
	// FlagCompressed marks an s2-compressed payload.
	FlagCompressed = 1 << 0
	// FlagStreamItem marks one item of a streaming response.
	FlagStreamItem = 1 << 1
	// FlagStreamEnd marks the final frame of a streaming response; it
	// carries no payload.
	FlagStreamEnd = 1 << 2
	// FlagError marks an error payload (code byte + message).
	FlagError = 1 << 3
)

// frame header: payload length (4) + call id (8) + op (1) + flags (1).
const headerSize = 14

// Frame is one protocol message. Responses echo the call id of the
// request so many logical calls can multiplex over one connection.
type Frame struct {
	CallID  uint64
	Op      Op
	Flags   uint8
	Payload []byte
}

// AppendFrame serializes f onto buf so a single writer can push the
// whole frame to the socket in one write.
func AppendFrame(buf []byte, f Frame) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = binary.BigEndian.AppendUint64(buf, f.CallID)
	buf = append(buf, byte(f.Op), f.Flags)
	return append(buf, f.Payload...)
}

// ReadFrame reads one frame, rejecting payloads above maxSize before
// allocating for them.
func ReadFrame(r io.Reader, maxSize int) (Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	if int(n) > maxSize {
		return Frame{}, &DecodingError{Msg: fmt.Sprintf("frame payload %d exceeds cap %d", n, maxSize)}
	}
	f := Frame{
		CallID: binary.BigEndian.Uint64(hdr[4:12]),
		Op:     Op(hdr[12]),
		Flags:  hdr[13],
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// CompressThreshold is the payload size above which list responses are
// compressed. Below roughly 1 KiB compression overhead exceeds the
// benefit, so single-record payloads ship uncompressed by default.
const CompressThreshold = 5 << 10

// MaybeCompress s2-compresses payload when it crosses threshold and the
// result is actually smaller. It reports whether compression applied.
func MaybeCompress(payload []byte, threshold int) ([]byte, bool) {
	if threshold <= 0 {
		threshold = CompressThreshold
	}
	if len(payload) < threshold {
		return payload, false
	}
	packed := s2.Encode(nil, payload)
	if len(packed) >= len(payload) {
		return payload, false
	}
	return packed, true
}

// Decompress reverses MaybeCompress, honoring the size cap.
func Decompress(payload []byte, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	if n, err := s2.DecodedLen(payload); err != nil {
		return nil, &DecodingError{Msg: "corrupt compressed payload", cause: err}
	} else if n > maxSize {
		return nil, &DecodingError{Msg: fmt.Sprintf("decompressed size %d exceeds cap %d", n, maxSize)}
	}
	out, err := s2.Decode(nil, payload)
	if err != nil {
		return nil, &DecodingError{Msg: "corrupt compressed payload", cause: err}
	}
	return out, nil
}
