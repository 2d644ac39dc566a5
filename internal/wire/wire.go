// Package wire implements the compact binary form of a task record and
// the frame layout of the RPC protocol that carries it.
//
// A record spends its bytes almost entirely on the text it carries:
// identifiers travel as 16 raw bytes instead of 36-character text,
// enumerations as single-byte discriminants, instants as 8-byte signed
// second counts, text as uvarint-length-prefixed raw bytes. Optional
// fields are presence-flagged in a leading flags byte rather than
// signalled by sentinel values. Aside from the text bytes and an
// optional 16-byte project reference, a record never costs more than
// 58 bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskgate/internal/domain"
)

// DefaultMaxMessageSize caps aggregate message size on both the encode
// and decode side. The decode-side cap defends against unbounded
// allocation from a corrupted or hostile peer.
const DefaultMaxMessageSize = 8 << 20

const (
	flagProjectID = 1 << 0
	flagDueDate   = 1 << 1
)

// EncodingError reports a record that cannot be put on the wire.
type EncodingError struct {
	Msg   string
	cause error
}

func (e *EncodingError) Error() string { return "encode task: " + e.Msg }
func (e *EncodingError) Unwrap() error { return e.cause }

// DecodingError reports a byte sequence that does not decode to a record.
type DecodingError struct {
	Msg   string
	cause error
}

func (e *DecodingError) Error() string { return "decode task: " + e.Msg }
func (e *DecodingError) Unwrap() error { return e.cause }

func encodingErrorf(format string, args ...any) error {
	return &EncodingError{Msg: fmt.Sprintf(format, args...)}
}

func decodingErrorf(format string, args ...any) error {
	return &DecodingError{Msg: fmt.Sprintf(format, args...)}
}

// Codec encodes and decodes task records under a size cap.
type Codec struct {
	// MaxMessageSize bounds encoded output and accepted input.
	// Zero means DefaultMaxMessageSize.
	MaxMessageSize int
}

func (c Codec) max() int {
	if c.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return c.MaxMessageSize
}

// EncodeTask serializes t. Output is deterministic: logically equal
// tasks produce byte-identical encodings.
func (c Codec) EncodeTask(t domain.Task) ([]byte, error) {
	if !t.Priority.Valid() {
		return nil, encodingErrorf("priority discriminant %d outside closed set", t.Priority)
	}
	if !t.Status.Valid() {
		return nil, encodingErrorf("status discriminant %d outside closed set", t.Status)
	}
	size := encodedSize(t)
	if size > c.max() {
		return nil, encodingErrorf("encoded size %d exceeds cap %d", size, c.max())
	}

	buf := make([]byte, 0, size)
	var flags byte
	if t.ProjectID != nil {
		flags |= flagProjectID
	}
	if t.DueDate != nil {
		flags |= flagDueDate
	}
	buf = append(buf, flags)
	buf = append(buf, t.ID[:]...)
	buf = appendString(buf, t.Title)
	buf = appendString(buf, t.Description)
	buf = appendBool(buf, t.Completed)
	if t.ProjectID != nil {
		buf = append(buf, t.ProjectID[:]...)
	}
	buf = append(buf, byte(t.Priority), byte(t.Status))
	if t.DueDate != nil {
		buf = binary.BigEndian.AppendUint64(buf, uint64(t.DueDate.Unix()))
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.CreatedAt.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.UpdatedAt.Unix()))
	return buf, nil
}

// DecodeTask parses a record encoded by EncodeTask. It fails on
// truncated input, unrecognized discriminants, oversize input, and
// trailing garbage; it never returns a partially populated record.
/// A zero discriminant is legal: it is the reserved "unspecified" state.
func (c Codec) DecodeTask(data []byte) (domain.Task, error) {
	var t domain.Task
	if len(data) > c.max() {
		return t, decodingErrorf("message size %d exceeds cap %d", len(data), c.max())
	}
	r := reader{buf: data}
	flags, err := r.byte()
	if err != nil {
		return t, err
	}
	id, err := r.take(16)
	if err != nil {
		return t, err
	}
	copy(t.ID[:], id)
	if t.Title, err = r.str(c.max()); err != nil {
		return t, err
	}
	if t.Description, err = r.str(c.max()); err != nil {
		return t, err
	}
	b, err := r.byte()
	if err != nil {
		return t, err
	}
	t.Completed = b != 0
	if flags&flagProjectID != 0 {
		pid, err := r.take(16)
		if err != nil {
			return t, err
		}
		var u uuid.UUID
		copy(u[:], pid)
		t.ProjectID = &u
	}
	prio, err := r.byte()
	if err != nil {
		return t, err
	}
	t.Priority = domain.Priority(prio)
	if !t.Priority.Valid() {
		return domain.Task{}, decodingErrorf("unrecognized priority discriminant %d", prio)
	}
	st, err := r.byte()
	if err != nil {
		return t, err
	}
	t.Status = domain.Status(st)
	if !t.Status.Valid() {
		return domain.Task{}, decodingErrorf("unrecognized status discriminant %d", st)
	}
	if flags&flagDueDate != 0 {
		sec, err := r.int64()
		if err != nil {
			return t, err
		}
		d := time.Unix(sec, 0).UTC()
		t.DueDate = &d
	}
	var sec int64
	if sec, err = r.int64(); err != nil {
		return t, err
	}
	t.CreatedAt = time.Unix(sec, 0).UTC()
	if sec, err = r.int64(); err != nil {
		return t, err
	}
	t.UpdatedAt = time.Unix(sec, 0).UTC()
	if r.len() != 0 {
		return domain.Task{}, decodingErrorf("%d trailing bytes after record", r.len())
	}
	return t, nil
}

func encodedSize(t domain.Task) int {
	// flags + id + completed + priority + status + created + updated
	n := 1 + 16 + 1 + 1 + 1 + 8 + 8
	n += uvarintLen(uint64(len(t.Title))) + len(t.Title)
	n += uvarintLen(uint64(len(t.Description))) + len(t.Description)
	if t.ProjectID != nil {
		n += 16
	}
	if t.DueDate != nil {
		n += 8
	}
	return n
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// reader walks a buffer and converts exhaustion into DecodingError.
type reader struct {
	buf []byte
	off int
}

func (r *reader) len() int { return len(r.buf) - r.off }

func (r *reader) take(n int) ([]byte, error) {
	if r.len() < n {
		return nil, decodingErrorf("truncated: need %d bytes at offset %d, have %d", n, r.off, r.len())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) int64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, decodingErrorf("truncated or malformed varint at offset %d", r.off)
	}
	r.off += n
	return v, nil
}

func (r *reader) str(max int) (string, error) {
	n, err := r.uvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(max) {
		return "", decodingErrorf("text length %d exceeds cap %d", n, max)
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
