package wire

import (
	"encoding/binary"

	"github.com/google/uuid"

	"taskgate/internal/domain"
)

// Auxiliary payload codecs: ids for GetById/DeleteById requests, list
// filters for List/ListStream requests, error payloads for FlagError
// responses, and task batches for List responses.

// EncodeID serializes an identifier as its 16 raw bytes.
func EncodeID(id uuid.UUID) []byte {
	out := make([]byte, 16)
	copy(out, id[:])
	return out
}

// DecodeID parses a 16-byte identifier payload.
func DecodeID(data []byte) (uuid.UUID, error) {
	var id uuid.UUID
	if len(data) != 16 {
		return id, decodingErrorf("id payload must be 16 bytes, got %d", len(data))
	}
	copy(id[:], data)
	return id, nil
}

const filterCompleted = 1 << 0

// EncodeListFilter serializes a list filter.
func EncodeListFilter(f domain.ListFilter) ([]byte, error) {
	if !f.Status.Valid() {
		return nil, encodingErrorf("filter status discriminant %d outside closed set", f.Status)
	}
	if !f.Priority.Valid() {
		return nil, encodingErrorf("filter priority discriminant %d outside closed set", f.Priority)
	}
	var flags byte
	if f.Completed != nil {
		flags |= filterCompleted
	}
	buf := []byte{flags, byte(f.Status), byte(f.Priority)}
	if f.Completed != nil {
		buf = appendBool(buf, *f.Completed)
	}
	limit := f.Limit
	if limit < 0 {
		limit = 0
	}
	return binary.AppendUvarint(buf, uint64(limit)), nil
}

// DecodeListFilter parses a list filter payload.
func DecodeListFilter(data []byte) (domain.ListFilter, error) {
	var f domain.ListFilter
	r := reader{buf: data}
	flags, err := r.byte()
	if err != nil {
		return f, err
	}
	st, err := r.byte()
	if err != nil {
		return f, err
	}
	f.Status = domain.Status(st)
	if !f.Status.Valid() {
		return domain.ListFilter{}, decodingErrorf("unrecognized status discriminant %d", st)
	}
	prio, err := r.byte()
	if err != nil {
		return f, err
	}
	f.Priority = domain.Priority(prio)
	if !f.Priority.Valid() {
		return domain.ListFilter{}, decodingErrorf("unrecognized priority discriminant %d", prio)
	}
	if flags&filterCompleted != 0 {
		b, err := r.byte()
		if err != nil {
			return f, err
		}
		v := b != 0
		f.Completed = &v
	}
	limit, err := r.uvarint()
	if err != nil {
		return f, err
	}
	f.Limit = int(limit)
	if r.len() != 0 {
		return domain.ListFilter{}, decodingErrorf("%d trailing bytes after filter", r.len())
	}
	return f, nil
}

// ErrCode is the wire form of a service-reported failure.
type ErrCode uint8

const (
	ErrCodeNotFound ErrCode = iota + 1
	ErrCodeInvalidArgument
	ErrCodeInternal
)

// EncodeError serializes a code byte followed by the message text.
func EncodeError(code ErrCode, msg string) []byte {
	return append([]byte{byte(code)}, msg...)
}

// DecodeError parses an error payload.
func DecodeError(data []byte) (ErrCode, string, error) {
	if len(data) < 1 {
		return 0, "", decodingErrorf("empty error payload")
	}
	code := ErrCode(data[0])
	if code < ErrCodeNotFound || code > ErrCodeInternal {
		return 0, "", decodingErrorf("unrecognized error code %d", data[0])
	}
	return code, string(data[1:]), nil
}

// EncodeTaskList serializes a bounded batch of records for a List
// response: a uvarint count, then length-prefixed record encodings.
func (c Codec) EncodeTaskList(tasks []domain.Task) ([]byte, error) {
	buf := binary.AppendUvarint(nil, uint64(len(tasks)))
	for _, t := range tasks {
		rec, err := c.EncodeTask(t)
		if err != nil {
			return nil, err
		}
		buf = binary.AppendUvarint(buf, uint64(len(rec)))
		buf = append(buf, rec...)
	}
	if len(buf) > c.max() {
		return nil, encodingErrorf("encoded list size %d exceeds cap %d", len(buf), c.max())
	}
	return buf, nil
}

// DecodeTaskList parses a List response payload.
func (c Codec) DecodeTaskList(data []byte) ([]domain.Task, error) {
	if len(data) > c.max() {
		return nil, decodingErrorf("message size %d exceeds cap %d", len(data), c.max())
	}
	r := reader{buf: data}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, min(int(count), 1024))
	for i := uint64(0); i < count; i++ {
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if n > uint64(r.len()) {
			return nil, decodingErrorf("truncated record %d: need %d bytes, have %d", i, n, r.len())
		}
		rec, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		t, err := c.DecodeTask(rec)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if r.len() != 0 {
		return nil, decodingErrorf("%d trailing bytes after list", r.len())
	}
	return tasks, nil
}
