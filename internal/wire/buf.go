package wire

import (
	"bytes"
	"encoding/binary"
	"math"
)

// writer accumulates a payload's encoded bytes. All widths are big-endian,
// per §4.1; writer has no fallible operations, and its bytes.Buffer grows
// as fields are appended.
type writer struct {
	buf bytes.Buffer
}

func newWriter() *writer { return &writer{} }

func (w *writer) Bytes() []byte { return w.buf.Bytes() }

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) bool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) i64(v int64) { w.u64(uint64(v)) }

func (w *writer) f64(v float64) { w.u64(math.Float64bits(v)) }

// fixed writes raw, fixed-width bytes (identifiers, HMAC digests) verbatim.
func (w *writer) fixed(b []byte) { w.buf.Write(b) }

// varBytes writes a u32 count followed by the raw bytes, used for both
// variable-length byte blobs and (via string conversion) strings.
func (w *writer) varBytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *writer) str(s string) { w.varBytes([]byte(s)) }

func (w *writer) optStr(s *string) {
	if s == nil {
		w.bool(false)
		return
	}
	w.bool(true)
	w.str(*s)
}

func (w *writer) optI64(v *int64) {
	if v == nil {
		w.bool(false)
		return
	}
	w.bool(true)
	w.i64(*v)
}

func (w *writer) optFixed(present bool, b []byte) {
	w.bool(present)
	if present {
		w.buf.Write(b)
	}
}

// seqCount writes the u32 element count header for a variable-length
// sequence; callers write each element immediately afterward.
func (w *writer) seqCount(n int) { w.u32(uint32(n)) }

// reader walks a decoded payload's bytes in field order, returning
// ErrUnexpectedEOD whenever a read would run past the end of the buffer.
type reader struct {
	b   []byte
	pos int
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) remaining() int { return len(r.b) - r.pos }

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrUnexpectedEOD
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) boolean() (bool, error) {
	b, err := r.u8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *reader) f64() (float64, error) {
	v, err := r.u64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (r *reader) fixed(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

const maxVarLen = 64 * 1024 * 1024 // defensive cap against corrupt length prefixes

func (r *reader) varBytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > maxVarLen {
		return nil, ErrUnexpectedEOD
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *reader) str() (string, error) {
	b, err := r.varBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) optStr() (*string, error) {
	present, err := r.boolean()
	if err != nil || !present {
		return nil, err
	}
	s, err := r.str()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *reader) optI64() (*int64, error) {
	present, err := r.boolean()
	if err != nil || !present {
		return nil, err
	}
	v, err := r.i64()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *reader) optFixed(n int) (bool, []byte, error) {
	present, err := r.boolean()
	if err != nil || !present {
		return present, nil, err
	}
	b, err := r.fixed(n)
	return present, b, err
}

func (r *reader) seqCount() (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if n > maxVarLen {
		return 0, ErrUnexpectedEOD
	}
	return int(n), nil
}

func (r *reader) done() bool { return r.remaining() == 0 }
