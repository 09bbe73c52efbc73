// Package codec defines the value/byte conversion contract shared by both cache tiers.
//
// A Codec converts a typed value to a byte sequence and back. Decode must be
// the exact inverse of Encode for every value Encode accepts; the one
// exception is NaN floats, where only IsNaN survives the round trip, not the
// payload bits. Malformed input produces an error, never a panic — callers
// treat a failed decode as a cache miss.
package codec

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/tiercache/tiercache/pkg/errors"
)

// Codec converts values of type T to and from bytes.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// Bytes returns the identity codec for raw byte slices. Both directions copy
// so the stores stay byte-transparent even if the caller mutates its slice.
func Bytes() Codec[[]byte] {
	return bytesCodec{}
}

type bytesCodec struct{}

func (bytesCodec) Encode(value []byte) ([]byte, error) {
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (bytesCodec) Decode(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// String returns the UTF-8 text codec. Invalid UTF-8 is rejected in both
// directions to keep the round-trip law intact.
func String() Codec[string] {
	return stringCodec{}
}

type stringCodec struct{}

func (stringCodec) Encode(value string) ([]byte, error) {
	if !utf8.ValidString(value) {
		return nil, errors.New(errors.CodeEncode, "string is not valid UTF-8")
	}
	return []byte(value), nil
}

func (stringCodec) Decode(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", errors.New(errors.CodeDecode, "data is not valid UTF-8")
	}
	return string(data), nil
}

// fixed is a fixed-width native-endian codec. Decode rejects any input whose
// length differs from the declared width.
type fixed[T any] struct {
	name  string
	width int
	put   func([]byte, T)
	get   func([]byte) T
}

func (f fixed[T]) Encode(value T) ([]byte, error) {
	buf := make([]byte, f.width)
	f.put(buf, value)
	return buf, nil
}

func (f fixed[T]) Decode(data []byte) (T, error) {
	var zero T
	if len(data) != f.width {
		return zero, errors.Newf(errors.CodeDecode, "%s needs %d bytes, got %d", f.name, f.width, len(data))
	}
	return f.get(data), nil
}

// Uint8 returns the codec for 8-bit unsigned integers.
func Uint8() Codec[uint8] {
	return fixed[uint8]{
		name: "uint8", width: 1,
		put: func(b []byte, v uint8) { b[0] = v },
		get: func(b []byte) uint8 { return b[0] },
	}
}

// Uint16 returns the codec for 16-bit unsigned integers (native endianness).
func Uint16() Codec[uint16] {
	return fixed[uint16]{
		name: "uint16", width: 2,
		put: binary.NativeEndian.PutUint16,
		get: binary.NativeEndian.Uint16,
	}
}

// Uint32 returns the codec for 32-bit unsigned integers (native endianness).
func Uint32() Codec[uint32] {
	return fixed[uint32]{
		name: "uint32", width: 4,
		put: binary.NativeEndian.PutUint32,
		get: binary.NativeEndian.Uint32,
	}
}

// Uint64 returns the codec for 64-bit unsigned integers (native endianness).
func Uint64() Codec[uint64] {
	return fixed[uint64]{
		name: "uint64", width: 8,
		put: binary.NativeEndian.PutUint64,
		get: binary.NativeEndian.Uint64,
	}
}

// Int8 returns the codec for 8-bit signed integers.
func Int8() Codec[int8] {
	return fixed[int8]{
		name: "int8", width: 1,
		put: func(b []byte, v int8) { b[0] = uint8(v) },
		get: func(b []byte) int8 { return int8(b[0]) },
	}
}

// Int16 returns the codec for 16-bit signed integers (native endianness).
func Int16() Codec[int16] {
	return fixed[int16]{
		name: "int16", width: 2,
		put: func(b []byte, v int16) { binary.NativeEndian.PutUint16(b, uint16(v)) },
		get: func(b []byte) int16 { return int16(binary.NativeEndian.Uint16(b)) },
	}
}

// Int32 returns the codec for 32-bit signed integers (native endianness).
func Int32() Codec[int32] {
	return fixed[int32]{
		name: "int32", width: 4,
		put: func(b []byte, v int32) { binary.NativeEndian.PutUint32(b, uint32(v)) },
		get: func(b []byte) int32 { return int32(binary.NativeEndian.Uint32(b)) },
	}
}

// Int64 returns the codec for 64-bit signed integers (native endianness).
func Int64() Codec[int64] {
	return fixed[int64]{
		name: "int64", width: 8,
		put: func(b []byte, v int64) { binary.NativeEndian.PutUint64(b, uint64(v)) },
		get: func(b []byte) int64 { return int64(binary.NativeEndian.Uint64(b)) },
	}
}

// Float32 returns the codec for IEEE-754 single-precision floats, encoded as
// the bit pattern through the uint32 codec.
func Float32() Codec[float32] {
	return fixed[float32]{
		name: "float32", width: 4,
		put: func(b []byte, v float32) { binary.NativeEndian.PutUint32(b, math.Float32bits(v)) },
		get: func(b []byte) float32 { return math.Float32frombits(binary.NativeEndian.Uint32(b)) },
	}
}

// Float64 returns the codec for IEEE-754 double-precision floats, encoded as
// the bit pattern through the uint64 codec.
func Float64() Codec[float64] {
	return fixed[float64]{
		name: "float64", width: 8,
		put: func(b []byte, v float64) { binary.NativeEndian.PutUint64(b, math.Float64bits(v)) },
		get: func(b []byte) float64 { return math.Float64frombits(binary.NativeEndian.Uint64(b)) },
	}
}
