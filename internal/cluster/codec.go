package cluster

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// WireVersion is the envelope format version written by this build.
const WireVersion uint16 = 1

// ContentType is the media type of encoded envelopes.
const ContentType = "application/x-vigil-conf"

var magic = [4]byte{'V', 'G', 'L', 'C'}

// headerSize is magic + version + payload length.
const headerSize = 4 + 2 + 4

var (
	// ErrBadMagic is returned when the payload is not an envelope at all.
	ErrBadMagic = errors.New("not a configuration envelope")
	// ErrVersionMismatch is returned when the envelope was written by an
	// incompatible build.
	ErrVersionMismatch = errors.New("configuration envelope version mismatch")
	// ErrTruncated is returned when the declared length exceeds the data.
	ErrTruncated = errors.New("configuration envelope truncated")
	// ErrTooLarge is returned when a payload exceeds the size a receiver
	// accepts, compressed or not.
	ErrTooLarge = errors.New("configuration envelope too large")
)

// MaxDecodedSize bounds the decompressed payload accepted by Decode.
const MaxDecodedSize = 256 << 20

// Encode serializes v as JSON, compresses it with zstd and wraps it in a
// length prefixed envelope:
//
//	magic "VGLC" | uint16 version | uint32 length | zstd(json(v))
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	out := make([]byte, headerSize, headerSize+len(compressed))
	copy(out, magic[:])
	binary.BigEndian.PutUint16(out[4:6], WireVersion)
	binary.BigEndian.PutUint32(out[6:10], uint32(len(compressed)))
	return append(out, compressed...), nil
}

// Decode reverses Encode into v, refusing payloads that decompress to more
// than MaxDecodedSize.
func Decode(data []byte, v any) error {
	return DecodeLimit(data, v, MaxDecodedSize)
}

// DecodeLimit is Decode with an explicit bound on the decompressed size.
func DecodeLimit(data []byte, v any, limit uint64) error {
	if len(data) < headerSize || !bytes.Equal(data[:4], magic[:]) {
		return ErrBadMagic
	}
	if version := binary.BigEndian.Uint16(data[4:6]); version != WireVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, WireVersion)
	}
	length := int(binary.BigEndian.Uint32(data[6:10]))
	if len(data)-headerSize < length {
		return ErrTruncated
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(limit))
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data[headerSize:headerSize+length], nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
		return fmt.Errorf("%w: payload decompresses to more than %d bytes", ErrTooLarge, limit)
	}
	if err != nil {
		return fmt.Errorf("decompress payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

func jsonBytes(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return raw, nil
}
