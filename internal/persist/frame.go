package persist

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"
)

// ErrCorrupt marks a file whose framing, checksum or payload is unusable.
var ErrCorrupt = errors.New("persist: corrupt file")

// Frame layout, big endian:
//
//	magic   [4]byte "BSTS"
//	version uint16
//	length  uint32  compressed payload length
//	crc     uint32  IEEE CRC of the compressed payload
//	payload snappy(JSON)
const (
	frameMagic    = "BSTS"
	formatVersion = 1
	headerLen     = 4 + 2 + 4 + 4
)

func encodeFrame(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	payload := snappy.Encode(nil, raw)

	buf := make([]byte, headerLen, headerLen+len(payload))
	copy(buf, frameMagic)
	binary.BigEndian.PutUint16(buf[4:], formatVersion)
	binary.BigEndian.PutUint32(buf[6:], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[10:], crc32.ChecksumIEEE(payload))
	return append(buf, payload...), nil
}

func decodeFrame(b []byte, into any) error {
	if len(b) < headerLen {
		return fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(b))
	}
	if string(b[:4]) != frameMagic {
		return fmt.Errorf("%w: bad magic %q", ErrCorrupt, b[:4])
	}
	if v := binary.BigEndian.Uint16(b[4:]); v != formatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	n := binary.BigEndian.Uint32(b[6:])
	payload := b[headerLen:]
	if uint32(len(payload)) != n {
		return fmt.Errorf("%w: payload length %d, header says %d", ErrCorrupt, len(payload), n)
	}
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(b[10:]) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrCorrupt, err)
	}
	return nil
}
