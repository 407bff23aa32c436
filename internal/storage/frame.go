package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// frameVersion identifies the entry format. Increment it if the layout ever
// changes so old entries are rejected rather than silently misread.
const frameVersion uint8 = 1

// Every stored payload is wrapped in a small frame:
//
//	[version : 1 byte]
//	[length  : 4 bytes, uint32, big-endian]
//	[payload : length bytes]
//	[checksum: 4 bytes, uint32, CRC32 of everything above]
const frameOverhead = 1 + 4 + 4

// EncodeFrame wraps payload in the on-disk frame.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, 0, frameOverhead+len(payload))
	buf = append(buf, frameVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

// DecodeFrame verifies buf and returns a copy of the payload it carries.
// Any mismatch is reported as ErrCorrupted.
func DecodeFrame(buf []byte) ([]byte, error) {
	if len(buf) < frameOverhead {
		return nil, fmt.Errorf("frame too short (%d bytes): %w", len(buf), ErrCorrupted)
	}

	stored := binary.BigEndian.Uint32(buf[len(buf)-4:])
	computed := crc32.ChecksumIEEE(buf[:len(buf)-4])
	if stored != computed {
		return nil, fmt.Errorf("checksum mismatch (stored=%x computed=%x): %w", stored, computed, ErrCorrupted)
	}
	if buf[0] != frameVersion {
		return nil, fmt.Errorf("unsupported frame version %d: %w", buf[0], ErrCorrupted)
	}

	n := binary.BigEndian.Uint32(buf[1:5])
	if int(n) != len(buf)-frameOverhead {
		return nil, fmt.Errorf("length %d does not match frame size %d: %w", n, len(buf), ErrCorrupted)
	}

	payload := make([]byte, n)
	copy(payload, buf[5:5+n])
	return payload, nil
}
