package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/velozfi/veloz/internal/types"
)

// Frame layout on disk, exactly spec.md §6.3:
//
//	[u32 length][u8 type][u64 sequence][i64 timestamp_ns][bytes payload][u32 crc32c]
//
// length is the byte length of payload; crc32c (Castagnoli) covers
// type+sequence+timestamp_ns+payload, so truncation or bit-rot in any of
// those fields is caught on replay.
const headerLen = 4 + 1 + 8 + 8 // length + type + sequence + timestamp_ns
const trailerLen = 4            // crc32c

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// encodeFrame serializes entry into the on-disk frame format.
func encodeFrame(entry types.WalEntry) []byte {
	buf := make([]byte, headerLen+len(entry.Payload)+trailerLen)

	binary.BigEndian.PutUint32(buf[0:4], uint32(len(entry.Payload)))
	buf[4] = byte(entry.Type)
	binary.BigEndian.PutUint64(buf[5:13], entry.Sequence)
	binary.BigEndian.PutUint64(buf[13:21], uint64(entry.TimestampNs))
	copy(buf[21:21+len(entry.Payload)], entry.Payload)

	crc := crc32.Checksum(buf[4:21+len(entry.Payload)], crcTable)
	binary.BigEndian.PutUint32(buf[21+len(entry.Payload):], crc)

	return buf
}

// readFrame reads and validates a single frame from r. It returns io.EOF
// (unwrapped) only when the stream ends exactly on a frame boundary;
// ErrTruncated signals a partial frame at end-of-stream, which callers
// tolerate per spec.md §6.3's "truncation at the last fully-written record
// is tolerated on open".
func readFrame(r io.Reader) (types.WalEntry, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return types.WalEntry{}, ErrTruncated
		}
		return types.WalEntry{}, err
	}

	payloadLen := binary.BigEndian.Uint32(header[0:4])
	rest := make([]byte, int(payloadLen)+trailerLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return types.WalEntry{}, ErrTruncated
		}
		return types.WalEntry{}, err
	}

	payload := rest[:payloadLen]
	wantCRC := binary.BigEndian.Uint32(rest[payloadLen:])

	crcInput := make([]byte, 0, headerLen-4+len(payload))
	crcInput = append(crcInput, header[4:]...)
	crcInput = append(crcInput, payload...)
	gotCRC := crc32.Checksum(crcInput, crcTable)
	if gotCRC != wantCRC {
		return types.WalEntry{}, fmt.Errorf("wal: checksum mismatch at sequence %d", binary.BigEndian.Uint64(header[5:13]))
	}

	return types.WalEntry{
		Sequence:    binary.BigEndian.Uint64(header[5:13]),
		Type:        types.WalEntryType(header[4]),
		TimestampNs: int64(binary.BigEndian.Uint64(header[13:21])),
		Payload:     append([]byte(nil), payload...),
	}, nil
}
