package backing

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/hupe1980/docstore/core"
)

// On-disk layout of the log store.
//
// File header:
//
//	[Magic uint32][Version uint32]
//
// Record:
//
//	[Lid uint32][SyncToken uint64][Flags uint8][Length uint32][CRC uint32][Payload ...]
//
// CRC is IEEE CRC32 over the header fields (lid, token, flags, length) and
// the payload. A tombstone has flagRemove set and Length 0.
const (
	logMagic   uint32 = 0x4c494453 // "LIDS"
	logVersion uint32 = 1

	fileHeaderSize = 8
	recHeaderSize  = 4 + 8 + 1 + 4 + 4

	flagRemove uint8 = 1
)

var crcTable = crc32.MakeTable(crc32.IEEE)

type record struct {
	lid     core.Lid
	token   core.SyncToken
	flags   uint8
	payload []byte
}

func (r *record) tombstone() bool {
	return r.flags&flagRemove != 0
}

func (r *record) size() int64 {
	return int64(recHeaderSize + len(r.payload))
}

// encode appends the wire form of r to buf and returns the result.
func (r *record) encode(buf []byte) []byte {
	var hdr [recHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(r.lid))
	binary.LittleEndian.PutUint64(hdr[4:], r.token)
	hdr[12] = r.flags
	binary.LittleEndian.PutUint32(hdr[13:], uint32(len(r.payload)))

	crc := crc32.Update(0, crcTable, hdr[:recHeaderSize-4])
	crc = crc32.Update(crc, crcTable, r.payload)
	binary.LittleEndian.PutUint32(hdr[17:], crc)

	buf = append(buf, hdr[:]...)
	return append(buf, r.payload...)
}

// decodeHeader parses a record header, returning the payload length and the
// stored CRC. It does not touch the payload.
func decodeHeader(hdr []byte) (rec record, payloadLen uint32, crc uint32) {
	rec.lid = core.Lid(binary.LittleEndian.Uint32(hdr[0:]))
	rec.token = binary.LittleEndian.Uint64(hdr[4:])
	rec.flags = hdr[12]
	payloadLen = binary.LittleEndian.Uint32(hdr[13:])
	crc = binary.LittleEndian.Uint32(hdr[17:])
	return rec, payloadLen, crc
}

// verify recomputes the CRC over header fields and payload.
func verifyRecord(hdr, payload []byte, want uint32) bool {
	crc := crc32.Update(0, crcTable, hdr[:recHeaderSize-4])
	crc = crc32.Update(crc, crcTable, payload)
	return crc == want
}

func encodeFileHeader() []byte {
	var hdr [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], logMagic)
	binary.LittleEndian.PutUint32(hdr[4:], logVersion)
	return hdr[:]
}
