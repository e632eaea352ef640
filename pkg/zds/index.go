package zds

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Binary side index format (index.bin):
//
//	header:
//	  magic    uint32  0x5A445349 ("ZDSI")
//	  version  uint32  1
//	  count    uint32  number of entries
//	entries (repeated count times):
//	  id_len   uint16
//	  id       [id_len]byte
//	  offset   uint64  byte offset into data.jsonl
//	  length   uint32  byte length of the JSONL line, including newline
//
// All integers are little-endian. The index is a side structure only:
// data.jsonl remains the source of truth, and [FastStore.Compact] (or a
// rebuild from data.jsonl) can always regenerate it.
const (
	indexMagic   uint32 = 0x5A445349
	indexVersion uint32 = 1

	indexHeaderSize = 4 + 4 + 4 // magic + version + count
)

// indexEntry is one record in the binary side index.
type indexEntry struct {
	ID     string
	Offset uint64
	Length uint32
}

// encodeIndex serializes entries into the on-disk binary index format.
func encodeIndex(entries []indexEntry) ([]byte, error) {
	var buf bytes.Buffer

	header := make([]byte, indexHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], indexMagic)
	binary.LittleEndian.PutUint32(header[4:8], indexVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(entries)))
	buf.Write(header)

	for _, e := range entries {
		if len(e.ID) > 0xFFFF {
			return nil, newErr(KindInvalidArgument, "document id too long for binary index")
		}

		var rec [2]byte
		binary.LittleEndian.PutUint16(rec[:], uint16(len(e.ID)))
		buf.Write(rec[:])
		buf.WriteString(e.ID)

		var offLen [12]byte
		binary.LittleEndian.PutUint64(offLen[0:8], e.Offset)
		binary.LittleEndian.PutUint32(offLen[8:12], e.Length)
		buf.Write(offLen[:])
	}

	return buf.Bytes(), nil
}

// decodeIndex parses the on-disk binary index format produced by
// [encodeIndex]. It returns a [KindCorruption] error if the header's magic
// or version don't match, or if the entry count implies more data than is
// present in data.
func decodeIndex(data []byte) ([]indexEntry, error) {
	if len(data) < indexHeaderSize {
		return nil, newErr(KindCorruption, "index file smaller than header")
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != indexMagic {
		return nil, newErr(KindCorruption, fmt.Sprintf("index file has wrong magic: %#x", magic))
	}

	version := binary.LittleEndian.Uint32(data[4:8])
	if version != indexVersion {
		return nil, newErr(KindCorruption, fmt.Sprintf("index file has unsupported version: %d", version))
	}

	count := binary.LittleEndian.Uint32(data[8:12])
	entries := make([]indexEntry, 0, count)

	off := indexHeaderSize
	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return nil, newErr(KindCorruption, "index file truncated reading id length")
		}
		idLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2

		if off+idLen+12 > len(data) {
			return nil, newErr(KindCorruption, "index file truncated reading entry")
		}
		id := string(data[off : off+idLen])
		off += idLen

		offset := binary.LittleEndian.Uint64(data[off : off+8])
		length := binary.LittleEndian.Uint32(data[off+8 : off+12])
		off += 12

		entries = append(entries, indexEntry{ID: id, Offset: offset, Length: length})
	}

	return entries, nil
}
