// Package backup implements the read side (and, for the round-trip
// law spec.md §8 requires, the write side) of the backup mutation log
// file format documented in spec.md §4.9: fixed-size blocks of
// length-prefixed key/value records, 0xFF padding, and a record key
// scheme that packs a version and a part number behind a
// self-validating hash byte.
package backup

import (
	"encoding/binary"

	"github.com/jzhou77/partlog/tlog"
)

// recordKeySize is 1 (hash) + 8 (version) + 4 (part) bytes.
const recordKeySize = 1 + 8 + 4

// recordKey is the decoded form of a record's key.
type recordKey struct {
	Version uint64
	Part    uint32
}

// decodeRecordKey validates and parses a raw record key.
func decodeRecordKey(key []byte) (recordKey, error) {
	if len(key) != recordKeySize {
		return recordKey{}, tlog.Wrap(tlog.KindCorruptLog, nil, "record key has wrong length")
	}
	hash := key[0]
	version := binary.BigEndian.Uint64(key[1:9])
	part := binary.BigEndian.Uint32(key[9:13])
	if want := recordKeyHash(version); hash != want {
		return recordKey{}, tlog.Wrap(tlog.KindCorruptLog, nil, "record key hash mismatch")
	}
	return recordKey{Version: version, Part: part}, nil
}

// encodeRecordKey builds a record key for (version, part), computing
// its validity hash.
func encodeRecordKey(version uint64, part uint32) []byte {
	key := make([]byte, recordKeySize)
	key[0] = recordKeyHash(version)
	binary.BigEndian.PutUint64(key[1:9], version)
	binary.BigEndian.PutUint32(key[9:13], part)
	return key
}

// Mutation is one logical key/value mutation recorded in a backup log
// value, spec.md §4.9's `type:u32 ‖ p1len:u32 ‖ p2len:u32 ‖ p1 ‖ p2`.
type Mutation struct {
	Type   uint32
	Param1 []byte
	Param2 []byte
}

func (m Mutation) encodedLen() int {
	return 4 + 4 + 4 + len(m.Param1) + len(m.Param2)
}

func encodeMutation(m Mutation, out []byte) []byte {
	out = appendUint32(out, m.Type)
	out = appendUint32(out, uint32(len(m.Param1)))
	out = appendUint32(out, uint32(len(m.Param2)))
	out = append(out, m.Param1...)
	out = append(out, m.Param2...)
	return out
}

func appendUint32(out []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(out, b[:]...)
}

func decodeMutation(buf []byte) (Mutation, int, error) {
	if len(buf) < 12 {
		return Mutation{}, 0, tlog.Wrap(tlog.KindCorruptLog, nil, "truncated mutation header")
	}
	mutType := binary.BigEndian.Uint32(buf[0:4])
	p1len := binary.BigEndian.Uint32(buf[4:8])
	p2len := binary.BigEndian.Uint32(buf[8:12])
	need := 12 + int(p1len) + int(p2len)
	if len(buf) < need {
		return Mutation{}, 0, tlog.Wrap(tlog.KindCorruptLog, nil, "truncated mutation body")
	}
	p1 := append([]byte(nil), buf[12:12+p1len]...)
	p2 := append([]byte(nil), buf[12+int(p1len):need]...)
	return Mutation{Type: mutType, Param1: p1, Param2: p2}, need, nil
}

// recordValue is the decoded form of a record's value: the version
// this mutation batch should be included from, plus the mutations
// themselves. A single logical version's value may have been split
// (by the writer) into multiple parts, each its own recordValue; see
// stitchParts in decoder.go.
type recordValue struct {
	IncludeVersion uint64
	Mutations      []Mutation
}

// decodeRecordValueHeader decodes a single record's value bytes (not yet
// stitched across parts) into its header and raw mutation payload.
// The mutation sequence is only fully decodable once every part has
// been concatenated, since a mutation can itself straddle a part
// boundary; callers of decodeMutations pass the full stitched buffer.
func decodeRecordValueHeader(value []byte) (includeVersion uint64, valLength uint32, body []byte, err error) {
	if len(value) < 12 {
		return 0, 0, nil, tlog.Wrap(tlog.KindCorruptLog, nil, "truncated record value header")
	}
	includeVersion = binary.BigEndian.Uint64(value[0:8])
	valLength = binary.BigEndian.Uint32(value[8:12])
	body = value[12:]
	if int(valLength) != len(value)-12 {
		return 0, 0, nil, tlog.Wrap(tlog.KindCorruptLog, nil, "record value length field mismatch")
	}
	return includeVersion, valLength, body, nil
}

func decodeMutations(buf []byte) ([]Mutation, error) {
	var muts []Mutation
	for len(buf) > 0 {
		m, n, err := decodeMutation(buf)
		if err != nil {
			return nil, err
		}
		muts = append(muts, m)
		buf = buf[n:]
	}
	return muts, nil
}

func encodeMutations(muts []Mutation) []byte {
	total := 0
	for _, m := range muts {
		total += m.encodedLen()
	}
	out := make([]byte, 0, total)
	for _, m := range muts {
		out = encodeMutation(m, out)
	}
	return out
}

// encodeRecordValue builds the [includeVersion][valLength][mutations]
// value bytes for one unsplit part.
func encodeRecordValue(includeVersion uint64, mutationBytes []byte) []byte {
	out := make([]byte, 12+len(mutationBytes))
	binary.BigEndian.PutUint64(out[0:8], includeVersion)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(mutationBytes)))
	copy(out[12:], mutationBytes)
	return out
}
