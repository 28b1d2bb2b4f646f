package backup

import (
	"bytes"
	"encoding/binary"

	"github.com/jzhou77/partlog/tlog"
)

// BlockMagicVersion is the only magic value this decoder accepts at
// the start of a block.
const BlockMagicVersion uint32 = 1

// rawRecord is one decoded [key][value] pair from a block, before
// cross-block part stitching.
type rawRecord struct {
	key            recordKey
	includeVersion uint64
	body           []byte
}

// DecodeBlock parses a single fixed-size block: a 4-byte magic header,
// zero or more length-prefixed records, and 0xFF padding filling the
// remainder. It returns unsupported_version for an unrecognized magic
// and corrupt_padding if a non-0xFF byte appears where only padding is
// expected.
func DecodeBlock(block []byte) ([]rawRecord, error) {
	if len(block) < 4 {
		return nil, tlog.Wrap(tlog.KindCorruptLog, nil, "block shorter than magic header")
	}
	magic := binary.BigEndian.Uint32(block[0:4])
	if magic != BlockMagicVersion {
		return nil, tlog.New(tlog.KindUnsupportedVer)
	}

	var records []rawRecord
	pos := 4
	for pos < len(block) {
		if block[pos] == 0xFF {
			for _, b := range block[pos:] {
				if b != 0xFF {
					return nil, tlog.New(tlog.KindCorruptPadding)
				}
			}
			break
		}
		if pos+4 > len(block) {
			return nil, tlog.Wrap(tlog.KindCorruptLog, nil, "truncated record key length")
		}
		keyLen := int(binary.BigEndian.Uint32(block[pos : pos+4]))
		pos += 4
		if pos+keyLen > len(block) {
			return nil, tlog.Wrap(tlog.KindCorruptLog, nil, "truncated record key")
		}
		key, err := decodeRecordKey(block[pos : pos+keyLen])
		if err != nil {
			return nil, err
		}
		pos += keyLen

		if pos+4 > len(block) {
			return nil, tlog.Wrap(tlog.KindCorruptLog, nil, "truncated record value length")
		}
		valLen := int(binary.BigEndian.Uint32(block[pos : pos+4]))
		pos += 4
		if pos+valLen > len(block) {
			return nil, tlog.Wrap(tlog.KindCorruptLog, nil, "truncated record value")
		}
		includeVersion, _, body, err := decodeRecordValueHeader(block[pos : pos+valLen])
		if err != nil {
			return nil, err
		}
		pos += valLen

		records = append(records, rawRecord{key: key, includeVersion: includeVersion, body: append([]byte(nil), body...)})
	}
	return records, nil
}

// BlockRecord is one record to lay out via EncodeBlock.
type BlockRecord struct {
	Version        uint64
	Part           uint32
	IncludeVersion uint64
	Body           []byte
}

// EncodeBlock lays out records into a single blockSize-byte block,
// padding the remainder with 0xFF. It returns an error if records do
// not fit.
func EncodeBlock(blockSize int, records []BlockRecord) ([]byte, error) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], BlockMagicVersion)
	buf.Write(header[:])

	for _, r := range records {
		key := encodeRecordKey(r.Version, r.Part)
		value := encodeRecordValue(r.IncludeVersion, r.Body)

		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(key)))
		buf.Write(lenBuf[:])
		buf.Write(key)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
		buf.Write(lenBuf[:])
		buf.Write(value)
	}

	if buf.Len() > blockSize {
		return nil, tlog.Wrap(tlog.KindCorruptLog, nil, "encoded records exceed block size")
	}
	out := make([]byte, blockSize)
	copy(out, buf.Bytes())
	for i := buf.Len(); i < blockSize; i++ {
		out[i] = 0xFF
	}
	return out, nil
}
