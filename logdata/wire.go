package logdata

import "encoding/binary"

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) (int64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(b)), true
}

// versionFromTagMsgKey/versionFromTagMsgRefKey extract the trailing
// big-endian version suffix kvstore's TagMsgKey/TagMsgRefKey append to
// their family prefix.
func versionFromTagMsgKey(key []byte) (int64, bool) {
	if len(key) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-8:])), true
}

func versionFromTagMsgRefKey(key []byte) (int64, bool) {
	return versionFromTagMsgKey(key)
}
