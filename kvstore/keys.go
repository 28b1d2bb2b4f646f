package kvstore

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Key family constants, byte-prefix families per spec.md §4.2.
var (
	prefixFormat           = []byte("Format")
	prefixProtocolVersion  = []byte("ProtocolVersion/")
	prefixSpillType        = []byte("TLogSpillType/")
	prefixDbRecoveryCount  = []byte("DbRecoveryCount/")
	prefixVersion          = []byte("version/")
	prefixKnownCommitted   = []byte("knownCommitted/")
	prefixLocality         = []byte("Locality/")
	keyRecoveryLocation    = []byte("recoveryLocation")
	prefixTagMsg           = []byte("TagMsg/")
	prefixTagMsgRef        = []byte("TagMsgRef/")
	prefixTagPop           = []byte("TagPop/")
)

// FormatKey is the single key recording the on-disk format version.
func FormatKey() []byte { return clone(prefixFormat) }

func logIDKey(prefix []byte, logID uuid.UUID) []byte {
	b := make([]byte, 0, len(prefix)+16)
	b = append(b, prefix...)
	idBytes, _ := logID.MarshalBinary()
	return append(b, idBytes...)
}

func ProtocolVersionKey(logID uuid.UUID) []byte { return logIDKey(prefixProtocolVersion, logID) }
func SpillTypeKey(logID uuid.UUID) []byte       { return logIDKey(prefixSpillType, logID) }
func DbRecoveryCountKey(logID uuid.UUID) []byte { return logIDKey(prefixDbRecoveryCount, logID) }
func VersionKey(logID uuid.UUID) []byte         { return logIDKey(prefixVersion, logID) }
func KnownCommittedKey(logID uuid.UUID) []byte  { return logIDKey(prefixKnownCommitted, logID) }
func LocalityKey(logID uuid.UUID) []byte        { return logIDKey(prefixLocality, logID) }
func RecoveryLocationKey() []byte               { return clone(keyRecoveryLocation) }

// tagMsgKeyPrefix returns TagMsg/<logId><tag> with no version suffix,
// giving the base for range reads across all versions of a team.
func tagMsgKeyPrefix(family []byte, logID uuid.UUID, tag uuid.UUID) []byte {
	b := make([]byte, 0, len(family)+32)
	b = append(b, family...)
	idBytes, _ := logID.MarshalBinary()
	tagBytes, _ := tag.MarshalBinary()
	b = append(b, idBytes...)
	return append(b, tagBytes...)
}

// TagMsgKey returns the spilled-by-value key for (logID, tag, version).
func TagMsgKey(logID, tag uuid.UUID, version int64) []byte {
	return appendVersion(tagMsgKeyPrefix(prefixTagMsg, logID, tag), version)
}

// TagMsgRefKey returns the spilled-by-reference key for (logID, tag, version).
func TagMsgRefKey(logID, tag uuid.UUID, version int64) []byte {
	return appendVersion(tagMsgKeyPrefix(prefixTagMsgRef, logID, tag), version)
}

// TagMsgRangePrefix/TagMsgRefRangePrefix bound a range read across all
// versions of a team's spilled-by-value/by-reference records.
func TagMsgRangePrefix(logID, tag uuid.UUID) []byte {
	return tagMsgKeyPrefix(prefixTagMsg, logID, tag)
}

func TagMsgRefRangePrefix(logID, tag uuid.UUID) []byte {
	return tagMsgKeyPrefix(prefixTagMsgRef, logID, tag)
}

// TagPopKey returns the popped-through-version key for (logID, tag).
func TagPopKey(logID, tag uuid.UUID) []byte {
	b := make([]byte, 0, len(prefixTagPop)+32)
	b = append(b, prefixTagPop...)
	idBytes, _ := logID.MarshalBinary()
	tagBytes, _ := tag.MarshalBinary()
	b = append(b, idBytes...)
	return append(b, tagBytes...)
}

// VersionAfterPrefix returns the exclusive upper bound for a range
// read that should include exactly the given prefix's keys with
// version <= version (used for spill range scans).
func VersionAfterPrefix(prefix []byte, version int64) []byte {
	return appendVersion(clone(prefix), version+1)
}

func appendVersion(prefix []byte, version int64) []byte {
	b := make([]byte, len(prefix)+8)
	copy(b, prefix)
	binary.BigEndian.PutUint64(b[len(prefix):], uint64(version))
	return b
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
