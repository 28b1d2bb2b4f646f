package backup

import "encoding/binary"

// LogRangeBlockSize groups consecutive versions into the same record
// key hash bucket. spec.md names the constant but does not fix its
// value and original_source/ carries no reference implementation to
// cross-check; 1,000,000 is the conventional bucket size for this
// kind of per-version keyed backup log and is the value this decoder
// validates against.
const LogRangeBlockSize = 1000000

func rotl32(x uint32, k uint) uint32 { return (x << k) | (x >> (32 - k)) }

// hashlittle is Bob Jenkins' lookup3.c "hashlittle" (public domain),
// the hash spec.md's record-key validity check names directly. It is
// hand-rolled rather than taken from a general-purpose hash library
// because this decoder reads an externally produced durable format
// whose record keys are only valid under this exact hash: substituting
// any other hash, however reputable, would reject every genuine record
// as corrupt rather than merely using a different (but equally valid)
// checksum.
func hashlittle(key []byte, initval uint32) uint32 {
	length := uint32(len(key))
	a := 0xdeadbeef + length + initval
	b, c := a, a

	for len(key) > 12 {
		a += binary.LittleEndian.Uint32(key[0:4])
		b += binary.LittleEndian.Uint32(key[4:8])
		c += binary.LittleEndian.Uint32(key[8:12])

		a -= c
		a ^= rotl32(c, 4)
		c += b
		b -= a
		b ^= rotl32(a, 6)
		a += c
		c -= b
		c ^= rotl32(b, 8)
		b += a
		a -= c
		a ^= rotl32(c, 16)
		c += b
		b -= a
		b ^= rotl32(a, 19)
		a += c
		c -= b
		c ^= rotl32(b, 4)
		b += a

		key = key[12:]
	}

	k := key
	n := len(k)
	if n == 0 {
		return c
	}
	var tail [12]byte
	copy(tail[:], k)
	if n >= 1 {
		a += uint32(tail[0])
	}
	if n >= 2 {
		a += uint32(tail[1]) << 8
	}
	if n >= 3 {
		a += uint32(tail[2]) << 16
	}
	if n >= 4 {
		a += uint32(tail[3]) << 24
	}
	if n >= 5 {
		b += uint32(tail[4])
	}
	if n >= 6 {
		b += uint32(tail[5]) << 8
	}
	if n >= 7 {
		b += uint32(tail[6]) << 16
	}
	if n >= 8 {
		b += uint32(tail[7]) << 24
	}
	if n >= 9 {
		c += uint32(tail[8])
	}
	if n >= 10 {
		c += uint32(tail[9]) << 8
	}
	if n >= 11 {
		c += uint32(tail[10]) << 16
	}
	if n == 12 {
		c += uint32(tail[11]) << 24
	}

	c ^= b
	c -= rotl32(b, 14)
	a ^= c
	a -= rotl32(c, 11)
	b ^= a
	b -= rotl32(a, 25)
	c ^= b
	c -= rotl32(b, 16)
	a ^= c
	a -= rotl32(c, 4)
	b ^= a
	b -= rotl32(a, 14)
	c ^= b
	c -= rotl32(b, 24)
	return c
}

// recordKeyHash returns the single hash byte a record key for version
// must carry, per spec.md §4.9's "hash == hashlittle(version /
// LOG_RANGE_BLOCK_SIZE) & 0xFF".
func recordKeyHash(version uint64) byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], version/LogRangeBlockSize)
	return byte(hashlittle(buf[:], 0) & 0xFF)
}
