package backup

import (
	"sort"

	"github.com/jzhou77/partlog/tlog"
)

// VersionedMutations is one logical version's fully stitched mutation
// batch, spec.md §4.9's "VersionedMutations{version, mutations}".
type VersionedMutations struct {
	Version        uint64
	IncludeVersion uint64
	Mutations      []Mutation
}

// Decode parses every block in blocks (already split at blockSize
// boundaries by the caller) and stitches multi-part records into one
// VersionedMutations per distinct version, in ascending version order.
func Decode(blocks [][]byte) ([]VersionedMutations, error) {
	byVersion := make(map[uint64][]rawRecord)
	var order []uint64
	for _, block := range blocks {
		records, err := DecodeBlock(block)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if _, seen := byVersion[r.key.Version]; !seen {
				order = append(order, r.key.Version)
			}
			byVersion[r.key.Version] = append(byVersion[r.key.Version], r)
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]VersionedMutations, 0, len(order))
	for _, version := range order {
		parts := byVersion[version]
		vm, err := stitchParts(version, parts)
		if err != nil {
			return nil, err
		}
		out = append(out, vm)
	}
	return out, nil
}

// stitchParts orders parts by Part, validates the part sequence
// starts at 0 with no gaps, concatenates their bodies, and decodes the
// resulting mutation stream.
func stitchParts(version uint64, parts []rawRecord) (VersionedMutations, error) {
	sort.Slice(parts, func(i, j int) bool { return parts[i].key.Part < parts[j].key.Part })

	if parts[0].key.Part != 0 {
		return VersionedMutations{}, tlog.Wrap(tlog.KindCorruptData, nil, "first part of a version group must be 0")
	}
	var stitched []byte
	for i, p := range parts {
		if p.key.Part != uint32(i) {
			return VersionedMutations{}, tlog.Wrap(tlog.KindCorruptData, nil, "gap in version group part sequence")
		}
		stitched = append(stitched, p.body...)
	}

	mutations, err := decodeMutations(stitched)
	if err != nil {
		return VersionedMutations{}, err
	}
	return VersionedMutations{
		Version:        version,
		IncludeVersion: parts[0].includeVersion,
		Mutations:      mutations,
	}, nil
}

// Encode lays out vms across blocks of blockSize bytes, splitting a
// version's mutation bytes across as many parts as needed to fit. It
// is the inverse of Decode up to block padding: Decode(Encode(vms))
// reproduces vms exactly.
func Encode(blockSize int, vms []VersionedMutations) ([][]byte, error) {
	maxBodyPerRecord := blockSize - 4 /* block magic header */ - 4 - recordKeySize - 4 - 12
	if maxBodyPerRecord <= 0 {
		return nil, tlog.Wrap(tlog.KindCorruptLog, nil, "block size too small to hold any record")
	}

	var pending []BlockRecord
	for _, vm := range vms {
		mutBytes := encodeMutations(vm.Mutations)
		part := uint32(0)
		for len(mutBytes) > 0 || part == 0 {
			n := len(mutBytes)
			if n > maxBodyPerRecord {
				n = maxBodyPerRecord
			}
			pending = append(pending, BlockRecord{
				Version:        vm.Version,
				Part:           part,
				IncludeVersion: vm.IncludeVersion,
				Body:           mutBytes[:n],
			})
			mutBytes = mutBytes[n:]
			part++
			if len(mutBytes) == 0 {
				break
			}
		}
	}

	var blocks [][]byte
	var current []BlockRecord
	currentSize := 4
	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		block, err := EncodeBlock(blockSize, current)
		if err != nil {
			return err
		}
		blocks = append(blocks, block)
		current = nil
		currentSize = 4
		return nil
	}
	for _, rec := range pending {
		recSize := 4 + recordKeySize + 4 + 12 + len(rec.Body)
		if currentSize+recSize > blockSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		current = append(current, rec)
		currentSize += recSize
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return blocks, nil
}
