// Package diskqueue implements the append-only, crash-safe byte queue
// (spec.md §4.1) that sits under the TLog's FramedQueue. It keeps
// exactly two physical files and treats them as alternating segments
// of a single growing virtual address space, the same "writerA /
// writerB, current vs previous" double-buffering idiom the teacher
// uses in its TOC writer (tocWriter in valuestore_GEN_.go), adapted
// from "two TOC generations" to "two queue segments."
package diskqueue

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Location is an opaque, ordered handle into the queue's virtual byte
// stream. Locations only ever increase.
type Location int64

// segmentHeaderSize is the fixed header written at the start of each
// physical file recording which generation it currently holds.
const segmentHeaderSize = 8

// noGeneration marks a physical file as not yet holding any segment.
const noGeneration int64 = -1

var (
	// ErrQueueFull is returned by Push when the segment needed for the
	// next write still holds data behind the current pop location;
	// the caller must Pop further before more can be written. This is
	// the disk-backpressure condition spec.md §7 calls io_degraded.
	ErrQueueFull = errors.New("diskqueue: queue full, pop further before writing more")
	// ErrClosed is returned by any operation on a closed DiskQueue.
	ErrClosed = errors.New("diskqueue: closed")
)

// Config configures a DiskQueue's on-disk footprint.
type Config struct {
	Fs          afero.Fs
	Dir         string
	Prefix      string
	SegmentSize int64
}

// DiskQueue is the two-file append-only byte queue.
type DiskQueue struct {
	fs          afero.Fs
	dir         string
	prefix      string
	segmentSize int64

	mu         sync.Mutex
	closed     bool
	files      [2]afero.File
	fileGen    [2]int64
	writeGen   int64
	writeOff   int64
	commitLoc  Location
	popLoc     Location
}

// Open opens (creating if necessary) the two backing files under
// cfg.Dir and returns a DiskQueue ready for Push/Commit/Pop. Existing
// content is left untouched; callers that need to resume from a crash
// use NewReader with the recovery location they persisted separately
// (the KeyValueStore's recoveryLocation key per spec.md §4.2).
func Open(cfg Config) (*DiskQueue, error) {
	if cfg.SegmentSize <= int64(segmentHeaderSize) {
		return nil, errors.Errorf("diskqueue: segment size %d too small", cfg.SegmentSize)
	}
	if err := cfg.Fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "diskqueue: mkdir")
	}
	dq := &DiskQueue{
		fs:          cfg.Fs,
		dir:         cfg.Dir,
		prefix:      cfg.Prefix,
		segmentSize: cfg.SegmentSize,
		fileGen:     [2]int64{noGeneration, noGeneration},
	}
	for i := 0; i < 2; i++ {
		f, gen, _, err := dq.openSegmentFile(i)
		if err != nil {
			return nil, err
		}
		dq.files[i] = f
		dq.fileGen[i] = gen
	}
	// The active write segment is whichever file reports the higher
	// generation; on a brand-new queue both report noGeneration and we
	// start fresh at generation 0.
	if dq.fileGen[0] == noGeneration && dq.fileGen[1] == noGeneration {
		if err := dq.startSegment(0, 0); err != nil {
			return nil, err
		}
	} else {
		active := 0
		if dq.fileGen[1] > dq.fileGen[0] {
			active = 1
		}
		dq.writeGen = dq.fileGen[active]
		var err error
		dq.writeOff, err = dq.dataSize(active)
		if err != nil {
			return nil, err
		}
	}
	dq.commitLoc = Location(dq.writeGen*dq.segmentSize + dq.writeOff)
	dq.popLoc = 0
	return dq, nil
}

func (dq *DiskQueue) segmentPath(i int) string {
	return fmt.Sprintf("%s/%s%d.dat", dq.dir, dq.prefix, i)
}

func (dq *DiskQueue) openSegmentFile(i int) (afero.File, int64, int64, error) {
	path := dq.segmentPath(i)
	f, err := dq.fs.OpenFile(path, osOpenFlags, 0o644)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "diskqueue: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, 0, 0, err
	}
	if info.Size() < segmentHeaderSize {
		return f, noGeneration, 0, nil
	}
	header := make([]byte, segmentHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil && err != io.EOF {
		return nil, 0, 0, err
	}
	gen := int64(binary.BigEndian.Uint64(header))
	return f, gen, info.Size() - segmentHeaderSize, nil
}

func (dq *DiskQueue) dataSize(i int) (int64, error) {
	info, err := dq.files[i].Stat()
	if err != nil {
		return 0, err
	}
	if info.Size() < segmentHeaderSize {
		return 0, nil
	}
	return info.Size() - segmentHeaderSize, nil
}

func (dq *DiskQueue) startSegment(i int, gen int64) error {
	if err := dq.files[i].Truncate(0); err != nil {
		return errors.Wrap(err, "diskqueue: truncate for new segment")
	}
	header := make([]byte, segmentHeaderSize)
	binary.BigEndian.PutUint64(header, uint64(gen))
	if _, err := dq.files[i].WriteAt(header, 0); err != nil {
		return errors.Wrap(err, "diskqueue: write segment header")
	}
	dq.fileGen[i] = gen
	dq.writeGen = gen
	dq.writeOff = 0
	return nil
}

// Push appends bytes to the queue and returns the (start, end)
// location range they now occupy. Push is synchronous: by the time it
// returns the bytes are in the OS's write buffer for the current
// segment file, exactly as the teacher's valueStoreFile.write does for
// its memBlocks.
func (dq *DiskQueue) Push(data []byte) (Location, Location, error) {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	if dq.closed {
		return 0, 0, ErrClosed
	}
	if int64(len(data)) > dq.segmentSize {
		return 0, 0, errors.Errorf("diskqueue: record of %d bytes exceeds segment size %d", len(data), dq.segmentSize)
	}
	if dq.writeOff+int64(len(data)) > dq.segmentSize {
		if err := dq.rotate(); err != nil {
			return 0, 0, err
		}
	}
	start := Location(dq.writeGen*dq.segmentSize + dq.writeOff)
	fi := int(dq.writeGen % 2)
	if _, err := dq.files[fi].WriteAt(data, segmentHeaderSize+dq.writeOff); err != nil {
		return 0, 0, errors.Wrap(err, "diskqueue: write")
	}
	dq.writeOff += int64(len(data))
	end := Location(dq.writeGen*dq.segmentSize + dq.writeOff)
	return start, end, nil
}

// rotate moves the write cursor to the next segment, reusing the
// other physical file. The target file must already be entirely
// behind popLoc or rotation fails with ErrQueueFull.
func (dq *DiskQueue) rotate() error {
	nextGen := dq.writeGen + 1
	nextFile := int(nextGen % 2)
	if dq.fileGen[nextFile] != noGeneration {
		segmentEnd := Location((dq.fileGen[nextFile] + 1) * dq.segmentSize)
		if segmentEnd > dq.popLoc {
			return ErrQueueFull
		}
	}
	return dq.startSegment(nextFile, nextGen)
}

// Commit ensures all bytes written so far by Push are durable,
// returning once the equivalent of an fsync has completed.
func (dq *DiskQueue) Commit() error {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	if dq.closed {
		return ErrClosed
	}
	for _, f := range dq.files {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil {
			return errors.Wrap(err, "diskqueue: sync")
		}
	}
	dq.commitLoc = Location(dq.writeGen*dq.segmentSize + dq.writeOff)
	return nil
}

// CommittedLocation returns the highest location known durable as of
// the last Commit call.
func (dq *DiskQueue) CommittedLocation() Location {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.commitLoc
}

// Pop authorizes the queue to reclaim bytes strictly before
// upToLocation. It never moves the pop point backwards.
func (dq *DiskQueue) Pop(upToLocation Location) {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	if upToLocation > dq.popLoc {
		dq.popLoc = upToLocation
	}
}

// PoppedLocation returns the current pop point.
func (dq *DiskQueue) PoppedLocation() Location {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.popLoc
}

// Close releases the underlying files.
func (dq *DiskQueue) Close() error {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	if dq.closed {
		return nil
	}
	dq.closed = true
	var reterr error
	for _, f := range dq.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && reterr == nil {
			reterr = err
		}
	}
	return reterr
}

// TruncateTo rolls the write cursor back to loc, which must lie within
// the currently active write segment, physically discarding any bytes
// written past it. FramedQueue recovery uses this to align the write
// cursor with the last intact record boundary after replay, so the
// next Push starts immediately after the last good record rather than
// after whatever garbage bytes a torn write left on disk.
func (dq *DiskQueue) TruncateTo(loc Location) error {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	if dq.closed {
		return ErrClosed
	}
	gen := int64(loc) / dq.segmentSize
	off := int64(loc) % dq.segmentSize
	if gen != dq.writeGen {
		return errors.Errorf("diskqueue: TruncateTo location %d is outside the active segment %d", loc, dq.writeGen)
	}
	fi := int(gen % 2)
	if err := dq.files[fi].Truncate(segmentHeaderSize + off); err != nil {
		return errors.Wrap(err, "diskqueue: truncate")
	}
	dq.writeOff = off
	dq.commitLoc = loc
	return nil
}

// NewReader returns a sequential reader over committed bytes starting
// at from, stopping at the current committed location at the time
// each Read is served.
func (dq *DiskQueue) NewReader(from Location) *Reader {
	return &Reader{dq: dq, pos: from}
}

// Reader sequentially reads the queue's committed byte stream,
// crossing segment boundaries transparently.
type Reader struct {
	dq  *DiskQueue
	pos Location
}

// Pos returns the reader's current location.
func (r *Reader) Pos() Location { return r.pos }

// Read implements io.Reader over the committed portion of the queue.
func (r *Reader) Read(p []byte) (int, error) {
	r.dq.mu.Lock()
	defer r.dq.mu.Unlock()
	if r.dq.closed {
		return 0, ErrClosed
	}
	if r.pos >= r.dq.commitLoc {
		return 0, io.EOF
	}
	gen := int64(r.pos) / r.dq.segmentSize
	offInSeg := int64(r.pos) % r.dq.segmentSize
	fi := int(gen % 2)
	if r.dq.fileGen[fi] != gen {
		return 0, errors.Errorf("diskqueue: segment %d no longer resident (reclaimed)", gen)
	}
	remainInSeg := r.dq.segmentSize - offInSeg
	remainCommitted := int64(r.dq.commitLoc) - int64(r.pos)
	n := int64(len(p))
	if remainInSeg < n {
		n = remainInSeg
	}
	if remainCommitted < n {
		n = remainCommitted
	}
	if n <= 0 {
		return 0, io.EOF
	}
	read, err := r.dq.files[fi].ReadAt(p[:n], segmentHeaderSize+offInSeg)
	r.pos += Location(read)
	if err == io.EOF && read > 0 {
		err = nil
	}
	return read, err
}
