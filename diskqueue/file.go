package diskqueue

import "os"

// osOpenFlags opens (creating if necessary) a segment file for
// read-write random access, mirroring the teacher's osOpenWriteSeeker
// seam in package.go but generalized to a single read/write handle
// since DiskQueue interleaves positioned reads and writes on the same
// file rather than keeping separate reader pools.
const osOpenFlags = os.O_RDWR | os.O_CREATE
