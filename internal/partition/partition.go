// Package partition is the update-partition port (C5): the abstraction
// over a flash update slot the FDP engine writes chunks into and, once
// complete, commits as the next boot image.
//
// Grounded on spec.md §4.5; the file-backed implementation follows the
// teacher's plain os.ReadFile/os.WriteFile idiom in internal/config,
// extended to the partial read/write + atomic-commit contract this port
// needs.
package partition

// Port abstracts the flash update slot. The running partition is
// read-only from the core's viewpoint; only the update slot is written.
type Port interface {
	// Read reads len(buf) bytes starting at offset.
	Read(offset int64, buf []byte) (int, error)
	// Write writes bytes at offset. Idempotent per region: writing the
	// same bytes to the same offset twice is not an error.
	Write(offset int64, bytes []byte) error
	// Commit makes the update slot the next boot image. Atomic and,
	// from the core's viewpoint, irreversible.
	Commit() error
	// Size reports the partition's total byte capacity.
	Size() int64
}
