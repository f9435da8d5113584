// Package memory is an in-memory partition.Port for tests: a plain byte
// slice standing in for a flash update slot.
package memory

import (
	"github.com/rofi-net/rofinet/internal/rerr"
)

// Partition is a fixed-size in-memory backing store.
type Partition struct {
	data      []byte
	committed bool
}

func New(size int64) *Partition {
	return &Partition{data: make([]byte, size)}
}

func (p *Partition) Read(offset int64, buf []byte) (int, error) {
	if offset < 0 || offset+int64(len(buf)) > int64(len(p.data)) {
		return 0, rerr.New(rerr.Storage, "memory partition: read out of range")
	}
	n := copy(buf, p.data[offset:])
	return n, nil
}

func (p *Partition) Write(offset int64, bytes []byte) error {
	if offset < 0 || offset+int64(len(bytes)) > int64(len(p.data)) {
		return rerr.New(rerr.Storage, "memory partition: write out of range")
	}
	copy(p.data[offset:], bytes)
	return nil
}

func (p *Partition) Commit() error {
	p.committed = true
	return nil
}

func (p *Partition) Size() int64 { return int64(len(p.data)) }

// Committed reports whether Commit was called, for test assertions.
func (p *Partition) Committed() bool { return p.committed }
