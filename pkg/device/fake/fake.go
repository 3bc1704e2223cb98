// Package fake provides the in-memory device-layer backend spec.md §6
// pairs with pkg/machine/fake: a byte-buffer block store and a
// buffered console, driven by cmd/kernel and the test suite.
package fake

import "sync"

// BlockDevice is a flat in-memory array of fixed-size sectors.
type BlockDevice struct {
	sectorSize int
	sectors    [][]byte
}

const defaultSectorSize = 512

func NewBlockDevice(numSectors int) *BlockDevice {
	sectors := make([][]byte, numSectors)
	for i := range sectors {
		sectors[i] = make([]byte, defaultSectorSize)
	}
	return &BlockDevice{sectorSize: defaultSectorSize, sectors: sectors}
}

func (b *BlockDevice) ReadBlocks(lba int64, buf []byte) error {
	n := len(buf) / b.sectorSize
	for i := 0; i < n; i++ {
		copy(buf[i*b.sectorSize:(i+1)*b.sectorSize], b.sectors[int(lba)+i])
	}
	return nil
}

func (b *BlockDevice) WriteBlocks(lba int64, buf []byte) error {
	n := len(buf) / b.sectorSize
	for i := 0; i < n; i++ {
		copy(b.sectors[int(lba)+i], buf[i*b.sectorSize:(i+1)*b.sectorSize])
	}
	return nil
}

func (b *BlockDevice) Capacity() int64 { return int64(len(b.sectors)) }

// Console is a buffered, in-memory stand-in for a UART: PutChar
// appends to an output buffer tests can inspect; GetChar drains a
// pre-seeded input buffer.
type Console struct {
	mu  sync.Mutex
	out []byte
	in  []byte
}

func NewConsole() *Console { return &Console{} }

func (c *Console) PutChar(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, b)
}

func (c *Console) GetChar() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.in) == 0 {
		return 0, false
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, true
}

// Feed appends bytes to the input buffer for a later GetChar to drain.
func (c *Console) Feed(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in = append(c.in, b...)
}

// Output returns a copy of everything written via PutChar so far.
func (c *Console) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.out))
	copy(out, c.out)
	return out
}
