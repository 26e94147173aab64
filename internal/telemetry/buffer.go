// Package telemetry holds the latest decoded motor grid, samples it on a fixed
// cadence, tracks per-motor error state and fans results out to sinks.
package telemetry

import (
	"errors"
	"fmt"
	"sync"
)

// ErrShapeMismatch is returned when a grid does not match the buffer's
// configured motor and field counts.
var ErrShapeMismatch = errors.New("grid shape mismatch")

// FrameBuffer holds the latest [motor][field] grid. A single mutex covers the
// whole grid so readers never observe a partial write.
type FrameBuffer struct {
	motors int
	fields int

	mu      sync.Mutex
	grid    [][]float64
	written bool
	writes  uint64
}

// NewFrameBuffer creates a zeroed motors×fields buffer.
func NewFrameBuffer(motors, fields int) *FrameBuffer {
	return &FrameBuffer{
		motors: motors,
		fields: fields,
		grid:   newGrid(motors, fields),
	}
}

func newGrid(motors, fields int) [][]float64 {
	backing := make([]float64, motors*fields)
	grid := make([][]float64, motors)
	for m := range grid {
		grid[m] = backing[m*fields : (m+1)*fields : (m+1)*fields]
	}
	return grid
}

// NewGrid returns a zeroed grid with this buffer's shape.
func (b *FrameBuffer) NewGrid() [][]float64 {
	return newGrid(b.motors, b.fields)
}

// Shape returns the configured motor and field counts.
func (b *FrameBuffer) Shape() (motors, fields int) {
	return b.motors, b.fields
}

func (b *FrameBuffer) checkShape(grid [][]float64) error {
	if len(grid) != b.motors {
		return fmt.Errorf("%w: got %d motors, want %d", ErrShapeMismatch, len(grid), b.motors)
	}
	for m, row := range grid {
		if len(row) != b.fields {
			return fmt.Errorf("%w: motor %d has %d fields, want %d", ErrShapeMismatch, m, len(row), b.fields)
		}
	}
	return nil
}

// Write replaces the stored grid. A grid of the wrong shape is rejected and
// the previous contents are kept.
func (b *FrameBuffer) Write(grid [][]float64) error {
	if err := b.checkShape(grid); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for m, row := range grid {
		copy(b.grid[m], row)
	}
	b.written = true
	b.writes++
	return nil
}

// Read returns a copy of the current grid.
func (b *FrameBuffer) Read() [][]float64 {
	out := b.NewGrid()
	b.ReadInto(out)
	return out
}

// ReadInto copies the current grid into dst, which must have the buffer's
// shape. It reports whether any grid has been written yet.
func (b *FrameBuffer) ReadInto(dst [][]float64) bool {
	if b.checkShape(dst) != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for m, row := range b.grid {
		copy(dst[m], row)
	}
	return b.written
}

// Reset zeroes the grid and marks the buffer unwritten, so nothing is sampled
// until the next accepted write.
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, row := range b.grid {
		clear(row)
	}
	b.written = false
	b.writes = 0
}

// Written reports whether any grid has been accepted.
func (b *FrameBuffer) Written() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Writes returns the number of accepted writes.
func (b *FrameBuffer) Writes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}
