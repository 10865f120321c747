// Package chunk partitions a byte range into contiguous chunks.
package chunk

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned for a zero chunk count.
var ErrInvalidArgument = errors.New("invalid argument")

// Descriptor is one contiguous byte range [Start, End) of a file.
type Descriptor struct {
	Index int
	Start uint64
	End   uint64
	Size  uint64
}

// Empty reports whether the chunk carries no bytes.
func (d Descriptor) Empty() bool {
	return d.Size == 0
}

func (d Descriptor) String() string {
	return fmt.Sprintf("chunk %d [%d,%d)", d.Index, d.Start, d.End)
}

// Plan splits [0, total) into n chunks. Every chunk but the last spans
// total/n bytes; the last one absorbs the remainder. When total < n the
// leading chunks are empty.
func Plan(total uint64, n uint32) ([]Descriptor, error) {
	if n == 0 {
		return nil, fmt.Errorf("%w: chunk count must be at least 1", ErrInvalidArgument)
	}
	base := total / uint64(n)
	out := make([]Descriptor, n)
	for i := uint32(0); i < n; i++ {
		start := uint64(i) * base
		end := start + base
		if i == n-1 {
			end = total
		}
		out[i] = Descriptor{Index: int(i), Start: start, End: end, Size: end - start}
	}
	return out, nil
}

// NonEmpty returns the descriptors that carry at least one byte, in index order.
func NonEmpty(plan []Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(plan))
	for _, d := range plan {
		if !d.Empty() {
			out = append(out, d)
		}
	}
	return out
}
