// Package chunkuploader executes the server-planned upload operations of an
// asset pack publish: one HTTP request per operation, each carrying an exact
// byte range of the local archive, against pre-signed storage URLs.
package chunkuploader

import (
	"fmt"
	"io"
	"sort"
)

// Header is one header of an upload operation. The server returns headers as
// an ordered list and they are applied in that order.
type Header struct {
	Name  string
	Value string
}

// Operation is one server-planned transfer unit. The client never chooses
// chunk boundaries: offset and length come from the upload reservation.
type Operation struct {
	URL     string
	Method  string
	Headers []Header
	Offset  int64
	Length  int64
}

// RangeProvider supplies the archive bytes for a single operation.
// Range may be called concurrently for different ranges.
type RangeProvider interface {
	Range(offset, length int64) (io.Reader, error)
}

// OperationError identifies which operation of a planned upload failed.
type OperationError struct {
	OperationIndex int
	Err            error
}

func (e OperationError) Error() string {
	return fmt.Sprintf("upload operation %d: %s", e.OperationIndex, e.Err)
}

func (e OperationError) Unwrap() error {
	return e.Err
}

// ValidateCoverage checks that the operations' byte ranges partition
// [0, size) without gaps or overlaps. This is a protocol invariant of the
// reservation response; a violation means a server bug, and uploading such a
// plan would corrupt the remote object.
func ValidateCoverage(operations []Operation, size int64) error {
	sorted := make([]Operation, len(operations))
	copy(sorted, operations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	var next int64
	for _, op := range sorted {
		if op.Length <= 0 {
			return fmt.Errorf("operation at offset %d has non-positive length %d", op.Offset, op.Length)
		}
		if op.Offset != next {
			return fmt.Errorf("operations do not cover bytes [%d, %d)", next, op.Offset)
		}
		next = op.Offset + op.Length
	}
	if next != size {
		return fmt.Errorf("operations cover %d bytes, file has %d", next, size)
	}
	return nil
}
