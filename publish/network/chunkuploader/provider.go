package chunkuploader

import (
	"fmt"
	"io"
	"os"
)

// FileRangeProvider reads byte ranges from an archive on disk.
// Safe for parallel range reads: each range gets its own section reader
// backed by ReadAt.
type FileRangeProvider struct {
	file *os.File
	size int64
}

// NewFileRangeProvider opens the archive at path.
func NewFileRangeProvider(path string) (*FileRangeProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	return &FileRangeProvider{
		file: file,
		size: info.Size(),
	}, nil
}

// Size returns the archive size in bytes.
func (p *FileRangeProvider) Size() int64 {
	return p.size
}

// Range returns a reader over exactly [offset, offset+length) of the archive.
func (p *FileRangeProvider) Range(offset, length int64) (io.Reader, error) {
	if offset < 0 || length < 0 || offset+length > p.size {
		return nil, fmt.Errorf("range [%d, %d) out of bounds for %d-byte archive", offset, offset+length, p.size)
	}
	return io.NewSectionReader(p.file, offset, length), nil
}

// Close closes the underlying file.
func (p *FileRangeProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
