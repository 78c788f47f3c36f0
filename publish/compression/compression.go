// Package compression builds the asset archive from local paths before
// publishing. Everything runs in-process: tar via the standard library, zstd
// via the native Go implementation, no external binaries.
package compression

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// DefaultCompressionLevel is the zstd level used when the caller doesn't set
// one. Valid levels are 1 to 19.
const DefaultCompressionLevel = 3

// Archiver creates and unpacks tar + zstd archives.
type Archiver struct {
	logger log.Logger
}

// NewArchiver ...
func NewArchiver(logger log.Logger) *Archiver {
	return &Archiver{logger: logger}
}

// Compress archives the given paths into archivePath as one tar + zstd
// stream. Paths are stored as given; directories are walked recursively and
// symlinks are preserved as links.
func (a *Archiver) Compress(archivePath string, includePaths []string, compressionLevel int) error {
	if compressionLevel == 0 {
		compressionLevel = DefaultCompressionLevel
	}
	if compressionLevel < 1 || compressionLevel > 19 {
		return fmt.Errorf("compression level should be between 1 and 19")
	}

	archive, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}

	zstdWriter, err := zstd.NewWriter(archive,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		archive.Close() //nolint:errcheck
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tarWriter := tar.NewWriter(zstdWriter)

	for _, p := range includePaths {
		if err := a.addPath(tarWriter, filepath.Clean(p)); err != nil {
			tarWriter.Close()  //nolint:errcheck
			zstdWriter.Close() //nolint:errcheck
			archive.Close()    //nolint:errcheck
			return err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}
	return nil
}

func (a *Archiver) addPath(tarWriter *tar.Writer, path string) error {
	return filepath.Walk(path, func(file string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		header, err := tar.FileInfoHeader(fi, file)
		if err != nil {
			return fmt.Errorf("create file info header: %w", err)
		}
		header.Name = filepath.ToSlash(filepath.Clean(file))

		if fi.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(file)
			if err != nil {
				return fmt.Errorf("read symlink: %w", err)
			}
			header.Typeflag = tar.TypeSymlink
			header.Linkname = link
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar file header: %w", err)
		}

		if !fi.Mode().IsRegular() || fi.IsDir() {
			return nil
		}

		data, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		if _, err := io.Copy(tarWriter, data); err != nil {
			data.Close() //nolint:errcheck
			return fmt.Errorf("copy to archive: %w", err)
		}
		if err := data.Close(); err != nil {
			return fmt.Errorf("close file: %w", err)
		}
		return nil
	})
}

// Decompress unpacks a tar + zstd archive under destinationDirectory.
func (a *Archiver) Decompress(archivePath string, destinationDirectory string) error {
	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer archive.Close() //nolint:errcheck

	zstdReader, err := zstd.NewReader(archive)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zstdReader.Close()

	tarReader := tar.NewReader(zstdReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar file: %w", err)
		}

		target := filepath.Join(destinationDirectory, filepath.FromSlash(header.Name))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("create symlink: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create parent directory: %w", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(out, tarReader); err != nil { //nolint:gosec
				out.Close() //nolint:errcheck
				return fmt.Errorf("write file: %w", err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close file: %w", err)
			}
		default:
			a.logger.Debugf("Skipping tar entry %s with type %d", header.Name, header.Typeflag)
		}
	}
	return nil
}
