package publish

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"io"
	"os"
)

// checksumOfFile computes the whole-file MD5 the service expects in the
// upload commit. MD5 is the protocol's integrity checksum, not a security
// boundary.
func checksumOfFile(path string) (string, error) {
	hash := md5.New() //nolint:gosec

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	_, err = io.Copy(hash, file)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
