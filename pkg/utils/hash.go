package utils

import (
	"encoding/hex"
	"io"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

// HashFile computes the BLAKE2b-256 digest of a file's contents,
// hex-encoded. Digests from both sides of a sync are compared to decide
// whether two copies are byte-identical.
func HashFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes computes the BLAKE2b-256 digest of a byte slice.
func HashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
