// Package integrity checks downloaded archives against the size and
// SHA-256 digest published in a manifest. Mismatches are reported as
// results, never as errors.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ChunkSize is the read buffer used when hashing.
const ChunkSize = 64 * 1024

// Kind names the property a Check compared.
type Kind string

const (
	KindSize   Kind = "size"
	KindSHA256 Kind = "sha256"
)

// Check is the outcome of comparing one property of a file.
type Check struct {
	Kind     Kind
	Path     string
	Expected string
	Actual   string
	Match    bool
}

// Digest returns the lower-case hex SHA-256 of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(h, onlyReader{f}, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyDigest compares the file's SHA-256 with expected. Hex case is
// ignored.
func VerifyDigest(path, expected string) (Check, error) {
	actual, err := Digest(path)
	if err != nil {
		return Check{}, err
	}
	return Check{
		Kind:     KindSHA256,
		Path:     path,
		Expected: expected,
		Actual:   actual,
		Match:    strings.EqualFold(strings.TrimSpace(expected), actual),
	}, nil
}

// VerifySize compares the file's byte count with expected, a decimal
// string as published in the manifest.
func VerifySize(path, expected string) (Check, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Check{}, err
	}
	actual := strconv.FormatInt(fi.Size(), 10)

	match := false
	if n, err := strconv.ParseInt(strings.TrimSpace(expected), 10, 64); err == nil {
		match = n == fi.Size()
	}
	return Check{
		Kind:     KindSize,
		Path:     path,
		Expected: expected,
		Actual:   actual,
		Match:    match,
	}, nil
}

// onlyReader hides *os.File's WriterTo so CopyBuffer honours the buffer.
type onlyReader struct {
	r io.Reader
}

func (o onlyReader) Read(p []byte) (int, error) {
	return o.r.Read(p)
}
